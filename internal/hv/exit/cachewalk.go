package exit

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// Stage 1 translation table format, 4KiB granule.
const (
	descriptorMask  = 0b11
	descriptorBlock = 0b01 // levels 0-2
	descriptorTable = 0b11 // levels 0-2
	descriptorPage  = 0b11 // level 3

	outputAddressMask = 0x0000_ffff_ffff_f000
	// A root table smaller than a page is only aligned to its own size.
	ttbrBaseMask      = 0x0000_ffff_ffff_fffe

	tableEntries = hostarch.PageSize / 8
	levelBits    = hostarch.PageShift - 3

	// TCR_EL1.T0SZ sizes the TTBR0 region as 2^(64-T0SZ) bytes.
	tcrT0SZMask = 0x3f
	minTxSZ     = 16
	maxTxSZ     = 39
)

type tableRef struct {
	addr    uint64
	shift   uint
	entries int
}

// rootLevel returns the shift of one root table entry and the number of
// entries in the root table for the input address size selected by tcr.
// A T0SZ of zero, as left by a guest that never wrote TCR_EL1, is treated
// as a 48-bit space.
func rootLevel(tcr uint64) (shift uint, entries int) {
	txsz := uint(tcr & tcrT0SZMask)
	if txsz == 0 {
		txsz = minTxSZ
	}
	txsz = min(max(txsz, minTxSZ), maxTxSZ)

	vaBits := 64 - txsz
	shift = hostarch.PageShift + levelBits*((vaBits-hostarch.PageShift-1)/levelBits)
	return shift, 1 << (vaBits - shift)
}

// cleanInvalidateTables cleans and invalidates every block and page mapped
// by the translation tables rooted at ttbr. The root level comes from tcr;
// each level below maps entries levelBits smaller, down to a page at level
// 3. Tables the guest points outside its memory, and tables already visited
// at the same level, are skipped.
func (r *Router) cleanInvalidateTables(ttbr, tcr uint64) error {
	shift, entries := rootLevel(tcr)
	work := []tableRef{{addr: ttbr & ttbrBaseMask, shift: shift, entries: entries}}
	visited := make(map[tableRef]struct{})
	table := make([]byte, hostarch.PageSize)

	for len(work) > 0 {
		ref := work[len(work)-1]
		work = work[:len(work)-1]

		if _, ok := visited[ref]; ok {
			continue
		}
		visited[ref] = struct{}{}

		buf := table[:ref.entries*8]
		if _, err := r.space.ReadAt(buf, int64(ref.addr)); err != nil {
			r.log.Debug("skipping unreadable translation table", "table", ref.addr, "shift", ref.shift, "error", err)
			continue
		}

		leaf := uint64(descriptorBlock)
		if ref.shift == hostarch.PageShift {
			leaf = descriptorPage
		}

		for i := 0; i < ref.entries; i++ {
			desc := binary.LittleEndian.Uint64(buf[i*8:])
			addr := desc & outputAddressMask

			switch kind := desc & descriptorMask; {
			case kind == leaf:
				if err := r.cache.CleanInvalidate(addr, 1<<ref.shift); err != nil {
					return err
				}
			case kind == descriptorTable && ref.shift > hostarch.PageShift:
				work = append(work, tableRef{addr: addr, shift: ref.shift - levelBits, entries: tableEntries})
			}
		}
	}
	return nil
}
