// Package gpas models the guest physical address space of a virtual machine:
// RAM backed by host memory, fixed device windows, MMIO regions allocated
// above RAM, and the cache maintenance the guest asks for when it turns its
// caches on.
package gpas

import (
	"context"
	"fmt"
	"sync"

	"github.com/tinyrange/trapcore/internal/hv"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Region is a named range of guest physical memory.
type Region struct {
	Name string
	Base uint64
	Size uint64
}

func (r Region) addrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(r.Base), End: hostarch.Addr(r.Base + r.Size)}
}

// AllocationRequest describes an MMIO window to place above RAM.
type AllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// AddressSpace is safe for concurrent use by every vCPU of a guest.
type AddressSpace struct {
	mu sync.RWMutex

	ramBase uint64
	ram     []byte

	// populated holds the guest page numbers that have been faulted in.
	populated map[uint64]struct{}

	nextMMIO    uint64
	allocations []Region
	fixed       []Region

	maintained []hostarch.AddrRange
}

// New creates an address space with ramSize bytes of RAM at ramBase. MMIO
// allocations start at the first page above RAM.
func New(ramBase, ramSize uint64) (*AddressSpace, error) {
	if ramSize == 0 {
		return nil, fmt.Errorf("gpas: zero-size RAM: %w", hv.ErrInvalidArgument)
	}
	if !hostarch.Addr(ramBase).IsPageAligned() || !hostarch.Addr(ramSize).IsPageAligned() {
		return nil, fmt.Errorf("gpas: RAM %#x+%#x is not page aligned: %w", ramBase, ramSize, hv.ErrInvalidArgument)
	}
	if _, ok := hostarch.Addr(ramBase).ToRange(ramSize); !ok {
		return nil, fmt.Errorf("gpas: RAM %#x+%#x overflows: %w", ramBase, ramSize, hv.ErrInvalidArgument)
	}

	return &AddressSpace{
		ramBase:   ramBase,
		ram:       make([]byte, ramSize),
		populated: make(map[uint64]struct{}),
		nextMMIO:  alignUp(ramBase+ramSize, hostarch.PageSize),
	}, nil
}

func (a *AddressSpace) RAMBase() uint64 { return a.ramBase }
func (a *AddressSpace) RAMSize() uint64 { return uint64(len(a.ram)) }
func (a *AddressSpace) RAMEnd() uint64  { return a.ramBase + uint64(len(a.ram)) }

func (a *AddressSpace) ramRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(a.ramBase), End: hostarch.Addr(a.RAMEnd())}
}

// Allocate places an MMIO window above RAM, aligned to the requested
// alignment (a page when zero).
func (a *AddressSpace) Allocate(req AllocationRequest) (Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return Region{}, fmt.Errorf("gpas: cannot allocate zero-size region for %s: %w", req.Name, hv.ErrInvalidArgument)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = hostarch.PageSize
	}
	if alignment&(alignment-1) != 0 {
		return Region{}, fmt.Errorf("gpas: alignment %#x is not a power of 2 for %s: %w", alignment, req.Name, hv.ErrInvalidArgument)
	}

	region := Region{
		Name: req.Name,
		Base: alignUp(a.nextMMIO, alignment),
		Size: alignUp(req.Size, alignment),
	}
	a.allocations = append(a.allocations, region)
	a.nextMMIO = region.Base + region.Size

	return region, nil
}

// RegisterFixed records a device window at a predetermined address, such as
// the interrupt controller. It must not overlap RAM or another window.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("gpas: cannot register zero-size fixed region %s: %w", name, hv.ErrInvalidArgument)
	}
	region := Region{Name: name, Base: base, Size: size}
	if _, ok := hostarch.Addr(base).ToRange(size); !ok {
		return fmt.Errorf("gpas: fixed region %s overflows: %w", name, hv.ErrInvalidArgument)
	}

	rng := region.addrRange()
	if rng.Overlaps(a.ramRange()) {
		return fmt.Errorf("gpas: fixed region %s [%#x-%#x) overlaps RAM [%#x-%#x): %w",
			name, base, base+size, a.ramBase, a.RAMEnd(), hv.ErrAlreadyExists)
	}
	for _, other := range append(a.fixed, a.allocations...) {
		if rng.Overlaps(other.addrRange()) {
			return fmt.Errorf("gpas: fixed region %s overlaps %s: %w", name, other.Name, hv.ErrAlreadyExists)
		}
	}

	a.fixed = append(a.fixed, region)
	return nil
}

// Regions returns every device window, fixed ones first.
func (a *AddressSpace) Regions() []Region {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ret := make([]Region, 0, len(a.fixed)+len(a.allocations))
	ret = append(ret, a.fixed...)
	return append(ret, a.allocations...)
}

// PageFault populates the RAM page containing gpa. Faults on device windows
// cannot be satisfied by memory and report ErrNotSupported; anything else is
// outside the guest.
func (a *AddressSpace) PageFault(ctx context.Context, gpa uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := hostarch.Addr(gpa)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ramRange().Contains(addr) {
		a.populated[uint64(addr.RoundDown())>>hostarch.PageShift] = struct{}{}
		return nil
	}
	for _, region := range append(a.fixed, a.allocations...) {
		if region.addrRange().Contains(addr) {
			return fmt.Errorf("gpas: fault at %#x in device region %s: %w", gpa, region.Name, hv.ErrNotSupported)
		}
	}
	return fmt.Errorf("gpas: fault at %#x outside guest memory: %w", gpa, hv.ErrOutOfRange)
}

// Populated reports whether the page containing gpa has been faulted in.
func (a *AddressSpace) Populated(gpa uint64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, ok := a.populated[uint64(hostarch.Addr(gpa).RoundDown())>>hostarch.PageShift]
	return ok
}

func (a *AddressSpace) ramSlice(gpa uint64, n int) ([]byte, error) {
	rng, ok := hostarch.Addr(gpa).ToRange(uint64(n))
	if !ok || !a.ramRange().IsSupersetOf(rng) {
		return nil, fmt.Errorf("gpas: access %#x+%#x outside RAM: %w", gpa, n, hv.ErrOutOfRange)
	}
	off := gpa - a.ramBase
	return a.ram[off : off+uint64(n)], nil
}

// ReadAt copies guest RAM at gpa into p. Reads never span past RAM.
func (a *AddressSpace) ReadAt(p []byte, gpa int64) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	src, err := a.ramSlice(uint64(gpa), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

// WriteAt copies p into guest RAM at gpa.
func (a *AddressSpace) WriteAt(p []byte, gpa int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dst, err := a.ramSlice(uint64(gpa), len(p))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

// CleanInvalidate performs data cache clean and invalidate by guest
// physical address. Host RAM backing the guest is coherent, so the range is
// only validated and recorded.
func (a *AddressSpace) CleanInvalidate(gpa, size uint64) error {
	rng, ok := hostarch.Addr(gpa).ToRange(size)
	if !ok {
		return fmt.Errorf("gpas: clean+invalidate %#x+%#x overflows: %w", gpa, size, hv.ErrInvalidArgument)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.maintained = append(a.maintained, rng)
	return nil
}

// Maintained returns the ranges passed to CleanInvalidate, in call order.
func (a *AddressSpace) Maintained() []hostarch.AddrRange {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return append([]hostarch.AddrRange(nil), a.maintained...)
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
