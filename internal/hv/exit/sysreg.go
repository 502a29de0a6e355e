package exit

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/trapcore/internal/arm64/syndrome"
	"github.com/tinyrange/trapcore/internal/hv"
	"github.com/tinyrange/trapcore/internal/hv/packet"
)

// HCR_EL2 bits.
const (
	hcrDC  = 1 << 12
	hcrTVM = 1 << 26
)

// SCTLR_EL1.C, data cache enable.
const sctlrC = 1 << 2

// shadowed maps the trapped translation registers to their saved copies.
var shadowed = map[syndrome.SystemRegister]hv.Register{
	syndrome.SysRegMAIR_EL1:  hv.RegisterARM64MairEl1,
	syndrome.SysRegTCR_EL1:   hv.RegisterARM64TcrEl1,
	syndrome.SysRegTTBR0_EL1: hv.RegisterARM64Ttbr0El1,
	syndrome.SysRegTTBR1_EL1: hv.RegisterARM64Ttbr1El1,
}

func isRAZWI(reg syndrome.SystemRegister) bool {
	switch reg {
	case syndrome.SysRegOSLAR_EL1, syndrome.SysRegOSLSR_EL1,
		syndrome.SysRegOSDLR_EL1, syndrome.SysRegDBGPRCR_EL1:
		return true
	}
	return false
}

func (r *Router) handleSystemRegister(vcpu *VCPU, info exitInfo, pkt *packet.Packet) (Outcome, error) {
	si := info.syn.SystemRegister()

	rt, err := generalRegister(si.Reg)
	if err != nil {
		return Resume, err
	}

	switch {
	case si.Register == syndrome.SysRegSCTLR_EL1:
		if si.Read {
			return Resume, fmt.Errorf("exit: read of %s: %w", si.Register, hv.ErrNotSupported)
		}
		value, err := getRegister(vcpu.State, rt)
		if err != nil {
			return Resume, err
		}
		if err := r.writeSCTLR(vcpu.State, uint32(value)); err != nil {
			return Resume, err
		}

	case isRAZWI(si.Register):
		if si.Read {
			if err := setRegister(vcpu.State, rt, 0); err != nil {
				return Resume, err
			}
		}

	case si.Register == syndrome.SysRegICC_SGI1R_EL1:
		if si.Read {
			return Resume, fmt.Errorf("exit: read of %s: %w", si.Register, hv.ErrInvalidArgument)
		}
		value, err := getRegister(vcpu.State, rt)
		if err != nil {
			return Resume, err
		}
		sgi := syndrome.DecodeSGI(value)
		if sgi.Aff3 != 0 || sgi.Aff2 != 0 || sgi.Aff1 != 0 {
			return Resume, fmt.Errorf("exit: SGI to affinity %d.%d.%d: %w", sgi.Aff3, sgi.Aff2, sgi.Aff1, hv.ErrNotSupported)
		}

		mask := uint64(sgi.TargetList)
		if sgi.AllButLocal {
			mask = ^(uint64(1) << vcpu.State.VCPUIndex())
		}
		if err := hv.AdvanceProgramCounter(vcpu.State); err != nil {
			return Resume, err
		}
		*pkt = packet.Packet{
			Type:      packet.TypeVCPUInterrupt,
			Interrupt: packet.VCPUInterrupt{Mask: mask, Vector: sgi.IntID},
		}
		return Deliver, nil

	default:
		shadow, ok := shadowed[si.Register]
		if !ok {
			r.logLimited(slog.LevelWarn, "unhandled system register access",
				"vcpu", vcpu.State.VCPUIndex(),
				"register", si.Register,
				"read", si.Read,
				"pc", fmt.Sprintf("%#x", info.pc),
			)
			return Resume, fmt.Errorf("exit: access to %s: %w", si.Register, hv.ErrNotSupported)
		}
		if si.Read {
			value, err := getRegister(vcpu.State, shadow)
			if err != nil {
				return Resume, err
			}
			if err := setRegister(vcpu.State, rt, value); err != nil {
				return Resume, err
			}
		} else {
			value, err := getRegister(vcpu.State, rt)
			if err != nil {
				return Resume, err
			}
			if err := setRegister(vcpu.State, shadow, value); err != nil {
				return Resume, err
			}
		}
	}

	if err := hv.AdvanceProgramCounter(vcpu.State); err != nil {
		return Resume, err
	}
	return Resume, nil
}

// writeSCTLR stores a guest write to SCTLR_EL1. While the guest runs with
// its caches off, stage 2 forces cacheable accesses (HCR_EL2.DC) and
// translation register writes are trapped (HCR_EL2.TVM). Once the guest
// turns its data cache on both are dropped, and every page mapped through
// TTBR0_EL1 is cleaned and invalidated so it observes what it wrote
// uncached. Guests enable caches from the TTBR0 identity map.
func (r *Router) writeSCTLR(g hv.GuestState, value uint32) error {
	if value&sctlrC != 0 {
		regs := map[hv.Register]hv.RegisterValue{
			hv.RegisterARM64HcrEl2:   hv.Register64(0),
			hv.RegisterARM64Ttbr0El1: hv.Register64(0),
			hv.RegisterARM64TcrEl1:   hv.Register64(0),
		}
		if err := g.GetRegisters(regs); err != nil {
			return fmt.Errorf("exit: read translation state: %w", err)
		}
		hcr := uint64(regs[hv.RegisterARM64HcrEl2].(hv.Register64))

		if err := r.cleanInvalidateTables(
			uint64(regs[hv.RegisterARM64Ttbr0El1].(hv.Register64)),
			uint64(regs[hv.RegisterARM64TcrEl1].(hv.Register64)),
		); err != nil {
			return err
		}

		if err := setRegister(g, hv.RegisterARM64HcrEl2, hcr&^(hcrDC|hcrTVM)); err != nil {
			return err
		}
	}
	return setRegister(g, hv.RegisterARM64SctlrEl1, uint64(value))
}
