package exit

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/trapcore/internal/hv"
	"github.com/tinyrange/trapcore/internal/hv/packet"
	"github.com/tinyrange/trapcore/internal/hv/trapmap"
	"gvisor.dev/gvisor/pkg/hostarch"
)

func (r *Router) handleInstructionAbort(ctx context.Context, info exitInfo) (Outcome, error) {
	return r.guestPageFault(ctx, info.ipa())
}

func (r *Router) guestPageFault(ctx context.Context, ipa uint64) (Outcome, error) {
	if err := r.space.PageFault(ctx, ipa); err != nil {
		return Resume, fmt.Errorf("exit: guest page fault at %#x: %w", ipa, err)
	}
	return Resume, nil
}

// handleDataAbort routes a stage 2 data abort to the trap registered at the
// faulting address, or to the address space when there is none.
func (r *Router) handleDataAbort(ctx context.Context, vcpu *VCPU, info exitInfo, pkt *packet.Packet) (Outcome, error) {
	// HPFAR_EL2 only has page granularity; the offset comes from FAR_EL2.
	addr := info.ipa() | hostarch.Addr(info.far).PageOffset()

	trap, err := r.traps.FindTrap(trapmap.KindBell, addr)
	if errors.Is(err, hv.ErrNotFound) {
		return r.guestPageFault(ctx, info.ipa())
	} else if err != nil {
		return Resume, err
	}

	da := info.syn.DataAbort()

	switch trap.Kind() {
	case trapmap.KindBell:
		if da.Read {
			return Resume, fmt.Errorf("exit: read from doorbell %#x: %w", addr, hv.ErrNotSupported)
		}
		if !trap.HasPort() {
			return Resume, fmt.Errorf("exit: doorbell %#x has no port: %w", addr, hv.ErrBadState)
		}
		if err := trap.Queue(packet.Packet{
			Key:  trap.Key(),
			Type: packet.TypeGuestBell,
			Bell: packet.GuestBell{Addr: addr},
		}); err != nil {
			return Resume, fmt.Errorf("exit: queue doorbell %#x: %w", addr, err)
		}
		if err := hv.AdvanceProgramCounter(vcpu.State); err != nil {
			return Resume, err
		}
		return Resume, nil

	case trapmap.KindMem:
		if !da.Valid {
			return Resume, fmt.Errorf("exit: access to %#x has no instruction syndrome: %w", addr, hv.ErrIODataIntegrity)
		}

		var data uint64
		if !da.Read {
			reg, err := generalRegister(da.Reg)
			if err != nil {
				return Resume, err
			}
			if data, err = getRegister(vcpu.State, reg); err != nil {
				return Resume, err
			}
			if da.AccessSize < 8 {
				data &= (uint64(1) << (8 * da.AccessSize)) - 1
			}
		}

		if err := hv.AdvanceProgramCounter(vcpu.State); err != nil {
			return Resume, err
		}
		*pkt = packet.Packet{
			Key:  trap.Key(),
			Type: packet.TypeGuestMem,
			Mem: packet.GuestMem{
				Addr:       addr,
				AccessSize: da.AccessSize,
				SignExtend: da.SignExtend,
				Reg:        da.Reg,
				Read:       da.Read,
				Data:       data,
			},
		}
		return Deliver, nil

	default:
		return Resume, fmt.Errorf("exit: trap %#x of kind %s: %w", trap.Key(), trap.Kind(), hv.ErrBadState)
	}
}
