package exit

import (
	"fmt"

	"github.com/tinyrange/trapcore/internal/hv"
	"github.com/tinyrange/trapcore/internal/hv/packet"
)

// PSCI function IDs and return codes (ARM DEN 0022).
const (
	psciCPUOn32 = 0x8400_0003
	psciCPUOn64 = 0xc400_0003

	psciSuccess      = 0
	psciNotSupported = ^uint64(0) // -1, sign extended into X0
)

// psciImmediate is the only SMC immediate accepted from a guest.
const psciImmediate = 0

func (r *Router) handleSMC(vcpu *VCPU, info exitInfo, pkt *packet.Packet) (Outcome, error) {
	if imm := info.syn.SMC(); imm != psciImmediate {
		return Resume, fmt.Errorf("exit: SMC immediate %#x: %w", imm, hv.ErrNotSupported)
	}

	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterARM64X0: hv.Register64(0),
		hv.RegisterARM64X1: hv.Register64(0),
		hv.RegisterARM64X2: hv.Register64(0),
	}
	if err := vcpu.State.GetRegisters(regs); err != nil {
		return Resume, err
	}
	function := uint64(regs[hv.RegisterARM64X0].(hv.Register64))

	if err := hv.AdvanceProgramCounter(vcpu.State); err != nil {
		return Resume, err
	}

	switch function {
	case psciCPUOn32, psciCPUOn64:
		*pkt = packet.Packet{
			Type: packet.TypeVCPUStartup,
			Startup: packet.VCPUStartup{
				ID:         uint64(regs[hv.RegisterARM64X1].(hv.Register64)),
				EntryPoint: uint64(regs[hv.RegisterARM64X2].(hv.Register64)),
			},
		}
		return Deliver, setRegister(vcpu.State, hv.RegisterARM64X0, psciSuccess)
	default:
		return Resume, setRegister(vcpu.State, hv.RegisterARM64X0, psciNotSupported)
	}
}
