package exit

import (
	"github.com/tinyrange/trapcore/internal/hv"
	"github.com/tinyrange/trapcore/internal/hv/vgic"
)

// CNTV_CTL_EL0 bits.
const (
	timerEnable = 1 << 0
	timerIMask  = 1 << 1
)

// handleWait emulates WFI and WFE. WFE only yields the host CPU. WFI parks
// the vCPU until the virtual timer fires, unless the timer cannot fire or
// already has.
func (r *Router) handleWait(vcpu *VCPU, info exitInfo) (Outcome, error) {
	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterARM64CntvCtlEl0:  hv.Register64(0),
		hv.RegisterARM64CntvCvalEl0: hv.Register64(0),
	}
	if err := vcpu.State.GetRegisters(regs); err != nil {
		return Resume, err
	}
	ctl := uint64(regs[hv.RegisterARM64CntvCtlEl0].(hv.Register64))
	cval := uint64(regs[hv.RegisterARM64CntvCvalEl0].(hv.Register64))

	if err := hv.AdvanceProgramCounter(vcpu.State); err != nil {
		return Resume, err
	}

	if info.syn.Wait().IsWFE {
		r.yield()
		return Resume, nil
	}

	if vcpu.Interrupts.Pending(vgic.TimerVector) || ctl&timerEnable == 0 || ctl&timerIMask != 0 {
		r.yield()
		return Resume, nil
	}

	deadline := r.clock.CounterToTime(cval)
	if !deadline.After(r.clock.Now()) {
		return Resume, vcpu.Interrupts.Interrupt(vgic.TimerVector)
	}

	interrupts := vcpu.Interrupts
	vcpu.Timer.Set(deadline, func() {
		// Only out-of-range vectors are rejected.
		_ = interrupts.Interrupt(vgic.TimerVector)
	})
	return Wait, nil
}
