package trap

import (
	"errors"

	"github.com/tinyrange/trapcore/internal/arm64/syndrome"
)

func abortFlags(syn syndrome.Syndrome, user bool) PageFaultFlags {
	var flags PageFaultFlags
	if user {
		flags |= PageFaultUser
	}
	if !syn.PermissionFault() {
		flags |= PageFaultNotPresent
	}
	return flags
}

// handleFault calls the VM fault handler with interrupts enabled.
func (r *Router) handleFault(addr uint64, flags PageFaultFlags) error {
	r.cpu.EnableInterrupts()
	err := r.faults.HandleFault(addr, flags)
	r.cpu.DisableInterrupts()
	return err
}

// forwardFault reports a user fault the VM could not resolve. It returns
// true if the dispatcher accepted it; halted is set if forwarding itself
// was fatal.
func (r *Router) forwardFault(typ ExceptionType, ectx *ExceptionContext) (accepted, halted bool) {
	err := r.forward(typ, ectx)
	if errors.Is(err, errHalted) {
		return false, true
	}
	return err == nil, false
}

func (r *Router) instructionAbort(ectx *ExceptionContext, syn syndrome.Syndrome, user bool) bool {
	far := r.cpu.FaultAddress()
	ectx.FAR = far
	flags := abortFlags(syn, user) | PageFaultInstruction

	err := r.handleFault(far, flags)
	if err == nil {
		return true
	}
	r.log.Debug("instruction fault not resolved", "far", far, "flags", flags, "error", err)

	if user {
		accepted, halted := r.forwardFault(FatalPageFault, ectx)
		if halted {
			return false
		}
		if accepted {
			return true
		}
	}

	r.dieFault(ectx, "instruction abort", flags)
	return false
}

func (r *Router) dataAbort(ectx *ExceptionContext, syn syndrome.Syndrome, user bool) bool {
	far := r.cpu.FaultAddress()
	ectx.FAR = far
	flags := abortFlags(syn, user)
	// Cache maintenance reports WnR but needs only read permission.
	if syn.WriteNotRead() && !syn.CacheMaintenance() {
		flags |= PageFaultWrite
	}

	// Paging cannot fix alignment.
	alignment := syn.AlignmentFault()
	if !alignment {
		err := r.handleFault(far, flags)
		if err == nil {
			return true
		}
		r.log.Debug("data fault not resolved", "far", far, "flags", flags, "error", err)
	}

	if user {
		typ := FatalPageFault
		if alignment {
			typ = UnalignedAccess
		}
		accepted, halted := r.forwardFault(typ, ectx)
		if halted {
			return false
		}
		if accepted {
			return true
		}
	}

	// A user copy routine expected this fault.
	if resume := r.current().ArchState().DataFaultResume; resume != 0 && r.isUserAddress(far) {
		ectx.Frame.ELR = resume
		return true
	}

	r.dieFault(ectx, "data abort", flags)
	return false
}
