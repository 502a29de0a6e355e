package trap

import "errors"

var errAlreadySuspended = errors.New("trap: suspended registers already published")

// ArchThreadState is the per-thread state the trap paths touch.
type ArchThreadState struct {
	// suspendedRegs points at the trap frame while a user exception or
	// signal is being delivered, so debuggers can read and write it.
	suspendedRegs Registers

	// DataFaultResume is the PC a user copy routine wants to resume at if
	// it faults on a user address. Zero means no copy is in progress.
	DataFaultResume uint64
}

// SuspendedRegs returns the published frame, or nil.
func (s *ArchThreadState) SuspendedRegs() Registers { return s.suspendedRegs }

func (s *ArchThreadState) publish(regs Registers) error {
	if s.suspendedRegs != nil {
		return errAlreadySuspended
	}
	s.suspendedRegs = regs
	return nil
}

func (s *ArchThreadState) clear() { s.suspendedRegs = nil }
