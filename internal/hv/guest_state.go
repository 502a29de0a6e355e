package hv

import (
	"fmt"
	"sync"
)

// Arm64GuestState is an in-memory GuestState. The run loop fills it from the
// hardware on exit and writes it back before resuming the guest.
type Arm64GuestState struct {
	mu sync.Mutex

	index int
	regs  [registerCount]uint64
}

// NewArm64GuestState returns an empty register file for vCPU index.
func NewArm64GuestState(index int) *Arm64GuestState {
	return &Arm64GuestState{index: index}
}

// VCPUIndex implements [GuestState].
func (s *Arm64GuestState) VCPUIndex() int { return s.index }

// GetRegisters implements [GuestState].
func (s *Arm64GuestState) GetRegisters(regs map[Register]RegisterValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for reg := range regs {
		if reg == RegisterARM64Xzr {
			regs[reg] = Register64(0)
			continue
		}
		if reg == RegisterInvalid || reg >= registerCount {
			return fmt.Errorf("hv: unsupported register %v", reg)
		}
		regs[reg] = Register64(s.regs[reg])
	}

	return nil
}

// SetRegisters implements [GuestState]. Writes to XZR are discarded.
func (s *Arm64GuestState) SetRegisters(regs map[Register]RegisterValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for reg, value := range regs {
		if reg == RegisterInvalid || reg >= registerCount {
			return fmt.Errorf("hv: unsupported register %v", reg)
		}

		raw, ok := value.(Register64)
		if !ok {
			return fmt.Errorf("hv: invalid register value type %T for %v", value, reg)
		}

		if reg == RegisterARM64Xzr {
			continue
		}
		s.regs[reg] = uint64(raw)
	}

	return nil
}

// Snapshot returns a copy of every register, keyed by register.
func (s *Arm64GuestState) Snapshot() map[Register]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := make(map[Register]uint64, len(s.regs))
	for reg := RegisterARM64X0; reg < registerCount; reg++ {
		if reg == RegisterARM64Xzr {
			continue
		}
		ret[reg] = s.regs[reg]
	}
	return ret
}

var (
	_ GuestState = &Arm64GuestState{}
)
