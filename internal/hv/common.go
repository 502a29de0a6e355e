package hv

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotSupported is returned when an exit requests an operation the
	// emulators do not implement.
	ErrNotSupported = errors.New("operation not supported")
	// ErrInvalidArgument is returned for malformed guest requests.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrBadState is returned when a collaborator is not in a state that
	// can service the exit (e.g. a doorbell trap without a port).
	ErrBadState = errors.New("bad state")
	// ErrIODataIntegrity is returned for a memory trap whose syndrome does
	// not describe the access.
	ErrIODataIntegrity = errors.New("I/O data integrity")
	// ErrNotFound is returned by lookups that have no match.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a registration overlaps another.
	ErrAlreadyExists = errors.New("already exists")
	// ErrOutOfRange is returned for addresses outside a mapped region.
	ErrOutOfRange = errors.New("out of range")
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	// ARM64 General-Purpose Registers
	RegisterARM64X0
	RegisterARM64X1
	RegisterARM64X2
	RegisterARM64X3
	RegisterARM64X4
	RegisterARM64X5
	RegisterARM64X6
	RegisterARM64X7
	RegisterARM64X8
	RegisterARM64X9
	RegisterARM64X10
	RegisterARM64X11
	RegisterARM64X12
	RegisterARM64X13
	RegisterARM64X14
	RegisterARM64X15
	RegisterARM64X16
	RegisterARM64X17
	RegisterARM64X18
	RegisterARM64X19
	RegisterARM64X20
	RegisterARM64X21
	RegisterARM64X22
	RegisterARM64X23
	RegisterARM64X24
	RegisterARM64X25
	RegisterARM64X26
	RegisterARM64X27
	RegisterARM64X28
	RegisterARM64X29
	RegisterARM64X30
	RegisterARM64Xzr

	// Guest PC (ELR_EL2) and PSTATE (SPSR_EL2) at the time of the exit.
	RegisterARM64Pc
	RegisterARM64Pstate

	// Exit syndrome state captured by EL2.
	RegisterARM64EsrEl2
	RegisterARM64FarEl2
	RegisterARM64HpfarEl2
	RegisterARM64HcrEl2

	// Shadowed EL1 system state.
	RegisterARM64SctlrEl1
	RegisterARM64TcrEl1
	RegisterARM64Ttbr0El1
	RegisterARM64Ttbr1El1
	RegisterARM64MairEl1
	RegisterARM64CntvCtlEl0
	RegisterARM64CntvCvalEl0

	registerCount
)

var registerNames = map[Register]string{
	RegisterARM64Xzr:         "xzr",
	RegisterARM64Pc:          "pc",
	RegisterARM64Pstate:      "pstate",
	RegisterARM64EsrEl2:      "esr_el2",
	RegisterARM64FarEl2:      "far_el2",
	RegisterARM64HpfarEl2:    "hpfar_el2",
	RegisterARM64HcrEl2:      "hcr_el2",
	RegisterARM64SctlrEl1:    "sctlr_el1",
	RegisterARM64TcrEl1:      "tcr_el1",
	RegisterARM64Ttbr0El1:    "ttbr0_el1",
	RegisterARM64Ttbr1El1:    "ttbr1_el1",
	RegisterARM64MairEl1:     "mair_el1",
	RegisterARM64CntvCtlEl0:  "cntv_ctl_el0",
	RegisterARM64CntvCvalEl0: "cntv_cval_el0",
}

func (r Register) String() string {
	if r >= RegisterARM64X0 && r <= RegisterARM64X30 {
		return fmt.Sprintf("x%d", r-RegisterARM64X0)
	}
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("register(%d)", uint64(r))
}

// ParseRegister looks a register up by the name String returns.
func ParseRegister(name string) (Register, bool) {
	name = strings.ToLower(name)
	for r := RegisterARM64X0; r < registerCount; r++ {
		if r.String() == name {
			return r, true
		}
	}
	return RegisterInvalid, false
}

// ARM64RegisterFromIndex maps a 5-bit register field from a syndrome to a
// general-purpose register.
func ARM64RegisterFromIndex(idx int) (Register, bool) {
	switch {
	case idx >= 0 && idx <= 30:
		return Register(int(RegisterARM64X0) + idx), true
	case idx == 31:
		// In data abort and MSR syndromes, register 31 is XZR, not SP.
		return RegisterARM64Xzr, true
	default:
		return RegisterInvalid, false
	}
}

// GuestState is the register state of one virtual CPU for the duration of an
// exit. The run loop owns it; exit handlers only borrow it.
type GuestState interface {
	// VCPUIndex is the zero-based index of the vCPU within its guest.
	VCPUIndex() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error
}

// GetRegister reads a single register.
func GetRegister(g GuestState, reg Register) (uint64, error) {
	regs := map[Register]RegisterValue{reg: Register64(0)}
	if err := g.GetRegisters(regs); err != nil {
		return 0, err
	}
	value, ok := regs[reg].(Register64)
	if !ok {
		return 0, fmt.Errorf("hv: invalid register value type %T for %v", regs[reg], reg)
	}
	return uint64(value), nil
}

// SetRegister writes a single register.
func SetRegister(g GuestState, reg Register, value uint64) error {
	return g.SetRegisters(map[Register]RegisterValue{reg: Register64(value)})
}

const ARM64InstructionSizeBytes = 4

// AdvanceProgramCounter skips the trapped instruction.
func AdvanceProgramCounter(g GuestState) error {
	pc, err := GetRegister(g, RegisterARM64Pc)
	if err != nil {
		return fmt.Errorf("hv: failed to get PC: %w", err)
	}
	if err := SetRegister(g, RegisterARM64Pc, pc+ARM64InstructionSizeBytes); err != nil {
		return fmt.Errorf("hv: failed to set PC: %w", err)
	}
	return nil
}
