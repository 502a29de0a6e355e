package trap

import (
	"fmt"
	"strings"
)

// Frame is the register state saved on entry to a synchronous exception.
type Frame struct {
	X    [30]uint64
	LR   uint64
	USP  uint64
	ELR  uint64
	SPSR uint64
}

func (f *Frame) PC() uint64     { return f.ELR }
func (f *Frame) UserSP() uint64 { return f.USP }

// ShortFrame is the register state saved on IRQ entry. Only the registers
// the procedure call standard lets a handler clobber are kept.
type ShortFrame struct {
	X    [20]uint64
	LR   uint64
	USP  uint64
	ELR  uint64
	SPSR uint64
}

func (f *ShortFrame) PC() uint64     { return f.ELR }
func (f *ShortFrame) UserSP() uint64 { return f.USP }

// Registers is a saved frame of either shape.
type Registers interface {
	PC() uint64
	UserSP() uint64
}

// EntryFlags describe how an exception was taken.
type EntryFlags uint32

// FlagLowerEL is set when the exception was taken from user mode.
const FlagLowerEL EntryFlags = 1 << 0

// IRQExitFlags tell the return path what to do before dropping to user mode.
type IRQExitFlags uint32

const (
	IRQExitThreadSignaled IRQExitFlags = 1 << iota
	IRQExitReschedule
)

// ExceptionType is the category a user exception is reported under.
type ExceptionType int

const (
	General ExceptionType = iota
	FatalPageFault
	UndefinedInstruction
	UnalignedAccess
	SoftwareBreakpoint
	HardwareBreakpoint
)

func (t ExceptionType) String() string {
	switch t {
	case General:
		return "general"
	case FatalPageFault:
		return "fatal-page-fault"
	case UndefinedInstruction:
		return "undefined-instruction"
	case UnalignedAccess:
		return "unaligned-access"
	case SoftwareBreakpoint:
		return "software-breakpoint"
	case HardwareBreakpoint:
		return "hardware-breakpoint"
	default:
		return fmt.Sprintf("exception(%d)", int(t))
	}
}

// ExceptionContext is built per trap and must not be retained after the
// dispatcher returns.
type ExceptionContext struct {
	Frame *Frame
	ESR   uint32
	FAR   uint64
}

// PageFaultFlags describe the access that faulted.
type PageFaultFlags uint32

const (
	PageFaultInstruction PageFaultFlags = 1 << iota
	PageFaultWrite
	PageFaultUser
	PageFaultNotPresent
)

func (f PageFaultFlags) String() string {
	var parts []string
	if f&PageFaultInstruction != 0 {
		parts = append(parts, "instruction")
	} else {
		parts = append(parts, "data")
	}
	if f&PageFaultWrite != 0 {
		parts = append(parts, "write")
	}
	if f&PageFaultUser != 0 {
		parts = append(parts, "user")
	}
	if f&PageFaultNotPresent != 0 {
		parts = append(parts, "not-present")
	}
	return strings.Join(parts, "|")
}
