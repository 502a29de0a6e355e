// Package syndrome decodes the ARM64 exception syndrome register (ESR_ELx).
//
// Decode splits the raw register into its exception class and
// instruction-specific syndrome. The per-class views (data abort, system
// register access, SMC, WFI/WFE) are computed on demand from the ISS so the
// routers only pay for the decoding of the class they actually handle.
package syndrome

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/bits"
)

// Class is the 6-bit exception class held in ESR_ELx[31:26].
type Class uint8

const (
	ClassUnknown             Class = 0b000000
	ClassWFx                 Class = 0b000001
	ClassFPAccess            Class = 0b000111
	ClassIllegalState        Class = 0b001110
	ClassSVC32               Class = 0b010001
	ClassSVC64               Class = 0b010101
	ClassHVC64               Class = 0b010110
	ClassSMC64               Class = 0b010111
	ClassSystemRegister      Class = 0b011000
	ClassInstructionAbortLow Class = 0b100000
	ClassInstructionAbort    Class = 0b100001
	ClassPCAlignment         Class = 0b100010
	ClassDataAbortLow        Class = 0b100100
	ClassDataAbort           Class = 0b100101
	ClassSPAlignment         Class = 0b100110
	ClassFPException64       Class = 0b101100
	ClassSError              Class = 0b101111
	ClassBreakpointLow       Class = 0b110000
	ClassBreakpoint          Class = 0b110001
	ClassSoftwareStepLow     Class = 0b110010
	ClassSoftwareStep        Class = 0b110011
	ClassWatchpointLow       Class = 0b110100
	ClassWatchpoint          Class = 0b110101
	ClassBRK64               Class = 0b111100
)

func (c Class) String() string {
	switch c {
	case ClassUnknown:
		return "unknown"
	case ClassWFx:
		return "WFI/WFE"
	case ClassFPAccess:
		return "FP access"
	case ClassIllegalState:
		return "illegal execution state"
	case ClassSVC32:
		return "SVC (AArch32)"
	case ClassSVC64:
		return "SVC (AArch64)"
	case ClassHVC64:
		return "HVC (AArch64)"
	case ClassSMC64:
		return "SMC (AArch64)"
	case ClassSystemRegister:
		return "MSR/MRS"
	case ClassInstructionAbortLow:
		return "instruction abort lower EL"
	case ClassInstructionAbort:
		return "instruction abort same EL"
	case ClassPCAlignment:
		return "PC alignment"
	case ClassDataAbortLow:
		return "data abort lower EL"
	case ClassDataAbort:
		return "data abort same EL"
	case ClassSPAlignment:
		return "SP alignment"
	case ClassFPException64:
		return "FP exception (AArch64)"
	case ClassSError:
		return "SError"
	case ClassBreakpointLow:
		return "breakpoint lower EL"
	case ClassBreakpoint:
		return "breakpoint same EL"
	case ClassSoftwareStepLow:
		return "software step lower EL"
	case ClassSoftwareStep:
		return "software step same EL"
	case ClassWatchpointLow:
		return "watchpoint lower EL"
	case ClassWatchpoint:
		return "watchpoint same EL"
	case ClassBRK64:
		return "BRK (AArch64)"
	default:
		return fmt.Sprintf("unknown exception class %#x", uint8(c))
	}
}

const (
	classShift = 26
	classMask  = 0x3F

	// ISSMask selects the 25-bit instruction-specific syndrome.
	ISSMask uint32 = (1 << 25) - 1
)

// Syndrome is a decoded ESR value.
type Syndrome struct {
	Class Class
	ISS   uint32
}

// Decode splits a raw syndrome register.
func Decode(raw uint32) Syndrome {
	return Syndrome{
		Class: Class((raw >> classShift) & classMask),
		ISS:   raw & ISSMask,
	}
}

// Raw reassembles the syndrome. The IL bit is always reported as set.
func (s Syndrome) Raw() uint32 {
	return uint32(s.Class)<<classShift | 1<<25 | s.ISS
}

func (s Syndrome) String() string {
	return fmt.Sprintf("%s (ec=%#x iss=%#x)", s.Class, uint8(s.Class), s.ISS)
}

func (s Syndrome) bit(n int) bool {
	return bits.IsOn64(uint64(s.ISS), bits.MaskOf64(n))
}

func (s Syndrome) field(shift, width uint) uint32 {
	return (s.ISS >> shift) & (1<<width - 1)
}

// Fault status codes found in ISS[5:0] of instruction and data aborts.
const (
	FaultStatusMask           = 0b111111
	FaultStatusPermissionMask = 0b111100
	FaultStatusPermission     = 0b001100
	FaultStatusAlignment      = 0b100001
)

// FaultStatus returns the DFSC/IFSC field.
func (s Syndrome) FaultStatus() uint32 {
	return s.ISS & FaultStatusMask
}

// PermissionFault reports whether the fault status is a level 0-3
// permission fault. Every other abort is treated as not-present.
func (s Syndrome) PermissionFault() bool {
	return s.FaultStatus()&FaultStatusPermissionMask == FaultStatusPermission
}

// AlignmentFault reports whether the fault status is an alignment fault.
func (s Syndrome) AlignmentFault() bool {
	return s.FaultStatus() == FaultStatusAlignment
}

// WriteNotRead is the raw WnR bit of a data abort.
func (s Syndrome) WriteNotRead() bool { return s.bit(6) }

// CacheMaintenance is the CM bit of a data abort. A cache maintenance
// instruction reports WnR set even though it only needs read permission.
func (s Syndrome) CacheMaintenance() bool { return s.bit(8) }

// WaitInstruction is the ISS view of a trapped WFI or WFE.
type WaitInstruction struct {
	IsWFE bool
}

func (s Syndrome) Wait() WaitInstruction {
	return WaitInstruction{IsWFE: s.bit(0)}
}

// SMC returns the 16-bit immediate of a trapped SMC instruction.
func (s Syndrome) SMC() uint16 {
	return uint16(s.field(0, 16))
}

// DataAbort is the ISS view of a data abort.
type DataAbort struct {
	Valid      bool
	AccessSize uint8
	SignExtend bool
	Reg        uint8
	Read       bool
}

func (s Syndrome) DataAbort() DataAbort {
	return DataAbort{
		Valid:      s.bit(24),
		AccessSize: 1 << s.field(22, 2),
		SignExtend: s.bit(21),
		Reg:        uint8(s.field(16, 5)),
		Read:       !s.bit(6),
	}
}

// SystemInstruction is the ISS view of a trapped MSR/MRS.
type SystemInstruction struct {
	Register SystemRegister
	Reg      uint8
	Read     bool
}

func (s Syndrome) SystemRegister() SystemInstruction {
	return SystemInstruction{
		Register: SysReg(
			uint8(s.field(20, 2)),
			uint8(s.field(14, 3)),
			uint8(s.field(10, 4)),
			uint8(s.field(1, 4)),
			uint8(s.field(17, 3)),
		),
		Reg:  uint8(s.field(5, 5)),
		Read: s.bit(0),
	}
}
