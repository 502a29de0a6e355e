package syndrome

import "fmt"

// SystemRegister identifies a system register by its (op0, op1, CRn, CRm,
// op2) encoding, packed the same way KVM packs the low bits of its sysreg
// ids.
type SystemRegister uint16

const (
	sysRegOp0Shift = 14
	sysRegOp1Shift = 11
	sysRegCrnShift = 7
	sysRegCrmShift = 3
	sysRegOp2Shift = 0
)

func SysReg(op0, op1, crn, crm, op2 uint8) SystemRegister {
	return SystemRegister(uint16(op0&0x3)<<sysRegOp0Shift |
		uint16(op1&0x7)<<sysRegOp1Shift |
		uint16(crn&0xF)<<sysRegCrnShift |
		uint16(crm&0xF)<<sysRegCrmShift |
		uint16(op2&0x7)<<sysRegOp2Shift)
}

// Fields unpacks the encoding.
func (r SystemRegister) Fields() (op0, op1, crn, crm, op2 uint8) {
	return uint8(r>>sysRegOp0Shift) & 0x3,
		uint8(r>>sysRegOp1Shift) & 0x7,
		uint8(r>>sysRegCrnShift) & 0xF,
		uint8(r>>sysRegCrmShift) & 0xF,
		uint8(r>>sysRegOp2Shift) & 0x7
}

// ISS builds the ISS of a trapped access to r through general register rt.
func (r SystemRegister) ISS(rt uint8, read bool) uint32 {
	op0, op1, crn, crm, op2 := r.Fields()
	iss := uint32(op0)<<20 | uint32(op2)<<17 | uint32(op1)<<14 |
		uint32(crn)<<10 | uint32(rt&0x1F)<<5 | uint32(crm)<<1
	if read {
		iss |= 1
	}
	return iss
}

var (
	SysRegSCTLR_EL1     = SysReg(3, 0, 1, 0, 0)
	SysRegTTBR0_EL1     = SysReg(3, 0, 2, 0, 0)
	SysRegTTBR1_EL1     = SysReg(3, 0, 2, 0, 1)
	SysRegTCR_EL1       = SysReg(3, 0, 2, 0, 2)
	SysRegMAIR_EL1      = SysReg(3, 0, 10, 2, 0)
	SysRegOSLAR_EL1     = SysReg(2, 0, 1, 0, 4)
	SysRegOSLSR_EL1     = SysReg(2, 0, 1, 1, 4)
	SysRegOSDLR_EL1     = SysReg(2, 0, 1, 3, 4)
	SysRegDBGPRCR_EL1   = SysReg(2, 0, 1, 4, 4)
	SysRegICC_SGI1R_EL1 = SysReg(3, 0, 12, 11, 5)
)

func (r SystemRegister) String() string {
	switch r {
	case SysRegSCTLR_EL1:
		return "SCTLR_EL1"
	case SysRegTTBR0_EL1:
		return "TTBR0_EL1"
	case SysRegTTBR1_EL1:
		return "TTBR1_EL1"
	case SysRegTCR_EL1:
		return "TCR_EL1"
	case SysRegMAIR_EL1:
		return "MAIR_EL1"
	case SysRegOSLAR_EL1:
		return "OSLAR_EL1"
	case SysRegOSLSR_EL1:
		return "OSLSR_EL1"
	case SysRegOSDLR_EL1:
		return "OSDLR_EL1"
	case SysRegDBGPRCR_EL1:
		return "DBGPRCR_EL1"
	case SysRegICC_SGI1R_EL1:
		return "ICC_SGI1R_EL1"
	default:
		op0, op1, crn, crm, op2 := r.Fields()
		return fmt.Sprintf("S%d_%d_C%d_C%d_%d", op0, op1, crn, crm, op2)
	}
}

// SGI is a decoded ICC_SGI1R_EL1 write.
type SGI struct {
	Aff3        uint8
	Aff2        uint8
	Aff1        uint8
	RangeSel    uint8
	AllButLocal bool
	TargetList  uint16
	IntID       uint8
}

// DecodeSGI decodes the value written to ICC_SGI1R_EL1.
func DecodeSGI(v uint64) SGI {
	return SGI{
		Aff3:        uint8(v >> 48),
		Aff2:        uint8(v >> 32),
		Aff1:        uint8(v >> 16),
		RangeSel:    uint8(v>>44) & 0xF,
		AllButLocal: (v>>40)&1 == 1,
		TargetList:  uint16(v),
		IntID:       uint8(v>>24) & 0xF,
	}
}
