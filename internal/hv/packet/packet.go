// Package packet defines the delivery events produced by guest exit handling
// for the virtual machine monitor.
package packet

import (
	"encoding/binary"
	"fmt"
)

type Type uint32

const (
	TypeInvalid Type = iota
	TypeVCPUStartup
	TypeVCPUInterrupt
	TypeGuestBell
	TypeGuestMem
)

func (t Type) String() string {
	switch t {
	case TypeVCPUStartup:
		return "vcpu-startup"
	case TypeVCPUInterrupt:
		return "vcpu-interrupt"
	case TypeGuestBell:
		return "guest-bell"
	case TypeGuestMem:
		return "guest-mem"
	default:
		return fmt.Sprintf("packet-type(%d)", uint32(t))
	}
}

// VCPUStartup asks the monitor to start a secondary vCPU.
type VCPUStartup struct {
	ID         uint64
	EntryPoint uint64
}

// VCPUInterrupt asks the monitor to raise Vector on every vCPU in Mask.
type VCPUInterrupt struct {
	Mask   uint64
	Vector uint8
}

// GuestBell reports a write to a doorbell trap.
type GuestBell struct {
	Addr uint64
}

// GuestMem describes a trapped load or store for the monitor to replay.
type GuestMem struct {
	Addr       uint64
	AccessSize uint8
	SignExtend bool
	Reg        uint8
	Read       bool
	Data       uint64
}

// Packet is the event queued on a port or handed back to the run loop. Only
// the payload matching Type is meaningful.
type Packet struct {
	Key    uint64
	Type   Type
	Status int32

	Startup   VCPUStartup
	Interrupt VCPUInterrupt
	Bell      GuestBell
	Mem       GuestMem
}

// Size is the length of the wire encoding.
const Size = 48

const payloadOffset = 16

// MarshalBinary encodes the packet in its fixed little-endian layout: key,
// type, status, then a 32-byte payload union.
func (p Packet) MarshalBinary() ([]byte, error) {
	buf := make([]byte, Size)
	binary.LittleEndian.PutUint64(buf[0:8], p.Key)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Type))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(p.Status))

	payload := buf[payloadOffset:]
	switch p.Type {
	case TypeVCPUStartup:
		binary.LittleEndian.PutUint64(payload[0:8], p.Startup.ID)
		binary.LittleEndian.PutUint64(payload[8:16], p.Startup.EntryPoint)
	case TypeVCPUInterrupt:
		binary.LittleEndian.PutUint64(payload[0:8], p.Interrupt.Mask)
		payload[8] = p.Interrupt.Vector
	case TypeGuestBell:
		binary.LittleEndian.PutUint64(payload[0:8], p.Bell.Addr)
	case TypeGuestMem:
		binary.LittleEndian.PutUint64(payload[0:8], p.Mem.Addr)
		payload[8] = p.Mem.AccessSize
		payload[9] = boolByte(p.Mem.SignExtend)
		payload[10] = p.Mem.Reg
		payload[11] = boolByte(p.Mem.Read)
		binary.LittleEndian.PutUint64(payload[16:24], p.Mem.Data)
	default:
		return nil, fmt.Errorf("packet: cannot encode %s", p.Type)
	}

	return buf, nil
}

// UnmarshalBinary decodes a packet produced by MarshalBinary.
func (p *Packet) UnmarshalBinary(data []byte) error {
	if len(data) != Size {
		return fmt.Errorf("packet: expected %d bytes, got %d", Size, len(data))
	}

	*p = Packet{
		Key:    binary.LittleEndian.Uint64(data[0:8]),
		Type:   Type(binary.LittleEndian.Uint32(data[8:12])),
		Status: int32(binary.LittleEndian.Uint32(data[12:16])),
	}

	payload := data[payloadOffset:]
	switch p.Type {
	case TypeVCPUStartup:
		p.Startup.ID = binary.LittleEndian.Uint64(payload[0:8])
		p.Startup.EntryPoint = binary.LittleEndian.Uint64(payload[8:16])
	case TypeVCPUInterrupt:
		p.Interrupt.Mask = binary.LittleEndian.Uint64(payload[0:8])
		p.Interrupt.Vector = payload[8]
	case TypeGuestBell:
		p.Bell.Addr = binary.LittleEndian.Uint64(payload[0:8])
	case TypeGuestMem:
		p.Mem.Addr = binary.LittleEndian.Uint64(payload[0:8])
		p.Mem.AccessSize = payload[8]
		p.Mem.SignExtend = payload[9] != 0
		p.Mem.Reg = payload[10]
		p.Mem.Read = payload[11] != 0
		p.Mem.Data = binary.LittleEndian.Uint64(payload[16:24])
	default:
		return fmt.Errorf("packet: cannot decode %s", p.Type)
	}

	return nil
}

func (p Packet) String() string {
	switch p.Type {
	case TypeVCPUStartup:
		return fmt.Sprintf("%s key=%d id=%d entry=%#x", p.Type, p.Key, p.Startup.ID, p.Startup.EntryPoint)
	case TypeVCPUInterrupt:
		return fmt.Sprintf("%s key=%d mask=%#x vector=%d", p.Type, p.Key, p.Interrupt.Mask, p.Interrupt.Vector)
	case TypeGuestBell:
		return fmt.Sprintf("%s key=%d addr=%#x", p.Type, p.Key, p.Bell.Addr)
	case TypeGuestMem:
		return fmt.Sprintf("%s key=%d addr=%#x size=%d read=%v x%d data=%#x",
			p.Type, p.Key, p.Mem.Addr, p.Mem.AccessSize, p.Mem.Read, p.Mem.Reg, p.Mem.Data)
	default:
		return p.Type.String()
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
