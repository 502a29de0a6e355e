package packet

import (
	"encoding/binary"
	"testing"
)

func TestGuestMemLayout(t *testing.T) {
	p := Packet{
		Key:  7,
		Type: TypeGuestMem,
		Mem: GuestMem{
			Addr:       0x1000_0010,
			AccessSize: 4,
			SignExtend: true,
			Reg:        3,
			Read:       false,
			Data:       0xcafe,
		},
	}

	buf, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(buf) != Size {
		t.Fatalf("len = %d", len(buf))
	}
	if got := binary.LittleEndian.Uint64(buf[0:8]); got != 7 {
		t.Fatalf("key = %d", got)
	}
	if got := Type(binary.LittleEndian.Uint32(buf[8:12])); got != TypeGuestMem {
		t.Fatalf("type = %s", got)
	}
	if got := binary.LittleEndian.Uint64(buf[16:24]); got != 0x1000_0010 {
		t.Fatalf("addr = %#x", got)
	}
	if buf[24] != 4 || buf[25] != 1 || buf[26] != 3 || buf[27] != 0 {
		t.Fatalf("access fields = % x", buf[24:28])
	}
	if got := binary.LittleEndian.Uint64(buf[32:40]); got != 0xcafe {
		t.Fatalf("data = %#x", got)
	}
}

func TestDecodeStartup(t *testing.T) {
	in := Packet{Key: 1, Type: TypeVCPUStartup, Startup: VCPUStartup{ID: 2, EntryPoint: 0x4008_0000}}
	buf, err := in.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	var out Packet
	if err := out.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if out != in {
		t.Fatalf("got %v, want %v", out, in)
	}
}

func TestRejectsInvalid(t *testing.T) {
	if _, err := (Packet{}).MarshalBinary(); err == nil {
		t.Fatalf("expected error encoding invalid packet")
	}
	var p Packet
	if err := p.UnmarshalBinary(make([]byte, 10)); err == nil {
		t.Fatalf("expected error for short buffer")
	}
}
