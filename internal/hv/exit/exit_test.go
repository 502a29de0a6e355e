package exit

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/trapcore/internal/arm64/syndrome"
	"github.com/tinyrange/trapcore/internal/hv"
	"github.com/tinyrange/trapcore/internal/hv/gpas"
	"github.com/tinyrange/trapcore/internal/hv/packet"
	"github.com/tinyrange/trapcore/internal/hv/trapmap"
	"github.com/tinyrange/trapcore/internal/hv/vgic"
	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/hostarch"
)

const (
	ramBase = 0x4000_0000
	ramSize = 0x40_0000
	entryPC = 0x4008_0000

	bellBase = 0x0a00_0000
	memBase  = 0x0b00_0000
)

// Raw ESR_EL2 values, with IL set.
const (
	esrWFI        = 0x0600_0000
	esrWFE        = 0x0600_0001
	esrSMC0       = 0x5e00_0000
	esrSMC1       = 0x5e00_0001
	esrHVC        = 0x5a00_0000
	esrSysreg     = 0x6200_0000
	esrInstAbort  = 0x8200_0007
	esrDataAbort  = 0x9200_0007
	issISV        = 1 << 24
	issWnR        = 1 << 6
	issSASWord    = 2 << 22
	issSRTShift   = 16
	hpfarPageBits = 8
)

type fakeClock struct {
	base time.Time
	now  time.Duration
}

func (c *fakeClock) Now() time.Time { return c.base.Add(c.now) }

// CounterToTime treats the counter as running at 1GHz from base.
func (c *fakeClock) CounterToTime(ticks uint64) time.Time {
	return c.base.Add(time.Duration(ticks))
}

type fakeTimer struct {
	armed    bool
	deadline time.Time
	fn       func()
}

func (t *fakeTimer) Set(deadline time.Time, fn func()) {
	t.armed, t.deadline, t.fn = true, deadline, fn
}

func (t *fakeTimer) Cancel() bool {
	was := t.armed
	t.armed = false
	return was
}

type tracedExit struct {
	VCPU   int
	Reason Reason
	PC     uint64
}

type recordingTracer struct {
	exits []tracedExit
}

func (r *recordingTracer) TraceExit(vcpu int, reason Reason, pc uint64) {
	r.exits = append(r.exits, tracedExit{vcpu, reason, pc})
}

type testEnv struct {
	router *Router
	space  *gpas.AddressSpace
	traps  *trapmap.TrapMap
	port   *trapmap.Port
	clock  *fakeClock
	tracer *recordingTracer
	logs   *bytes.Buffer
	yields int
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()

	space, err := gpas.New(ramBase, ramSize)
	if err != nil {
		t.Fatalf("gpas.New: %v", err)
	}

	env := &testEnv{
		space:  space,
		traps:  trapmap.New(),
		port:   trapmap.NewPort(4),
		clock:  &fakeClock{base: time.Unix(1000, 0), now: 5 * time.Second},
		tracer: &recordingTracer{},
		logs:   &bytes.Buffer{},
	}
	if err := env.traps.InsertTrap(trapmap.KindBell, bellBase, 0x1000, env.port, 11); err != nil {
		t.Fatal(err)
	}
	if err := env.traps.InsertTrap(trapmap.KindBell, bellBase+0x1000, 0x1000, nil, 12); err != nil {
		t.Fatal(err)
	}
	if err := env.traps.InsertTrap(trapmap.KindMem, memBase, 0x1000, nil, 13); err != nil {
		t.Fatal(err)
	}

	env.router, err = NewRouter(Config{
		AddressSpace: space,
		Traps:        env.traps,
		Cache:        space,
		Clock:        env.clock,
		Tracer:       env.tracer,
		Logger:       slog.New(slog.NewTextHandler(env.logs, nil)),
		Yield:        func() { env.yields++ },
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return env
}

type testVCPU struct {
	*VCPU
	state   *hv.Arm64GuestState
	timer   *fakeTimer
	tracker *vgic.Tracker
}

func newVCPU(t *testing.T, index int, esr uint32, regs map[hv.Register]uint64) testVCPU {
	t.Helper()

	state := hv.NewArm64GuestState(index)
	if err := hv.SetRegister(state, hv.RegisterARM64Pc, entryPC); err != nil {
		t.Fatal(err)
	}
	if err := hv.SetRegister(state, hv.RegisterARM64EsrEl2, uint64(esr)); err != nil {
		t.Fatal(err)
	}
	for reg, v := range regs {
		if err := hv.SetRegister(state, reg, v); err != nil {
			t.Fatal(err)
		}
	}

	v := testVCPU{state: state, timer: &fakeTimer{}, tracker: vgic.NewTracker()}
	v.VCPU = &VCPU{State: state, Interrupts: v.tracker, Timer: v.timer}
	return v
}

func (v testVCPU) reg(t *testing.T, reg hv.Register) uint64 {
	t.Helper()
	value, err := hv.GetRegister(v.state, reg)
	if err != nil {
		t.Fatal(err)
	}
	return value
}

func (v testVCPU) wantPC(t *testing.T, want uint64) {
	t.Helper()
	if pc := v.reg(t, hv.RegisterARM64Pc); pc != want {
		t.Fatalf("pc = %#x, want %#x", pc, want)
	}
}

func (env *testEnv) exit(t *testing.T, v testVCPU) (Outcome, packet.Packet, error) {
	t.Helper()
	var pkt packet.Packet
	outcome, err := env.router.HandleExit(context.Background(), v.VCPU, &pkt)
	return outcome, pkt, err
}

func sysregESR(reg syndrome.SystemRegister, rt uint8, read bool) uint32 {
	return esrSysreg | reg.ISS(rt, read)
}

func hpfarFor(gpa uint64) uint64 {
	return (gpa >> hpfarPageBits) &^ 0xf
}

func TestNewRouterRequiresCollaborators(t *testing.T) {
	if _, err := NewRouter(Config{}); err == nil {
		t.Fatalf("NewRouter accepted an empty config")
	}
}

func TestWFE(t *testing.T) {
	env := newEnv(t)
	v := newVCPU(t, 0, esrWFE, nil)

	outcome, _, err := env.exit(t, v)
	if err != nil || outcome != Resume {
		t.Fatalf("HandleExit = %v, %v", outcome, err)
	}
	v.wantPC(t, entryPC+4)
	if env.yields != 1 {
		t.Fatalf("yields = %d", env.yields)
	}
}

func TestWFIWithoutTimer(t *testing.T) {
	for _, tt := range []struct {
		name    string
		ctl     uint64
		pending bool
	}{
		{"disabled", 0, false},
		{"masked", timerEnable | timerIMask, false},
		{"already pending", timerEnable, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			v := newVCPU(t, 0, esrWFI, map[hv.Register]uint64{
				hv.RegisterARM64CntvCtlEl0:  tt.ctl,
				hv.RegisterARM64CntvCvalEl0: uint64(time.Hour),
			})
			if tt.pending {
				if err := v.tracker.Interrupt(vgic.TimerVector); err != nil {
					t.Fatal(err)
				}
			}

			outcome, _, err := env.exit(t, v)
			if err != nil || outcome != Resume {
				t.Fatalf("HandleExit = %v, %v", outcome, err)
			}
			v.wantPC(t, entryPC+4)
			if env.yields != 1 || v.timer.armed {
				t.Fatalf("yields = %d, timer armed = %v", env.yields, v.timer.armed)
			}
		})
	}
}

func TestWFIDeadlinePassed(t *testing.T) {
	env := newEnv(t)
	v := newVCPU(t, 0, esrWFI, map[hv.Register]uint64{
		hv.RegisterARM64CntvCtlEl0:  timerEnable,
		hv.RegisterARM64CntvCvalEl0: uint64(time.Second),
	})

	outcome, _, err := env.exit(t, v)
	if err != nil || outcome != Resume {
		t.Fatalf("HandleExit = %v, %v", outcome, err)
	}
	v.wantPC(t, entryPC+4)
	if !v.tracker.Pending(vgic.TimerVector) {
		t.Fatalf("timer interrupt not pending")
	}
	if v.timer.armed {
		t.Fatalf("timer armed for a past deadline")
	}
}

func TestWFIDeadlineFuture(t *testing.T) {
	env := newEnv(t)
	cval := uint64(7 * time.Second)
	v := newVCPU(t, 0, esrWFI, map[hv.Register]uint64{
		hv.RegisterARM64CntvCtlEl0:  timerEnable,
		hv.RegisterARM64CntvCvalEl0: cval,
	})

	outcome, _, err := env.exit(t, v)
	if err != nil || outcome != Wait {
		t.Fatalf("HandleExit = %v, %v", outcome, err)
	}
	v.wantPC(t, entryPC+4)
	if !v.timer.armed || !v.timer.deadline.Equal(env.clock.CounterToTime(cval)) {
		t.Fatalf("timer armed = %v deadline = %v", v.timer.armed, v.timer.deadline)
	}
	if v.tracker.Pending(vgic.TimerVector) {
		t.Fatalf("timer interrupt pending before deadline")
	}

	v.timer.fn()
	if !v.tracker.Pending(vgic.TimerVector) {
		t.Fatalf("timer callback did not raise the interrupt")
	}
}

func TestSMCCPUOn(t *testing.T) {
	for _, function := range []uint64{psciCPUOn32, psciCPUOn64} {
		env := newEnv(t)
		v := newVCPU(t, 0, esrSMC0, map[hv.Register]uint64{
			hv.RegisterARM64X0: function,
			hv.RegisterARM64X1: 1,
			hv.RegisterARM64X2: 0x4010_0000,
		})

		outcome, pkt, err := env.exit(t, v)
		if err != nil || outcome != Deliver {
			t.Fatalf("HandleExit(%#x) = %v, %v", function, outcome, err)
		}
		v.wantPC(t, entryPC+4)
		if x0 := v.reg(t, hv.RegisterARM64X0); x0 != psciSuccess {
			t.Fatalf("x0 = %#x", x0)
		}
		want := packet.Packet{Type: packet.TypeVCPUStartup, Startup: packet.VCPUStartup{ID: 1, EntryPoint: 0x4010_0000}}
		if diff := cmp.Diff(want, pkt); diff != "" {
			t.Fatalf("packet mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestSMCOtherFunction(t *testing.T) {
	env := newEnv(t)
	v := newVCPU(t, 0, esrSMC0, map[hv.Register]uint64{
		hv.RegisterARM64X0: 0x8400_0008, // SYSTEM_OFF
	})

	outcome, pkt, err := env.exit(t, v)
	if err != nil || outcome != Resume {
		t.Fatalf("HandleExit = %v, %v", outcome, err)
	}
	v.wantPC(t, entryPC+4)
	if x0 := v.reg(t, hv.RegisterARM64X0); int64(x0) != -1 {
		t.Fatalf("x0 = %#x, want -1", x0)
	}
	if pkt.Type != packet.TypeInvalid {
		t.Fatalf("unexpected packet %v", pkt)
	}
}

func TestSMCBadImmediate(t *testing.T) {
	env := newEnv(t)
	v := newVCPU(t, 0, esrSMC1, map[hv.Register]uint64{hv.RegisterARM64X0: psciCPUOn64})

	if _, _, err := env.exit(t, v); !errors.Is(err, hv.ErrNotSupported) {
		t.Fatalf("err = %v", err)
	}
	v.wantPC(t, entryPC)
}

func TestShadowedRegisters(t *testing.T) {
	env := newEnv(t)
	v := newVCPU(t, 0, sysregESR(syndrome.SysRegTTBR0_EL1, 3, false), map[hv.Register]uint64{
		hv.RegisterARM64X3: 0x4000_5000,
	})

	outcome, _, err := env.exit(t, v)
	if err != nil || outcome != Resume {
		t.Fatalf("HandleExit = %v, %v", outcome, err)
	}
	v.wantPC(t, entryPC+4)
	if ttbr := v.reg(t, hv.RegisterARM64Ttbr0El1); ttbr != 0x4000_5000 {
		t.Fatalf("ttbr0 = %#x", ttbr)
	}

	// Read it back through a trapped MRS.
	if err := hv.SetRegister(v.state, hv.RegisterARM64EsrEl2, uint64(sysregESR(syndrome.SysRegTTBR0_EL1, 9, true))); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.exit(t, v); err != nil {
		t.Fatalf("HandleExit: %v", err)
	}
	if x9 := v.reg(t, hv.RegisterARM64X9); x9 != 0x4000_5000 {
		t.Fatalf("x9 = %#x", x9)
	}
	v.wantPC(t, entryPC+8)

	if len(env.space.Maintained()) != 0 {
		t.Fatalf("translation register write walked the tables")
	}
}

// buildTables writes a small stage 1 table tree into guest RAM and returns
// the root and the ranges it maps.
func buildTables(t *testing.T, space *gpas.AddressSpace) (uint64, []hostarch.AddrRange) {
	t.Helper()

	const (
		l0 = ramBase
		l1 = ramBase + 0x1000
		l2 = ramBase + 0x2000
		l3 = ramBase + 0x3000
	)
	put := func(table uint64, index int, desc uint64) {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], desc)
		if _, err := space.WriteAt(buf[:], int64(table)+int64(index)*8); err != nil {
			t.Fatal(err)
		}
	}

	put(l0, 0, l1|descriptorTable)
	put(l1, 1, l2|descriptorTable)
	put(l1, 2, 0x8000_0000|descriptorBlock)
	put(l2, 0, 0x4000_0000|descriptorBlock)
	put(l2, 1, l3|descriptorTable)
	put(l3, 0, 0x4020_0000|descriptorPage)
	put(l3, 1, 0x4020_1000|descriptorPage)
	// Block encodings are reserved at level 3.
	put(l3, 2, 0x4020_2000|descriptorBlock)

	return l0 | 0x1<<48, []hostarch.AddrRange{
		{Start: 0x8000_0000, End: 0xc000_0000},
		{Start: 0x4000_0000, End: 0x4020_0000},
		{Start: 0x4020_0000, End: 0x4020_1000},
		{Start: 0x4020_1000, End: 0x4020_2000},
	}
}

func TestSCTLRCacheEnable(t *testing.T) {
	env := newEnv(t)
	root, mapped := buildTables(t, env.space)

	const hcr = hcrDC | hcrTVM | 1
	v := newVCPU(t, 0, sysregESR(syndrome.SysRegSCTLR_EL1, 0, false), map[hv.Register]uint64{
		hv.RegisterARM64X0:       0xffff_ffff_3050_1805,
		hv.RegisterARM64HcrEl2:   hcr,
		hv.RegisterARM64Ttbr0El1: root,
		// Only TTBR0 is walked; sharing the root would double every range.
		hv.RegisterARM64Ttbr1El1: root,
	})

	outcome, _, err := env.exit(t, v)
	if err != nil || outcome != Resume {
		t.Fatalf("HandleExit = %v, %v", outcome, err)
	}
	v.wantPC(t, entryPC+4)
	if sctlr := v.reg(t, hv.RegisterARM64SctlrEl1); sctlr != 0x3050_1805 {
		t.Fatalf("sctlr = %#x", sctlr)
	}
	if got := v.reg(t, hv.RegisterARM64HcrEl2); got != 1 {
		t.Fatalf("hcr = %#x", got)
	}
	if diff := cmp.Diff(mapped, env.space.Maintained()); diff != "" {
		t.Fatalf("maintained ranges mismatch (-want +got):\n%s", diff)
	}

	// A second enabling write walks again.
	if err := hv.SetRegister(v.state, hv.RegisterARM64Pc, entryPC); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.exit(t, v); err != nil {
		t.Fatalf("second HandleExit: %v", err)
	}
	if got := len(env.space.Maintained()); got != 2*len(mapped) {
		t.Fatalf("maintained %d ranges after two writes, want %d", got, 2*len(mapped))
	}
}

func TestRootLevel(t *testing.T) {
	for _, tt := range []struct {
		tcr     uint64
		shift   uint
		entries int
	}{
		{0, 39, 512},
		{16, 39, 512},
		{22, 39, 8},
		{25, 30, 512},
		{25 | 25<<16, 30, 512},
		{33, 30, 2},
		{39, 21, 16},
		{48, 21, 16},
	} {
		shift, entries := rootLevel(tt.tcr)
		if shift != tt.shift || entries != tt.entries {
			t.Errorf("rootLevel(%#x) = %d, %d, want %d, %d", tt.tcr, shift, entries, tt.shift, tt.entries)
		}
	}
}

// A 39-bit input address space starts the walk at level 1, so a level 3
// page descriptor must not be read as a table.
func TestSCTLRCacheEnableThreeLevels(t *testing.T) {
	env := newEnv(t)

	const (
		l1   = ramBase + 0x10000
		l2   = ramBase + 0x11000
		l3   = ramBase + 0x12000
		data = ramBase + 0x13000
	)
	put := func(table uint64, index int, desc uint64) {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], desc)
		if _, err := env.space.WriteAt(buf[:], int64(table)+int64(index)*8); err != nil {
			t.Fatal(err)
		}
	}
	put(l1, 0, 0x8000_0000|descriptorBlock)
	put(l1, 1, l2|descriptorTable)
	put(l2, 0, l3|descriptorTable)
	put(l2, 1, 0x4020_0000|descriptorBlock)
	put(l3, 0, data|descriptorPage)
	// Ordinary guest data that happens to look like a table descriptor.
	put(data, 0, ramBase|descriptorTable)

	v := newVCPU(t, 0, sysregESR(syndrome.SysRegSCTLR_EL1, 0, false), map[hv.Register]uint64{
		hv.RegisterARM64X0:       sctlrC | 1,
		hv.RegisterARM64Ttbr0El1: l1,
		hv.RegisterARM64TcrEl1:   25,
	})
	if _, _, err := env.exit(t, v); err != nil {
		t.Fatalf("HandleExit: %v", err)
	}

	want := []hostarch.AddrRange{
		{Start: 0x8000_0000, End: 0xc000_0000},
		{Start: 0x4020_0000, End: 0x4040_0000},
		{Start: data, End: data + 0x1000},
	}
	if diff := cmp.Diff(want, env.space.Maintained()); diff != "" {
		t.Fatalf("maintained ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestSCTLRWithoutCache(t *testing.T) {
	env := newEnv(t)
	root, _ := buildTables(t, env.space)

	const hcr = hcrDC | hcrTVM
	v := newVCPU(t, 0, sysregESR(syndrome.SysRegSCTLR_EL1, 1, false), map[hv.Register]uint64{
		hv.RegisterARM64X1:       0x1, // MMU on, caches off
		hv.RegisterARM64HcrEl2:   hcr,
		hv.RegisterARM64Ttbr0El1: root,
	})

	if _, _, err := env.exit(t, v); err != nil {
		t.Fatalf("HandleExit: %v", err)
	}
	if got := v.reg(t, hv.RegisterARM64HcrEl2); got != hcr {
		t.Fatalf("hcr = %#x, want unchanged", got)
	}
	if sctlr := v.reg(t, hv.RegisterARM64SctlrEl1); sctlr != 1 {
		t.Fatalf("sctlr = %#x", sctlr)
	}
	if n := len(env.space.Maintained()); n != 0 {
		t.Fatalf("maintained %d ranges", n)
	}
}

func TestTTBRWriteAfterCacheEnable(t *testing.T) {
	env := newEnv(t)
	root, mapped := buildTables(t, env.space)

	v := newVCPU(t, 0, sysregESR(syndrome.SysRegSCTLR_EL1, 0, false), map[hv.Register]uint64{
		hv.RegisterARM64X0:       sctlrC | 1,
		hv.RegisterARM64Ttbr0El1: root,
	})
	if _, _, err := env.exit(t, v); err != nil {
		t.Fatalf("SCTLR write: %v", err)
	}

	if err := v.state.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterARM64EsrEl2: hv.Register64(sysregESR(syndrome.SysRegTTBR0_EL1, 2, false)),
		hv.RegisterARM64X2:     hv.Register64(0x4000_9000),
	}); err != nil {
		t.Fatal(err)
	}
	outcome, _, err := env.exit(t, v)
	if err != nil || outcome != Resume {
		t.Fatalf("TTBR0 write = %v, %v", outcome, err)
	}
	v.wantPC(t, entryPC+8)
	if ttbr := v.reg(t, hv.RegisterARM64Ttbr0El1); ttbr != 0x4000_9000 {
		t.Fatalf("ttbr0 = %#x", ttbr)
	}
	if got := len(env.space.Maintained()); got != len(mapped) {
		t.Fatalf("TTBR0 write triggered a walk: %d ranges", got)
	}
}

func TestSCTLRRead(t *testing.T) {
	env := newEnv(t)
	v := newVCPU(t, 0, sysregESR(syndrome.SysRegSCTLR_EL1, 0, true), nil)
	if _, _, err := env.exit(t, v); !errors.Is(err, hv.ErrNotSupported) {
		t.Fatalf("err = %v", err)
	}
	v.wantPC(t, entryPC)
}

func TestCacheWalkSelfReference(t *testing.T) {
	env := newEnv(t)
	const table = ramBase + 0x8000
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], table|descriptorTable)
	if _, err := env.space.WriteAt(buf[:], table); err != nil {
		t.Fatal(err)
	}

	if err := env.router.cleanInvalidateTables(table, 0); err != nil {
		t.Fatalf("cleanInvalidateTables: %v", err)
	}
	// The loop descends one level per step and ends at level 3, where the
	// same descriptor reads as a page.
	want := []hostarch.AddrRange{{Start: table, End: table + 0x1000}}
	if diff := cmp.Diff(want, env.space.Maintained()); diff != "" {
		t.Fatalf("maintained ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestDebugRegistersRAZWI(t *testing.T) {
	for _, reg := range []syndrome.SystemRegister{
		syndrome.SysRegOSLAR_EL1, syndrome.SysRegOSLSR_EL1,
		syndrome.SysRegOSDLR_EL1, syndrome.SysRegDBGPRCR_EL1,
	} {
		env := newEnv(t)

		v := newVCPU(t, 0, sysregESR(reg, 4, true), map[hv.Register]uint64{hv.RegisterARM64X4: 0xdead})
		if _, _, err := env.exit(t, v); err != nil {
			t.Fatalf("read %s: %v", reg, err)
		}
		if x4 := v.reg(t, hv.RegisterARM64X4); x4 != 0 {
			t.Fatalf("read %s: x4 = %#x", reg, x4)
		}
		v.wantPC(t, entryPC+4)

		w := newVCPU(t, 0, sysregESR(reg, 4, false), map[hv.Register]uint64{hv.RegisterARM64X4: 0xdead})
		if _, _, err := env.exit(t, w); err != nil {
			t.Fatalf("write %s: %v", reg, err)
		}
		if x4 := w.reg(t, hv.RegisterARM64X4); x4 != 0xdead {
			t.Fatalf("write %s clobbered x4", reg)
		}
		w.wantPC(t, entryPC+4)
	}
}

func TestSGI(t *testing.T) {
	for _, tt := range []struct {
		name    string
		value   uint64
		read    bool
		want    packet.VCPUInterrupt
		wantErr error
	}{
		{"target list", 3<<24 | 0b0101, false, packet.VCPUInterrupt{Mask: 0b0101, Vector: 3}, nil},
		{"all but local", 1<<40 | 7<<24, false, packet.VCPUInterrupt{Mask: ^uint64(1 << 2), Vector: 7}, nil},
		{"aff1", 1<<16 | 1, false, packet.VCPUInterrupt{}, hv.ErrNotSupported},
		{"aff3", 1<<48 | 1, false, packet.VCPUInterrupt{}, hv.ErrNotSupported},
		{"read", 0, true, packet.VCPUInterrupt{}, hv.ErrInvalidArgument},
	} {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			v := newVCPU(t, 2, sysregESR(syndrome.SysRegICC_SGI1R_EL1, 5, tt.read), map[hv.Register]uint64{
				hv.RegisterARM64X5: tt.value,
			})

			outcome, pkt, err := env.exit(t, v)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				v.wantPC(t, entryPC)
				return
			}
			if err != nil || outcome != Deliver {
				t.Fatalf("HandleExit = %v, %v", outcome, err)
			}
			v.wantPC(t, entryPC+4)
			want := packet.Packet{Type: packet.TypeVCPUInterrupt, Interrupt: tt.want}
			if diff := cmp.Diff(want, pkt); diff != "" {
				t.Fatalf("packet mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnknownSystemRegisterIsRateLimited(t *testing.T) {
	env := newEnv(t)
	env.router.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	cntfrq := syndrome.SysReg(3, 3, 14, 0, 0)
	for i := 0; i < 3; i++ {
		v := newVCPU(t, 0, sysregESR(cntfrq, 0, true), nil)
		if _, _, err := env.exit(t, v); !errors.Is(err, hv.ErrNotSupported) {
			t.Fatalf("err = %v", err)
		}
		v.wantPC(t, entryPC)
	}
	if n := strings.Count(env.logs.String(), "\n"); n != 1 {
		t.Fatalf("logged %d lines, want 1:\n%s", n, env.logs)
	}
}

func TestInstructionAbort(t *testing.T) {
	env := newEnv(t)

	v := newVCPU(t, 0, esrInstAbort, map[hv.Register]uint64{
		hv.RegisterARM64HpfarEl2: hpfarFor(ramBase + 0x5000),
	})
	outcome, _, err := env.exit(t, v)
	if err != nil || outcome != Resume {
		t.Fatalf("HandleExit = %v, %v", outcome, err)
	}
	if !env.space.Populated(ramBase + 0x5000) {
		t.Fatalf("page not populated")
	}
	v.wantPC(t, entryPC)

	v = newVCPU(t, 0, esrInstAbort, map[hv.Register]uint64{
		hv.RegisterARM64HpfarEl2: hpfarFor(0x1_0000_0000),
		hv.RegisterARM64Pstate:   0b0101, // EL1h
	})
	if _, _, err := env.exit(t, v); !errors.Is(err, hv.ErrOutOfRange) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(env.logs.String(), "el=1") {
		t.Fatalf("failure log lacks guest EL:\n%s", env.logs)
	}
}

func TestDataAbortWithoutTrap(t *testing.T) {
	env := newEnv(t)
	v := newVCPU(t, 0, esrDataAbort|issISV|issWnR, map[hv.Register]uint64{
		hv.RegisterARM64HpfarEl2: hpfarFor(ramBase + 0x7000),
		hv.RegisterARM64FarEl2:   0xffff_0000_0000_0123,
	})

	outcome, pkt, err := env.exit(t, v)
	if err != nil || outcome != Resume {
		t.Fatalf("HandleExit = %v, %v", outcome, err)
	}
	if !env.space.Populated(ramBase + 0x7000) {
		t.Fatalf("page not populated")
	}
	if pkt.Type != packet.TypeInvalid {
		t.Fatalf("unexpected packet %v", pkt)
	}
	v.wantPC(t, entryPC)
}

func TestDataAbortDoorbell(t *testing.T) {
	env := newEnv(t)
	v := newVCPU(t, 0, esrDataAbort|issISV|issWnR|issSASWord|1<<issSRTShift, map[hv.Register]uint64{
		hv.RegisterARM64HpfarEl2: hpfarFor(bellBase),
		hv.RegisterARM64FarEl2:   0x0000_ffff_8000_0044,
		hv.RegisterARM64X1:       1,
	})

	outcome, _, err := env.exit(t, v)
	if err != nil || outcome != Resume {
		t.Fatalf("HandleExit = %v, %v", outcome, err)
	}
	v.wantPC(t, entryPC+4)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := env.port.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	want := packet.Packet{Key: 11, Type: packet.TypeGuestBell, Bell: packet.GuestBell{Addr: bellBase + 0x44}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("packet mismatch (-want +got):\n%s", diff)
	}
}

func TestDataAbortDoorbellErrors(t *testing.T) {
	for _, tt := range []struct {
		name string
		iss  uint32
		page uint64
		want error
	}{
		{"read", issISV, bellBase, hv.ErrNotSupported},
		{"no port", issISV | issWnR, bellBase + 0x1000, hv.ErrBadState},
	} {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			v := newVCPU(t, 0, esrDataAbort|tt.iss, map[hv.Register]uint64{
				hv.RegisterARM64HpfarEl2: hpfarFor(tt.page),
			})
			if _, _, err := env.exit(t, v); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			v.wantPC(t, entryPC)
			if env.port.Len() != 0 {
				t.Fatalf("packet queued on error")
			}
		})
	}
}

type fixedRegistry struct {
	trap *trapmap.Trap
}

func (f fixedRegistry) FindTrap(trapmap.Kind, uint64) (*trapmap.Trap, error) {
	return f.trap, nil
}

func TestDataAbortUnknownTrapKind(t *testing.T) {
	env := newEnv(t)
	rng := hostarch.AddrRange{Start: memBase, End: memBase + 0x1000}
	router, err := NewRouter(Config{
		AddressSpace: env.space,
		Traps:        fixedRegistry{trapmap.NewTrap(trapmap.Kind(9), rng, nil, 21)},
		Cache:        env.space,
		Clock:        env.clock,
		Tracer:       env.tracer,
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	v := newVCPU(t, 0, esrDataAbort|issISV|issWnR, map[hv.Register]uint64{
		hv.RegisterARM64HpfarEl2: hpfarFor(memBase),
	})
	var pkt packet.Packet
	if _, err := router.HandleExit(context.Background(), v.VCPU, &pkt); !errors.Is(err, hv.ErrBadState) {
		t.Fatalf("err = %v, want %v", err, hv.ErrBadState)
	}
	v.wantPC(t, entryPC)
}

func TestDataAbortMem(t *testing.T) {
	env := newEnv(t)
	v := newVCPU(t, 0, esrDataAbort|issISV|issWnR|issSASWord|7<<issSRTShift, map[hv.Register]uint64{
		hv.RegisterARM64HpfarEl2: hpfarFor(memBase),
		hv.RegisterARM64FarEl2:   0xffff_0000_1234_5010,
		hv.RegisterARM64X7:       0xaaaa_bbbb_cccc_dddd,
	})

	outcome, pkt, err := env.exit(t, v)
	if err != nil || outcome != Deliver {
		t.Fatalf("HandleExit = %v, %v", outcome, err)
	}
	v.wantPC(t, entryPC+4)
	want := packet.Packet{
		Key:  13,
		Type: packet.TypeGuestMem,
		Mem: packet.GuestMem{
			Addr:       memBase + 0x10,
			AccessSize: 4,
			Reg:        7,
			Data:       0xcccc_dddd,
		},
	}
	if diff := cmp.Diff(want, pkt); diff != "" {
		t.Fatalf("packet mismatch (-want +got):\n%s", diff)
	}
}

func TestDataAbortMemRead(t *testing.T) {
	env := newEnv(t)
	v := newVCPU(t, 0, esrDataAbort|issISV|3<<22|1<<21|31<<issSRTShift, map[hv.Register]uint64{
		hv.RegisterARM64HpfarEl2: hpfarFor(memBase),
		hv.RegisterARM64FarEl2:   0x8,
	})

	outcome, pkt, err := env.exit(t, v)
	if err != nil || outcome != Deliver {
		t.Fatalf("HandleExit = %v, %v", outcome, err)
	}
	want := packet.GuestMem{Addr: memBase + 8, AccessSize: 8, SignExtend: true, Reg: 31, Read: true}
	if diff := cmp.Diff(want, pkt.Mem); diff != "" {
		t.Fatalf("mem mismatch (-want +got):\n%s", diff)
	}
}

func TestDataAbortMemWithoutSyndrome(t *testing.T) {
	env := newEnv(t)
	v := newVCPU(t, 0, esrDataAbort|issWnR, map[hv.Register]uint64{
		hv.RegisterARM64HpfarEl2: hpfarFor(memBase),
	})
	if _, _, err := env.exit(t, v); !errors.Is(err, hv.ErrIODataIntegrity) {
		t.Fatalf("err = %v", err)
	}
	v.wantPC(t, entryPC)
}

func TestUnknownClass(t *testing.T) {
	env := newEnv(t)
	v := newVCPU(t, 3, esrHVC, nil)
	if _, _, err := env.exit(t, v); !errors.Is(err, hv.ErrNotSupported) {
		t.Fatalf("err = %v", err)
	}
	v.wantPC(t, entryPC)

	want := []tracedExit{{VCPU: 3, Reason: ReasonUnknown, PC: entryPC}}
	if diff := cmp.Diff(want, env.tracer.exits); diff != "" {
		t.Fatalf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestEveryExitIsTraced(t *testing.T) {
	env := newEnv(t)
	for _, esr := range []uint32{esrWFE, esrSMC0, sysregESR(syndrome.SysRegMAIR_EL1, 0, false), esrInstAbort} {
		v := newVCPU(t, 1, esr, map[hv.Register]uint64{hv.RegisterARM64HpfarEl2: hpfarFor(ramBase)})
		_, _, _ = env.exit(t, v)
	}

	want := []tracedExit{
		{1, ReasonWaitInstruction, entryPC},
		{1, ReasonSMCInstruction, entryPC},
		{1, ReasonSystemInstruction, entryPC},
		{1, ReasonInstructionAbort, entryPC},
	}
	if diff := cmp.Diff(want, env.tracer.exits); diff != "" {
		t.Fatalf("trace mismatch (-want +got):\n%s", diff)
	}
}
