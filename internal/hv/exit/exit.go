// Package exit handles VM exits taken by an arm64 guest. The run loop
// captures the guest's registers into an [hv.GuestState], calls
// [Router.HandleExit] and acts on the returned [Outcome].
package exit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/tinyrange/trapcore/internal/arm64/syndrome"
	"github.com/tinyrange/trapcore/internal/hv"
	"github.com/tinyrange/trapcore/internal/hv/packet"
	"github.com/tinyrange/trapcore/internal/hv/trapmap"
	"github.com/tinyrange/trapcore/internal/timeslice"
	"golang.org/x/time/rate"
)

// Outcome tells the run loop what to do after a successful exit.
type Outcome int

const (
	// Resume re-enters the guest.
	Resume Outcome = iota
	// Deliver hands the filled packet to the monitor, then re-enters.
	Deliver
	// Wait parks the vCPU until an interrupt is pending.
	Wait
)

func (o Outcome) String() string {
	switch o {
	case Resume:
		return "resume"
	case Deliver:
		return "deliver"
	case Wait:
		return "wait"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Reason classifies an exit for tracing.
type Reason uint16

const (
	ReasonUnknown Reason = iota
	ReasonWaitInstruction
	ReasonSMCInstruction
	ReasonSystemInstruction
	ReasonInstructionAbort
	ReasonDataAbort
)

func (r Reason) String() string {
	switch r {
	case ReasonWaitInstruction:
		return "wait-instruction"
	case ReasonSMCInstruction:
		return "smc-instruction"
	case ReasonSystemInstruction:
		return "system-instruction"
	case ReasonInstructionAbort:
		return "instruction-abort"
	case ReasonDataAbort:
		return "data-abort"
	default:
		return "unknown"
	}
}

var reasonSlices = func() map[Reason]timeslice.KindID {
	ret := make(map[Reason]timeslice.KindID)
	for r := ReasonUnknown; r <= ReasonDataAbort; r++ {
		ret[r] = timeslice.RegisterKind("exit-"+r.String(), timeslice.SliceFlagGuestExit)
	}
	return ret
}()

// AddressSpace is the guest physical address space.
type AddressSpace interface {
	PageFault(ctx context.Context, gpa uint64) error
	// ReadAt reads guest physical memory; the cache walk uses it to read
	// the guest's translation tables.
	ReadAt(p []byte, gpa int64) (int, error)
}

type TrapRegistry interface {
	FindTrap(kind trapmap.Kind, gpa uint64) (*trapmap.Trap, error)
}

// Cache performs data cache maintenance by guest physical address.
type Cache interface {
	CleanInvalidate(gpa, size uint64) error
}

type Clock interface {
	Now() time.Time
	// CounterToTime converts a guest counter value to host time.
	CounterToTime(ticks uint64) time.Time
}

// Tracer observes every exit before it is handled.
type Tracer interface {
	TraceExit(vcpu int, reason Reason, pc uint64)
}

// InterruptTracker is the pending virtual interrupt set of one vCPU.
type InterruptTracker interface {
	Interrupt(vector uint32) error
	Pending(vector uint32) bool
}

// Timer is a one-shot deadline timer owned by one vCPU.
type Timer interface {
	Set(deadline time.Time, fn func())
	Cancel() bool
}

// VCPU is the per-vCPU state an exit operates on. The router borrows it for
// the duration of one HandleExit call.
type VCPU struct {
	State      hv.GuestState
	Interrupts InterruptTracker
	Timer      Timer
}

type Config struct {
	AddressSpace AddressSpace
	Traps        TrapRegistry
	Cache        Cache
	Clock        Clock

	// Tracer defaults to the debug trace log.
	Tracer Tracer
	Logger *slog.Logger
	// LogLimiter throttles log lines a guest can trigger. Nil means
	// unlimited.
	LogLimiter *rate.Limiter
	// Yield gives up the host CPU; defaults to runtime.Gosched.
	Yield func()
}

// Router is shared by every vCPU of a guest.
type Router struct {
	space   AddressSpace
	traps   TrapRegistry
	cache   Cache
	clock   Clock
	tracer  Tracer
	log     *slog.Logger
	limiter *rate.Limiter
	yield   func()
}

func NewRouter(cfg Config) (*Router, error) {
	if cfg.AddressSpace == nil || cfg.Traps == nil || cfg.Cache == nil || cfg.Clock == nil {
		return nil, fmt.Errorf("exit: address space, trap registry, cache and clock are required")
	}

	r := &Router{
		space:   cfg.AddressSpace,
		traps:   cfg.Traps,
		cache:   cfg.Cache,
		clock:   cfg.Clock,
		tracer:  cfg.Tracer,
		log:     cfg.Logger,
		limiter: cfg.LogLimiter,
		yield:   cfg.Yield,
	}
	if r.tracer == nil {
		r.tracer = NewDebugTracer("exit")
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.yield == nil {
		r.yield = runtime.Gosched
	}
	return r, nil
}

// exitInfo is the syndrome state captured by EL2 for one exit.
type exitInfo struct {
	syn   syndrome.Syndrome
	pc    uint64
	far   uint64
	hpfar uint64
	spsr  uint64
}

// ipa returns the faulting guest physical page. HPFAR_EL2 holds bits 47:12
// of the address in its bits 39:4.
func (e exitInfo) ipa() uint64 {
	return (e.hpfar & 0xffffffff_f0) << 8
}

// guestEL is the exception level the guest was running at.
func (e exitInfo) guestEL() uint64 {
	return (e.spsr >> 2) & 0b11
}

func readExitInfo(g hv.GuestState) (exitInfo, error) {
	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterARM64EsrEl2:   hv.Register64(0),
		hv.RegisterARM64Pc:       hv.Register64(0),
		hv.RegisterARM64FarEl2:   hv.Register64(0),
		hv.RegisterARM64HpfarEl2: hv.Register64(0),
		hv.RegisterARM64Pstate:   hv.Register64(0),
	}
	if err := g.GetRegisters(regs); err != nil {
		return exitInfo{}, fmt.Errorf("exit: read exit state: %w", err)
	}
	get := func(r hv.Register) uint64 { return uint64(regs[r].(hv.Register64)) }

	return exitInfo{
		syn:   syndrome.Decode(uint32(get(hv.RegisterARM64EsrEl2))),
		pc:    get(hv.RegisterARM64Pc),
		far:   get(hv.RegisterARM64FarEl2),
		hpfar: get(hv.RegisterARM64HpfarEl2),
		spsr:  get(hv.RegisterARM64Pstate),
	}, nil
}

// HandleExit emulates the instruction or fault that caused the exit. On a
// Deliver outcome pkt has been filled. The guest PC is advanced exactly when
// the trapped instruction has been emulated; on error it is left unchanged
// so the guest retries the instruction.
func (r *Router) HandleExit(ctx context.Context, vcpu *VCPU, pkt *packet.Packet) (Outcome, error) {
	info, err := readExitInfo(vcpu.State)
	if err != nil {
		return Resume, err
	}

	index := vcpu.State.VCPUIndex()
	start := time.Now()

	var (
		reason  Reason
		outcome Outcome
	)
	switch info.syn.Class {
	case syndrome.ClassWFx:
		reason = ReasonWaitInstruction
		r.tracer.TraceExit(index, reason, info.pc)
		outcome, err = r.handleWait(vcpu, info)
	case syndrome.ClassSMC64:
		reason = ReasonSMCInstruction
		r.tracer.TraceExit(index, reason, info.pc)
		outcome, err = r.handleSMC(vcpu, info, pkt)
	case syndrome.ClassSystemRegister:
		reason = ReasonSystemInstruction
		r.tracer.TraceExit(index, reason, info.pc)
		outcome, err = r.handleSystemRegister(vcpu, info, pkt)
	case syndrome.ClassInstructionAbortLow:
		reason = ReasonInstructionAbort
		r.tracer.TraceExit(index, reason, info.pc)
		outcome, err = r.handleInstructionAbort(ctx, info)
	case syndrome.ClassDataAbortLow:
		reason = ReasonDataAbort
		r.tracer.TraceExit(index, reason, info.pc)
		outcome, err = r.handleDataAbort(ctx, vcpu, info, pkt)
	default:
		reason = ReasonUnknown
		r.tracer.TraceExit(index, reason, info.pc)
		err = fmt.Errorf("exit: unhandled exception class %s: %w", info.syn.Class, hv.ErrNotSupported)
	}

	timeslice.Record(reasonSlices[reason], index, time.Since(start))

	if err != nil && !errors.Is(err, context.Canceled) {
		r.logLimited(slog.LevelWarn, "guest exit failed",
			"vcpu", index,
			"reason", reason,
			"class", info.syn.Class,
			"iss", fmt.Sprintf("%#x", info.syn.ISS),
			"el", info.guestEL(),
			"pc", fmt.Sprintf("%#x", info.pc),
			"error", err,
		)
	}
	return outcome, err
}

func (r *Router) logLimited(level slog.Level, msg string, args ...any) {
	if r.limiter != nil && !r.limiter.Allow() {
		return
	}
	r.log.Log(context.Background(), level, msg, args...)
}

func getRegister(g hv.GuestState, reg hv.Register) (uint64, error) {
	v, err := hv.GetRegister(g, reg)
	if err != nil {
		return 0, fmt.Errorf("exit: read %s: %w", reg, err)
	}
	return v, nil
}

func setRegister(g hv.GuestState, reg hv.Register, value uint64) error {
	if err := hv.SetRegister(g, reg, value); err != nil {
		return fmt.Errorf("exit: write %s: %w", reg, err)
	}
	return nil
}

// generalRegister maps a syndrome register field to a register.
func generalRegister(idx uint8) (hv.Register, error) {
	reg, ok := hv.ARM64RegisterFromIndex(int(idx))
	if !ok {
		return hv.RegisterInvalid, fmt.Errorf("exit: invalid register index %d: %w", idx, hv.ErrInvalidArgument)
	}
	return reg, nil
}
