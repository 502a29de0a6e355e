// Package trap routes exceptions taken by the host kernel on arm64.
//
// The assembly entry code saves a frame and calls one of the Router's entry
// points with interrupts disabled. Each entry point either resolves the trap
// (a page fault is fixed up, a user exception is delivered) or dumps the
// machine state and halts. Kernel-origin faults are never forwarded.
package trap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tinyrange/trapcore/internal/arm64/syndrome"
	"github.com/tinyrange/trapcore/internal/config"
	"github.com/tinyrange/trapcore/internal/debug"
	"github.com/tinyrange/trapcore/internal/timeslice"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// ExceptionDispatcher delivers an exception to the user exception ports of
// the current thread. A nil return means the exception was handled and the
// thread may resume.
type ExceptionDispatcher interface {
	Dispatch(typ ExceptionType, ctx *ExceptionContext) error
}

// PageFaultHandler resolves a fault against the current address space.
type PageFaultHandler interface {
	HandleFault(addr uint64, flags PageFaultFlags) error
}

// FPU restores floating point state on first use.
type FPU interface {
	HandleTrap(frame *Frame, flags EntryFlags)
}

// CPU is the processor the trap was taken on.
type CPU interface {
	Number() int
	EnableInterrupts()
	DisableInterrupts()
	// FaultAddress reads FAR_EL1.
	FaultAddress() uint64
	// RestorePercpu reloads the per-CPU pointer register, which user mode
	// is free to clobber.
	RestorePercpu()
}

type Platform interface {
	HandleIRQ(frame *ShortFrame)
	// Halt stops the machine. The router returns right after calling it.
	Halt(reason string)
}

type Scheduler interface {
	// PreemptPending reports and clears a reschedule request raised on cpu
	// while an interrupt was being handled.
	PreemptPending(cpu int) bool
	Preempt()
}

// Thread is the thread running on the current CPU.
type Thread interface {
	ArchState() *ArchThreadState
	Signaled() bool
	ProcessPendingSignals()
}

// UserMemory copies from the current user address space.
type UserMemory interface {
	CopyIn(dst []byte, addr uint64) error
}

type Config struct {
	CPU        CPU
	Platform   Platform
	Scheduler  Scheduler
	Dispatcher ExceptionDispatcher
	Faults     PageFaultHandler
	FPU        FPU
	Current    func() Thread

	// UserMemory is used for the stack dump in fatal reports. Nil skips it.
	UserMemory UserMemory

	// UserRange defaults to the configured user address range.
	UserRange      hostarch.AddrRange
	StackDumpBytes int
	CPUs           int

	// Diagnostics receives fatal reports. Defaults to os.Stderr.
	Diagnostics io.Writer
	Logger      *slog.Logger
}

// Router is shared by every CPU. Each entry point runs on the CPU that took
// the exception with interrupts disabled.
type Router struct {
	cpu        CPU
	platform   Platform
	sched      Scheduler
	dispatcher ExceptionDispatcher
	faults     PageFaultHandler
	fpu        FPU
	current    func() Thread
	user       UserMemory

	userRange hostarch.AddrRange
	stackDump int
	diag      io.Writer
	log       *slog.Logger

	percpu []percpu
}

var errHalted = errors.New("trap: halted")

var sliceFatal = timeslice.RegisterKind("trap-fatal", timeslice.SliceFlagFatal)

func NewRouter(cfg Config) (*Router, error) {
	if cfg.CPU == nil || cfg.Platform == nil || cfg.Scheduler == nil {
		return nil, fmt.Errorf("trap: cpu, platform and scheduler are required")
	}
	if cfg.Dispatcher == nil || cfg.Faults == nil || cfg.FPU == nil || cfg.Current == nil {
		return nil, fmt.Errorf("trap: dispatcher, fault handler, fpu and current thread are required")
	}

	r := &Router{
		cpu:        cfg.CPU,
		platform:   cfg.Platform,
		sched:      cfg.Scheduler,
		dispatcher: cfg.Dispatcher,
		faults:     cfg.Faults,
		fpu:        cfg.FPU,
		current:    cfg.Current,
		user:       cfg.UserMemory,
		userRange:  cfg.UserRange,
		stackDump:  cfg.StackDumpBytes,
		diag:       cfg.Diagnostics,
		log:        cfg.Logger,
	}

	defaults := config.Default().Host
	if r.userRange.Length() == 0 {
		r.userRange = defaults.UserRange()
	}
	if r.stackDump <= 0 {
		r.stackDump = defaults.StackDumpBytes
	}
	if r.diag == nil {
		r.diag = os.Stderr
	}
	if r.log == nil {
		r.log = slog.Default()
	}

	cpus := cfg.CPUs
	if cpus <= 0 {
		cpus = 1
	}
	r.percpu = make([]percpu, cpus)
	for i := range r.percpu {
		r.percpu[i].recorder = timeslice.NewRecorder(i)
	}

	return r, nil
}

func (r *Router) isUserAddress(addr uint64) bool {
	return r.userRange.Contains(hostarch.Addr(addr))
}

// Sync handles a synchronous exception. esr is ESR_EL1 as read by the entry
// code.
func (r *Router) Sync(frame *Frame, flags EntryFlags, esr uint32) {
	syn := syndrome.Decode(esr)
	ectx := &ExceptionContext{Frame: frame, ESR: esr}
	user := flags&FlagLowerEL != 0

	var ok bool
	switch syn.Class {
	case syndrome.ClassUnknown:
		ok = r.forwardUser(ectx, user, UndefinedInstruction, "unknown exception in kernel")
	case syndrome.ClassFPAccess:
		if !user {
			r.die(ectx, "invalid fpu use in kernel")
			return
		}
		r.fpu.HandleTrap(frame, flags)
		ok = true
	case syndrome.ClassSVC32, syndrome.ClassSVC64:
		r.die(ectx, "syscalls should be handled in the entry code")
		return
	case syndrome.ClassInstructionAbortLow, syndrome.ClassInstructionAbort:
		ok = r.instructionAbort(ectx, syn, user)
	case syndrome.ClassDataAbortLow, syndrome.ClassDataAbort:
		ok = r.dataAbort(ectx, syn, user)
	case syndrome.ClassBRK64:
		ok = r.forwardUser(ectx, user, SoftwareBreakpoint, "BRK in kernel")
	case syndrome.ClassBreakpointLow, syndrome.ClassBreakpoint:
		ok = r.forwardUser(ectx, user, HardwareBreakpoint, "hardware breakpoint in kernel")
	case syndrome.ClassSoftwareStepLow, syndrome.ClassSoftwareStep:
		ok = r.forwardUser(ectx, user, HardwareBreakpoint, "software step in kernel")
	case syndrome.ClassWatchpointLow, syndrome.ClassWatchpoint:
		ectx.FAR = r.cpu.FaultAddress()
		ok = r.forwardUser(ectx, user, HardwareBreakpoint, "watchpoint in kernel")
	default:
		if !user {
			r.die(ectx, "unhandled synchronous exception")
			return
		}
		if err := r.forward(General, ectx); err != nil {
			if !errors.Is(err, errHalted) {
				r.die(ectx, "unhandled synchronous exception from user: %v", err)
			}
			return
		}
		ok = true
	}
	if !ok || !user {
		return
	}

	r.processSignals(frame)
}

// forwardUser halts on a kernel-origin trap and otherwise hands it to the
// dispatcher. A rejected exception is the dispatcher's to clean up; the
// thread is resumed either way.
func (r *Router) forwardUser(ectx *ExceptionContext, user bool, typ ExceptionType, kernelMsg string) bool {
	if !user {
		r.die(ectx, "%s", kernelMsg)
		return false
	}
	err := r.forward(typ, ectx)
	if errors.Is(err, errHalted) {
		return false
	}
	if err != nil {
		r.log.Warn("user exception not handled", "type", typ, "pc", fmt.Sprintf("%#x", ectx.Frame.ELR), "error", err)
	}
	return true
}

// forward delivers a user exception with interrupts enabled and the frame
// published to the current thread.
func (r *Router) forward(typ ExceptionType, ectx *ExceptionContext) error {
	state := r.current().ArchState()

	r.cpu.EnableInterrupts()
	if err := state.publish(ectx.Frame); err != nil {
		r.cpu.DisableInterrupts()
		r.die(ectx, "forward %s: %v", typ, err)
		return errHalted
	}
	err := r.dispatcher.Dispatch(typ, ectx)
	state.clear()
	r.cpu.DisableInterrupts()

	return err
}

// processSignals runs pending signal handling before returning to user mode.
func (r *Router) processSignals(regs Registers) {
	thread := r.current()
	if !thread.Signaled() {
		return
	}
	state := thread.ArchState()
	if err := state.publish(regs); err != nil {
		r.dieRegs(regs, "process signals: %v", err)
		return
	}
	thread.ProcessPendingSignals()
	state.clear()
}

// SError handles an asynchronous system error. It is always fatal.
func (r *Router) SError(frame *Frame, flags EntryFlags, esr uint32) {
	r.die(&ExceptionContext{Frame: frame, ESR: esr, FAR: r.cpu.FaultAddress()}, "SError (lower el %t)", flags&FlagLowerEL != 0)
}

// InvalidException handles an entry through a vector slot that should
// never be taken.
func (r *Router) InvalidException(frame *Frame, vector int) {
	r.die(&ExceptionContext{Frame: frame}, "invalid exception, vector %#x", vector)
}

func (r *Router) die(ectx *ExceptionContext, format string, args ...any) {
	start := time.Now()
	msg := fmt.Sprintf(format, args...)

	syn := syndrome.Decode(ectx.ESR)
	r.log.Error("fatal exception",
		"reason", msg,
		"class", syn.Class,
		"iss", fmt.Sprintf("%#x", syn.ISS),
		"pc", fmt.Sprintf("%#x", ectx.Frame.ELR),
		"far", fmt.Sprintf("%#x", ectx.FAR),
	)
	debug.Writef("trap", "fatal: %s: esr %#x far %#x pc %#x", msg, ectx.ESR, ectx.FAR, ectx.Frame.ELR)

	r.dump(ectx, msg)
	timeslice.Record(sliceFatal, r.cpu.Number(), time.Since(start))
	r.platform.Halt(msg)
}

// dieRegs is die for paths that only have a frame.
func (r *Router) dieRegs(regs Registers, format string, args ...any) {
	if f, ok := regs.(*Frame); ok {
		r.die(&ExceptionContext{Frame: f}, format, args...)
		return
	}
	msg := fmt.Sprintf(format, args...)
	r.log.Error("fatal exception", "reason", msg, "pc", fmt.Sprintf("%#x", regs.PC()))
	debug.Writef("trap", "fatal: %s: pc %#x", msg, regs.PC())
	fmt.Fprintf(r.diag, "%s\n", msg)
	dumpShortFrame(r.diag, regs)
	r.platform.Halt(msg)
}
