package trap

import (
	"sync/atomic"
	"time"

	"github.com/tinyrange/trapcore/internal/timeslice"
)

var sliceIRQ = timeslice.RegisterKind("host-irq", timeslice.SliceFlagHostIRQ)

// percpu is the interrupt bookkeeping of one CPU. Only that CPU touches it
// with interrupts disabled, apart from the counters.
type percpu struct {
	inInterrupt bool
	recorder    *timeslice.Recorder

	interrupts atomic.Uint64
	busy       atomic.Int64
}

func (r *Router) percpuFor(cpu int) *percpu {
	if cpu < 0 || cpu >= len(r.percpu) {
		return nil
	}
	return &r.percpu[cpu]
}

func (p *percpu) startInterrupt() {
	p.inInterrupt = true
	p.recorder.Start()
}

func (p *percpu) finishInterrupt() {
	d := p.recorder.Record(sliceIRQ)
	p.busy.Add(int64(d))
	p.interrupts.Add(1)
	p.inInterrupt = false
}

// IRQ handles an interrupt. When returning to user mode the caller acts on
// the returned flags through FinishUserIRQ once it has restored the rest of
// the user state; returning to the kernel, any reschedule happens here.
func (r *Router) IRQ(frame *ShortFrame, flags EntryFlags) IRQExitFlags {
	lower := flags&FlagLowerEL != 0
	if lower {
		r.cpu.RestorePercpu()
	}

	cpu := r.cpu.Number()
	p := r.percpuFor(cpu)
	if p == nil {
		r.dieRegs(frame, "interrupt on unknown cpu %d", cpu)
		return 0
	}

	p.startInterrupt()
	r.platform.HandleIRQ(frame)
	p.finishInterrupt()
	preempt := r.sched.PreemptPending(cpu)

	if lower {
		var exit IRQExitFlags
		if r.current().Signaled() {
			exit |= IRQExitThreadSignaled
		}
		if preempt {
			exit |= IRQExitReschedule
		}
		return exit
	}

	// The handler may have clobbered the per-CPU register on its way
	// through C-ABI code.
	r.cpu.RestorePercpu()
	if preempt {
		r.sched.Preempt()
	}
	return 0
}

// FinishUserIRQ runs the deferred work IRQ asked for just before the
// return to user mode.
func (r *Router) FinishUserIRQ(exit IRQExitFlags, frame *ShortFrame) {
	if exit&IRQExitThreadSignaled != 0 {
		r.processSignals(frame)
	}
	if exit&IRQExitReschedule != 0 {
		r.sched.Preempt()
	}
}

// InterruptStats reports how many interrupts cpu has handled and the time
// spent in them.
func (r *Router) InterruptStats(cpu int) (count uint64, busy time.Duration) {
	p := r.percpuFor(cpu)
	if p == nil {
		return 0, 0
	}
	return p.interrupts.Load(), time.Duration(p.busy.Load())
}

// InInterrupt reports whether cpu is inside the platform IRQ handler.
func (r *Router) InInterrupt(cpu int) bool {
	p := r.percpuFor(cpu)
	return p != nil && p.inInterrupt
}
