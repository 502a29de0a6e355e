package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/trapcore/internal/config"
	"github.com/tinyrange/trapcore/internal/trap"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// hostMachine stands in for the kernel around the trap router: one thread
// on a handful of CPUs, a user address space made of mapped ranges, and a
// user exception port that accepts a fixed set of exception types.
type hostMachine struct {
	cpu      int
	ints     bool
	far      uint64
	thread   trap.ArchThreadState
	signaled bool
	preempt  bool

	mapped  []hostarch.AddrRange
	handled map[trap.ExceptionType]bool

	halted     string
	preempts   int
	signals    int
	dispatched []trap.ExceptionType
}

func newHostMachine(scn *HostScenario) (*hostMachine, error) {
	m := &hostMachine{handled: make(map[trap.ExceptionType]bool)}
	for _, r := range scn.Mapped {
		m.mapped = append(m.mapped, hostarch.AddrRange{Start: hostarch.Addr(r.Base), End: hostarch.Addr(r.Base + r.Size)})
	}
	for _, name := range scn.Handled {
		t, err := parseExceptionType(name)
		if err != nil {
			return nil, err
		}
		m.handled[t] = true
	}
	return m, nil
}

func (m *hostMachine) isMapped(addr uint64) bool {
	for _, r := range m.mapped {
		if r.Contains(hostarch.Addr(addr)) {
			return true
		}
	}
	return false
}

func (m *hostMachine) Number() int          { return m.cpu }
func (m *hostMachine) EnableInterrupts()    { m.ints = true }
func (m *hostMachine) DisableInterrupts()   { m.ints = false }
func (m *hostMachine) FaultAddress() uint64 { return m.far }
func (m *hostMachine) RestorePercpu()       {}

func (m *hostMachine) HandleIRQ(*trap.ShortFrame) {}
func (m *hostMachine) Halt(reason string)         { m.halted = reason }

func (m *hostMachine) PreemptPending(int) bool {
	p := m.preempt
	m.preempt = false
	return p
}
func (m *hostMachine) Preempt() { m.preempts++ }

func (m *hostMachine) Dispatch(typ trap.ExceptionType, _ *trap.ExceptionContext) error {
	if !m.ints {
		return fmt.Errorf("dispatch with interrupts disabled")
	}
	m.dispatched = append(m.dispatched, typ)
	if !m.handled[typ] {
		return fmt.Errorf("no handler for %s", typ)
	}
	return nil
}

func (m *hostMachine) HandleFault(addr uint64, flags trap.PageFaultFlags) error {
	if !m.isMapped(addr) {
		return fmt.Errorf("%s fault at %#x: not mapped", flags, addr)
	}
	return nil
}

func (m *hostMachine) HandleTrap(*trap.Frame, trap.EntryFlags) {}

func (m *hostMachine) ArchState() *trap.ArchThreadState { return &m.thread }
func (m *hostMachine) Signaled() bool                   { return m.signaled }
func (m *hostMachine) ProcessPendingSignals() {
	m.signals++
	m.signaled = false
}

// CopyIn fills dst with a pattern derived from the address, as long as the
// whole range is mapped.
func (m *hostMachine) CopyIn(dst []byte, addr uint64) error {
	if !m.isMapped(addr) || !m.isMapped(addr+uint64(len(dst))-1) {
		return fmt.Errorf("%#x not mapped", addr)
	}
	for i := range dst {
		dst[i] = byte(addr + uint64(i))
	}
	return nil
}

type hostResult struct {
	Name    string
	Outcome string
	Detail  string
	Failed  bool
}

// runHost replays the host traps and interrupts of a scenario through a
// trap router. Diagnostics from fatal traps go to diag.
func runHost(cfg config.Config, scn *HostScenario, diag io.Writer, logger *slog.Logger, step func()) ([]hostResult, error) {
	m, err := newHostMachine(scn)
	if err != nil {
		return nil, err
	}
	cpus := 1
	for _, irq := range scn.IRQs {
		cpus = max(cpus, irq.CPU+1)
	}

	router, err := trap.NewRouter(trap.Config{
		CPU:            m,
		Platform:       m,
		Scheduler:      m,
		Dispatcher:     m,
		Faults:         m,
		FPU:            m,
		Current:        func() trap.Thread { return m },
		UserMemory:     m,
		UserRange:      cfg.Host.UserRange(),
		StackDumpBytes: cfg.Host.StackDumpBytes,
		CPUs:           cpus,
		Diagnostics:    diag,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	var results []hostResult
	for _, t := range scn.Traps {
		m.halted = ""
		m.far = t.FAR
		m.signaled = t.Signaled
		m.thread.DataFaultResume = t.DataFaultResume

		frame := &trap.Frame{ELR: t.ELR, USP: t.USP}
		var flags trap.EntryFlags
		if t.User {
			flags |= trap.FlagLowerEL
		}
		before := len(m.dispatched)
		router.Sync(frame, flags, t.ESR)

		res := hostResult{Name: t.Name, Outcome: "resume"}
		if len(m.dispatched) > before {
			res.Detail = "dispatched " + m.dispatched[len(m.dispatched)-1].String()
		}
		switch {
		case m.halted != "":
			res.Outcome = "halt"
			res.Detail = m.halted
		case frame.ELR != t.ELR:
			res.Outcome = "redirect"
			res.Detail = fmt.Sprintf("elr %#x", frame.ELR)
		}
		if t.Expect != "" && t.Expect != res.Outcome {
			res.Failed = true
			res.Detail = fmt.Sprintf("want %s: %s", t.Expect, res.Detail)
		}
		results = append(results, res)
		step()
	}

	for _, irq := range scn.IRQs {
		m.cpu = irq.CPU
		m.signaled = irq.Signaled
		m.preempt = irq.Preempt

		var flags trap.EntryFlags
		if irq.User {
			flags |= trap.FlagLowerEL
		}
		frame := &trap.ShortFrame{}
		exit := router.IRQ(frame, flags)
		if irq.User {
			router.FinishUserIRQ(exit, frame)
		}
		count, busy := router.InterruptStats(irq.CPU)
		results = append(results, hostResult{
			Name:    irq.Name,
			Outcome: fmt.Sprintf("irq exit=%#x", uint32(exit)),
			Detail:  fmt.Sprintf("cpu %d: %d interrupts in %s, %d preempts, %d signal checks", irq.CPU, count, busy, m.preempts, m.signals),
		})
		step()
	}
	return results, nil
}
