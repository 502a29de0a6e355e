package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/tinyrange/trapcore/internal/config"
	"github.com/tinyrange/trapcore/internal/hostclock"
	"github.com/tinyrange/trapcore/internal/hv"
	"github.com/tinyrange/trapcore/internal/hv/exit"
	"github.com/tinyrange/trapcore/internal/hv/gpas"
	"github.com/tinyrange/trapcore/internal/hv/packet"
	"github.com/tinyrange/trapcore/internal/hv/trapmap"
	"github.com/tinyrange/trapcore/internal/hv/vgic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// waitTimeout bounds how long a vCPU parked on WFI waits for its timer.
const waitTimeout = 2 * time.Second

type guestResult struct {
	VCPU    int
	Name    string
	Outcome string
	Packet  string
	PC      uint64
	Err     error
	Failed  bool
}

type guestReport struct {
	Results [][]guestResult
	// Ports maps a doorbell key to the packets queued on it.
	Ports      map[uint64][]packet.Packet
	Maintained int
}

type guest struct {
	space  *gpas.AddressSpace
	traps  *trapmap.TrapMap
	ports  map[uint64]*trapmap.Port
	clock  *hostclock.Clock
	router *exit.Router
}

func newGuest(cfg config.Config, scn *GuestScenario, logger *slog.Logger) (*guest, error) {
	space, err := gpas.New(cfg.Guest.RAMBase, cfg.Guest.RAMSize)
	if err != nil {
		return nil, err
	}
	for _, m := range scn.Memory {
		buf := make([]byte, 8*len(m.Words))
		for i, w := range m.Words {
			binary.LittleEndian.PutUint64(buf[i*8:], w)
		}
		if _, err := space.WriteAt(buf, int64(m.Addr)); err != nil {
			return nil, fmt.Errorf("initialise guest memory: %w", err)
		}
	}

	g := &guest{
		space: space,
		traps: trapmap.New(),
		ports: make(map[uint64]*trapmap.Port),
	}
	for _, t := range scn.Traps {
		kind, err := parseTrapKind(t.Kind)
		if err != nil {
			return nil, err
		}
		var port *trapmap.Port
		if t.Port {
			port = trapmap.NewPort(cfg.Guest.PortDepth)
			g.ports[t.Key] = port
		}
		if err := g.traps.InsertTrap(kind, t.Addr, t.Size, port, t.Key); err != nil {
			return nil, err
		}
		if err := space.RegisterFixed(fmt.Sprintf("%s-%d", kind, t.Key), t.Addr, t.Size); err != nil {
			return nil, err
		}
	}

	if g.clock, err = hostclock.New(cfg.Guest.CounterFrequency); err != nil {
		return nil, err
	}

	g.router, err = exit.NewRouter(exit.Config{
		AddressSpace: space,
		Traps:        g.traps,
		Cache:        space,
		Clock:        g.clock,
		Logger:       logger,
		LogLimiter:   rate.NewLimiter(rate.Limit(cfg.Guest.ExitLogRate), cfg.Guest.ExitLogBurst),
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func setRegisters(state hv.GuestState, in map[string]uint64) error {
	regs, err := parseRegisters(in)
	if err != nil {
		return err
	}
	for reg, value := range regs {
		if err := hv.SetRegister(state, reg, value); err != nil {
			return err
		}
	}
	return nil
}

// runVCPU replays one vCPU's exits in order, acting on each outcome the way
// a run loop would.
func (g *guest) runVCPU(ctx context.Context, index int, scn VCPUScenario, step func()) ([]guestResult, error) {
	state := hv.NewArm64GuestState(index)
	if err := setRegisters(state, scn.Registers); err != nil {
		return nil, fmt.Errorf("vcpu %d: %w", index, err)
	}
	tracker := vgic.NewTracker()
	timer := vgic.NewTimer(g.clock.Now)
	defer timer.Cancel()

	vcpu := &exit.VCPU{State: state, Interrupts: tracker, Timer: timer}

	var results []guestResult
	for _, e := range scn.Exits {
		if err := setRegisters(state, e.Registers); err != nil {
			return nil, fmt.Errorf("vcpu %d exit %s: %w", index, e.Name, err)
		}
		if err := state.SetRegisters(map[hv.Register]hv.RegisterValue{
			hv.RegisterARM64EsrEl2:   hv.Register64(e.ESR),
			hv.RegisterARM64FarEl2:   hv.Register64(e.FAR),
			hv.RegisterARM64HpfarEl2: hv.Register64(e.HPFAR),
		}); err != nil {
			return nil, err
		}

		var pkt packet.Packet
		outcome, err := g.router.HandleExit(ctx, vcpu, &pkt)
		if errors.Is(err, context.Canceled) {
			return results, err
		}

		res := guestResult{VCPU: index, Name: e.Name, Outcome: outcome.String(), Err: err}
		switch {
		case err != nil:
			res.Outcome = "error"
		case outcome == exit.Deliver:
			res.Packet = pkt.String()
		case outcome == exit.Wait:
			wctx, cancel := context.WithTimeout(ctx, waitTimeout)
			werr := tracker.Wait(wctx)
			cancel()
			if werr != nil {
				res.Failed = true
				res.Err = fmt.Errorf("wait for timer: %w", werr)
			}
		}
		// A timer interrupt is taken by the guest before its next exit.
		tracker.Ack(vgic.TimerVector)

		res.PC, _ = hv.GetRegister(state, hv.RegisterARM64Pc)
		if e.Expect != "" && e.Expect != res.Outcome {
			res.Failed = true
		}
		results = append(results, res)
		step()
	}
	return results, nil
}

// runGuest runs every vCPU of a scenario concurrently against one shared
// router, address space and trap map.
func runGuest(ctx context.Context, cfg config.Config, scn *GuestScenario, logger *slog.Logger, step func()) (*guestReport, error) {
	g, err := newGuest(cfg, scn, logger)
	if err != nil {
		return nil, err
	}

	report := &guestReport{
		Results: make([][]guestResult, len(scn.VCPUs)),
		Ports:   make(map[uint64][]packet.Packet),
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for i, v := range scn.VCPUs {
		eg.Go(func() error {
			res, err := g.runVCPU(egCtx, i, v, step)
			report.Results[i] = res
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return report, err
	}

	for _, key := range slices.Sorted(maps.Keys(g.ports)) {
		port := g.ports[key]
		for port.Len() > 0 {
			pkt, err := port.Receive(ctx)
			if err != nil {
				return report, err
			}
			report.Ports[key] = append(report.Ports[key], pkt)
		}
	}
	report.Maintained = len(g.space.Maintained())
	return report, nil
}
