// Command trapsim replays a scripted scenario of host exceptions and guest
// VM exits through the trap and exit routers and reports what each one did.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/trapcore/internal/config"
	"github.com/tinyrange/trapcore/internal/debug"
	"github.com/tinyrange/trapcore/internal/timeslice"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "trapsim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to "+config.Filename+" (default: built-in defaults)")
	scenarioPath := flag.String("scenario", "", "Scenario YAML file to replay")
	debugLog := flag.Bool("debug", false, "Enable debug logging")
	tracePath := flag.String("trace", "", "Write the binary trace log to this file")
	timeslicePath := flag.String("timeslice", "", "Write handler timings to this file and print a summary")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] -scenario <file>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Replay host traps and guest exits through the dispatch core.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -scenario cmd/trapsim/testdata/basic.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -scenario s.yaml -trace trace.bin -timeslice ts.bin\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *scenarioPath == "" {
		flag.Usage()
		return fmt.Errorf("scenario required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *tracePath != "" {
		cfg.Trace.Debug = *tracePath
	}
	if *timeslicePath != "" {
		cfg.Trace.Timeslice = *timeslicePath
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return err
	}
	if *debugLog {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	scn, err := loadScenario(*scenarioPath)
	if err != nil {
		return err
	}

	if cfg.Trace.Debug != "" {
		if err := debug.OpenFile(cfg.Trace.Debug); err != nil {
			return fmt.Errorf("open trace log: %w", err)
		}
		defer func() {
			if dropped := debug.Dropped(); dropped > 0 {
				slog.Warn("trace log dropped records", "count", dropped)
			}
			debug.Close()
		}()
	}

	var closeTimeslice func() error
	if cfg.Trace.Timeslice != "" {
		if closeTimeslice, err = openTimeslice(cfg.Trace.Timeslice); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	step := func() {}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		pb := progressbar.Default(int64(scn.exitCount()), scn.Name)
		defer pb.Close()
		step = func() { pb.Add(1) }
	}

	slog.Info("Replaying scenario", "name", scn.Name,
		"hostTraps", len(scn.Host.Traps), "irqs", len(scn.Host.IRQs), "vcpus", len(scn.Guest.VCPUs))

	var diag bytes.Buffer
	host, err := runHost(cfg, &scn.Host, &diag, logger, step)
	if err != nil {
		return fmt.Errorf("host: %w", err)
	}
	guest, err := runGuest(ctx, cfg, &scn.Guest, logger, step)
	if err != nil {
		return fmt.Errorf("guest: %w", err)
	}

	failed := writeReport(os.Stdout, host, guest)
	if diag.Len() > 0 && *debugLog {
		fmt.Fprintf(os.Stdout, "\nhost diagnostics:\n%s", diag.String())
	}

	if closeTimeslice != nil {
		if err := closeTimeslice(); err != nil {
			return err
		}
		if err := printTimeslice(os.Stdout, cfg.Trace.Timeslice); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d expectations failed", failed)
	}
	return nil
}

func openTimeslice(path string) (func() error, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create timeslice file: %w", err)
	}
	w, err := timeslice.Open(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return func() error {
		if err := w.Close(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}, nil
}

func printTimeslice(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	stats, err := timeslice.Summarize(f)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "\ntimings:")
	for _, s := range stats {
		fmt.Fprintf(w, "  %-28s %-8s count=%-6d total=%-12s max=%-12s avg=%s\n",
			s.Kind, s.Flags, s.Count, s.Total, s.Max, s.Mean())
	}
	return nil
}
