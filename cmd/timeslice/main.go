package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tinyrange/trapcore/internal/timeslice"
)

func printStats(stats []timeslice.Stats) {
	for _, s := range stats {
		fmt.Printf("% 32s flags=% 10s count=% 8d sum=% 16s max=% 16s avg=% 16s\n",
			s.Kind, s.Flags, s.Count, s.Total, s.Max, s.Mean())
	}
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Timeslice file to read")
	sums := fs.Bool("sums", false, "Print per-kind totals instead of every record")
	cpu := fs.Int("cpu", -1, "Only print records from this CPU")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open timeslice file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if *sums {
		stats, err := timeslice.Summarize(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
			os.Exit(1)
		}
		printStats(stats)
		return
	}

	if err := timeslice.ReadAllRecords(f, func(kind string, flags timeslice.SliceFlags, c int, duration time.Duration) error {
		if *cpu >= 0 && c != *cpu {
			return nil
		}
		fmt.Printf("cpu%d %s %s %s\n", c, kind, flags, duration)
		return nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
		os.Exit(1)
	}
}
