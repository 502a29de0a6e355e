package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/tinyrange/trapcore/internal/debug"
	"github.com/tinyrange/trapcore/internal/hv/exit"
)

var errLimit = errors.New("limit reached")

func formatEntry(e debug.Entry) string {
	ts := e.Time.Format(time.RFC3339Nano)
	switch e.Kind {
	case debug.KindExit:
		x, err := debug.DecodeExit(e.Payload)
		if err != nil {
			return fmt.Sprintf("%s [%s] <bad exit record: %v>", ts, e.Source, err)
		}
		return fmt.Sprintf("%s [%s] vcpu=%d reason=%s pc=%#x", ts, e.Source, x.VCPU, exit.Reason(x.Reason), x.PC)
	case debug.KindBytes:
		return fmt.Sprintf("%s [%s] % x", ts, e.Source, e.Payload)
	default:
		return fmt.Sprintf("%s [%s] %s", ts, e.Source, e.Payload)
	}
}

func run() error {
	list := flag.Bool("list", false, "list all sources in the log")
	timeRange := flag.Bool("range", false, "print the earliest and latest timestamps")
	exits := flag.Bool("exits", false, "count guest exits per vcpu and reason")
	source := flag.String("source", "", "regex to filter sources")
	match := flag.String("match", "", "regex to filter messages")
	limit := flag.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := flag.Bool("tail", false, "show last N entries instead of first N")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `debug - inspect trapcore trace logs

USAGE:
  debug [flags] <filename>

FLAGS:
  -list          List all unique source names in the log, one per line
  -range         Show earliest/latest timestamps and total duration
  -exits         Summarize guest exit records per vcpu and reason
  -source REGEX  Only show entries where source matches regex
  -match REGEX   Only show entries where the formatted message matches regex
  -limit N       Max entries to print (default: 100, 0 for unlimited)
  -tail          Show last N entries instead of first N

EXAMPLES:
  debug trace.bin                        First 100 entries
  debug -source '^trap$' trace.bin       Host fatal reports only
  debug -exits trace.bin                 Exit counts
  debug -match 'data-abort' -tail trace.bin
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	reader, err := debug.NewReaderFromFile(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("open trace log: %w", err)
	}

	if *list {
		for _, src := range reader.Sources() {
			fmt.Println(src)
		}
		return nil
	}

	if *timeRange {
		earliest, latest := reader.TimeRange()
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\n", earliest, latest, latest.Sub(earliest))
		return nil
	}

	var sourceRe, matchRe *regexp.Regexp
	if *source != "" {
		if sourceRe, err = regexp.Compile(*source); err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
	}
	if *match != "" {
		if matchRe, err = regexp.Compile(*match); err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	var sources []string
	for _, src := range reader.Sources() {
		if sourceRe == nil || sourceRe.MatchString(src) {
			sources = append(sources, src)
		}
	}
	if len(sources) == 0 {
		return nil
	}

	if *exits {
		return printExits(reader, sources)
	}

	var lines []string
	err = reader.Search(debug.SearchOptions{Sources: sources}, func(e debug.Entry) error {
		line := formatEntry(e)
		if matchRe != nil && !matchRe.MatchString(line) {
			return nil
		}
		lines = append(lines, line)
		if *limit > 0 && !*tail && len(lines) == *limit {
			return errLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return fmt.Errorf("read trace log: %w", err)
	}
	if *limit > 0 && *tail && len(lines) > *limit {
		lines = lines[len(lines)-*limit:]
	}

	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func printExits(reader *debug.Reader, sources []string) error {
	type key struct {
		vcpu   uint32
		reason exit.Reason
	}
	counts := make(map[key]int)
	for _, src := range sources {
		recs, err := reader.Exits(src)
		if err != nil {
			return fmt.Errorf("decode exits from %s: %w", src, err)
		}
		for _, rec := range recs {
			counts[key{rec.VCPU, exit.Reason(rec.Reason)}]++
		}
	}

	keys := make([]key, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].vcpu != keys[j].vcpu {
			return keys[i].vcpu < keys[j].vcpu
		}
		return keys[i].reason < keys[j].reason
	})
	for _, k := range keys {
		fmt.Printf("vcpu %-3d %-20s %8d\n", k.vcpu, k.reason, counts[k])
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "debug: %v\n", err)
		os.Exit(1)
	}
}
