package debug

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// Entry is one decoded record.
type Entry struct {
	Time    time.Time
	Kind    Kind
	Source  string
	Payload []byte
}

type SearchOptions struct {
	// Start and End bound the timestamps returned. Zero means unbounded.
	Start time.Time
	End   time.Time

	// Limit keeps only the first Limit matching entries when positive.
	Limit int

	// Sources keeps only entries written under one of the given sources.
	Sources []string
}

func (o SearchOptions) match(e *Entry, sources map[string]struct{}) bool {
	if len(sources) > 0 {
		if _, ok := sources[e.Source]; !ok {
			return false
		}
	}
	if !o.Start.IsZero() && e.Time.Before(o.Start) {
		return false
	}
	if !o.End.IsZero() && e.Time.After(o.End) {
		return false
	}
	return true
}

// Reader holds a decoded log in timestamp order.
type Reader struct {
	entries []Entry
	sources []string
}

// NewReader decodes every record in r. Decoding stops cleanly at the end of
// the stream or at a zeroed header left by an unfinished write.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	ret := &Reader{}
	seen := make(map[string]struct{})

	var hdr [headerSize]byte
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("debug: read header: %w", err)
		}
		kind, sourceLength, payloadLength, ts := decodeHeader(hdr[:])
		if kind == KindInvalid {
			break
		}

		body := make([]byte, int(sourceLength)+int(payloadLength))
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, fmt.Errorf("debug: read record body: %w", err)
		}

		source := string(body[:sourceLength])
		if _, ok := seen[source]; !ok {
			seen[source] = struct{}{}
			ret.sources = append(ret.sources, source)
		}
		ret.entries = append(ret.entries, Entry{
			Time:    time.Unix(0, ts),
			Kind:    kind,
			Source:  source,
			Payload: body[sourceLength:],
		})
	}

	sort.SliceStable(ret.entries, func(i, j int) bool {
		return ret.entries[i].Time.Before(ret.entries[j].Time)
	})
	return ret, nil
}

// NewReaderFromFile decodes the log stored in filename.
func NewReaderFromFile(filename string) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("debug: open log: %w", err)
	}
	defer f.Close()
	return NewReader(f)
}

// Sources returns every source in order of first appearance in the file.
func (r *Reader) Sources() []string {
	return append([]string(nil), r.sources...)
}

// TimeRange returns the earliest and latest timestamps in the log.
func (r *Reader) TimeRange() (time.Time, time.Time) {
	if len(r.entries) == 0 {
		return time.Time{}, time.Time{}
	}
	return r.entries[0].Time, r.entries[len(r.entries)-1].Time
}

// Search calls fn for every matching entry in timestamp order.
func (r *Reader) Search(opts SearchOptions, fn func(e Entry) error) error {
	sources := make(map[string]struct{}, len(opts.Sources))
	for _, s := range opts.Sources {
		sources[s] = struct{}{}
	}

	n := 0
	for i := range r.entries {
		if !opts.match(&r.entries[i], sources) {
			continue
		}
		if opts.Limit > 0 && n >= opts.Limit {
			return nil
		}
		n++
		if err := fn(r.entries[i]); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of entries Search would visit.
func (r *Reader) Count(opts SearchOptions) int {
	n := 0
	_ = r.Search(opts, func(Entry) error {
		n++
		return nil
	})
	return n
}

// Exits decodes every KindExit entry written under source.
func (r *Reader) Exits(source string) ([]Exit, error) {
	var ret []Exit
	err := r.Search(SearchOptions{Sources: []string{source}}, func(e Entry) error {
		if e.Kind != KindExit {
			return nil
		}
		exit, err := DecodeExit(e.Payload)
		if err != nil {
			return err
		}
		ret = append(ret, exit)
		return nil
	})
	return ret, err
}
