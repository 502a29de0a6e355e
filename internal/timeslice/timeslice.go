// Package timeslice records how long each CPU spends in interrupt handlers
// and guest exit handlers. Records are streamed to a single process-wide
// writer and can be read back or summarised per kind.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

const pageSize = 4096

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

type KindID uint32

const InvalidKind = KindID(0)

type SliceFlags uint32

const (
	// SliceFlagHostIRQ marks time spent in a host interrupt handler.
	SliceFlagHostIRQ SliceFlags = 1 << iota
	// SliceFlagGuestExit marks time spent handling a guest exit.
	SliceFlagGuestExit
	// SliceFlagFatal marks the path that ends in a halt.
	SliceFlagFatal
)

func (f SliceFlags) String() string {
	flags := []string{}
	if f&SliceFlagHostIRQ != 0 {
		flags = append(flags, "irq")
	}
	if f&SliceFlagGuestExit != 0 {
		flags = append(flags, "exit")
	}
	if f&SliceFlagFatal != 0 {
		flags = append(flags, "fatal")
	}
	return strings.Join(flags, ",")
}

type KindInfo struct {
	Name  string
	Flags SliceFlags
}

var (
	kindsMu sync.Mutex
	kinds   = make(map[KindID]KindInfo)
)

// RegisterKind allocates an ID for a named kind. Call it from package
// initialisation; kinds registered after Open are not described in the
// stream header.
func RegisterKind(name string, flags SliceFlags) KindID {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	id := KindID(len(kinds) + 1)
	kinds[id] = KindInfo{Name: name, Flags: flags}
	return id
}

type record struct {
	Kind     KindID
	CPU      uint32
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w       io.Writer
	records chan record
	done    chan error
}

func (w *writer) run() {
	defer close(w.done)

	buf := make([]byte, pageSize)
	off := 0

	flush := func() error {
		if off == 0 {
			return nil
		}
		_, err := w.w.Write(buf[:off])
		off = 0
		return err
	}

	for rec := range w.records {
		if off+recordSize > len(buf) {
			if err := flush(); err != nil {
				w.done <- err
				// Drain so Record never blocks on a dead writer.
				for range w.records {
				}
				return
			}
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(rec.Kind))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], rec.CPU)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(rec.Duration))
		off += recordSize
	}

	w.done <- flush()
}

func (w *writer) Close() error {
	if !current.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}

	close(w.records)

	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}
	return nil
}

var current atomic.Pointer[writer]

// Enabled reports whether a writer is open.
func Enabled() bool { return current.Load() != nil }

// Record appends one measurement for cpu. It is a no-op when no writer is
// open.
func Record(kind KindID, cpu int, duration time.Duration) {
	if w := current.Load(); w != nil {
		w.records <- record{Kind: kind, CPU: uint32(cpu), Duration: duration.Nanoseconds()}
	}
}

// Recorder measures consecutive intervals on one CPU. It is not safe for
// concurrent use.
type Recorder struct {
	cpu  int
	last time.Time
}

func NewRecorder(cpu int) *Recorder {
	return &Recorder{cpu: cpu, last: time.Now()}
}

// Start resets the interval origin.
func (r *Recorder) Start() { r.last = time.Now() }

// Record closes the current interval under kind and starts the next one.
func (r *Recorder) Record(kind KindID) time.Duration {
	now := time.Now()
	duration := now.Sub(r.last)
	r.last = now
	Record(kind, r.cpu, duration)
	return duration
}

// Open starts streaming records to w. Only one writer may be open at a time.
func Open(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, fmt.Errorf("timeslice: already open")
	}

	kindsMu.Lock()
	described, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(described)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(described); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}

	// Records start on a page boundary.
	off := binary.Size(header{}) + len(described)
	if pad := padding(off); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	wr := &writer{
		w:       w,
		records: make(chan record, pageSize),
		done:    make(chan error, 1),
	}
	if !current.CompareAndSwap(nil, wr) {
		return nil, fmt.Errorf("timeslice: already open")
	}
	go wr.run()

	return wr, nil
}

func padding(off int) int {
	if off%pageSize == 0 {
		return 0
	}
	return pageSize - off%pageSize
}

// ReadAllRecords calls fn for every record in a stream produced by Open.
func ReadAllRecords(r io.Reader, fn func(kind string, flags SliceFlags, cpu int, duration time.Duration) error) error {
	buf := bufio.NewReaderSize(r, pageSize)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic %#x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var described map[KindID]KindInfo
	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsLength)))
	if err := dec.Decode(&described); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	if pad := padding(int(hdr.KindsLength) + binary.Size(hdr)); pad > 0 {
		if _, err := buf.Discard(pad); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		info, ok := described[rec.Kind]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.Kind)
		}
		if err := fn(info.Name, info.Flags, int(rec.CPU), time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}

// Stats aggregates the records of one kind.
type Stats struct {
	Kind  string
	Flags SliceFlags
	Count int
	Total time.Duration
	Max   time.Duration
}

func (s Stats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Summarize reads a stream and returns per-kind statistics sorted by total
// time, largest first.
func Summarize(r io.Reader) ([]Stats, error) {
	byKind := make(map[string]*Stats)
	if err := ReadAllRecords(r, func(kind string, flags SliceFlags, _ int, d time.Duration) error {
		s, ok := byKind[kind]
		if !ok {
			s = &Stats{Kind: kind, Flags: flags}
			byKind[kind] = s
		}
		s.Count++
		s.Total += d
		s.Max = max(s.Max, d)
		return nil
	}); err != nil {
		return nil, err
	}

	ret := make([]Stats, 0, len(byKind))
	for _, s := range byKind {
		ret = append(ret, *s)
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Total != ret[j].Total {
			return ret[i].Total > ret[j].Total
		}
		return ret[i].Kind < ret[j].Kind
	})
	return ret, nil
}
