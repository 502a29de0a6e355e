// Package debug is a process-wide binary trace log. Trap and exit handlers
// append small records to it from any goroutine without taking a lock: each
// writer reserves its slot by atomically advancing the file offset.
//
// Every record is laid out as
//
//	2 bytes kind
//	2 bytes source length
//	4 bytes payload length
//	8 bytes timestamp (nanoseconds since the Unix epoch)
//	source
//	payload
package debug

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const headerSize = 16

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
	// KindExit payloads are encoded by WriteExit.
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	case KindExit:
		return "exit"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

type Writer interface {
	io.WriterAt
	io.Closer
}

type sink struct {
	w Writer
}

var (
	current atomic.Pointer[sink]
	offset  atomic.Int64
	dropped atomic.Uint64
)

// Open directs the log to w. Any previous writer is replaced without being
// closed, and the error reports that records may have been lost.
func Open(w Writer) error {
	offset.Store(0)
	dropped.Store(0)
	if current.Swap(&sink{w: w}) != nil {
		return fmt.Errorf("debug: already open, discarded old writer")
	}
	return nil
}

// OpenFile truncates filename and logs to it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Memory is an in-memory Writer.
type Memory struct {
	mu  sync.Mutex
	buf []byte
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if end := off + int64(len(p)); end > int64(len(m.buf)) {
		m.buf = append(m.buf, make([]byte, end-int64(len(m.buf)))...)
	}
	return copy(m.buf[off:], p), nil
}

func (m *Memory) Close() error { return nil }

// Bytes returns a copy of everything written so far.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf...)
}

// OpenMemory logs to a fresh Memory.
func OpenMemory() (*Memory, error) {
	mem := &Memory{}
	if err := Open(mem); err != nil {
		return mem, err
	}
	return mem, nil
}

// Close closes the current writer, if any.
func Close() error {
	s := current.Swap(nil)
	offset.Store(0)
	if s == nil {
		return nil
	}
	return s.w.Close()
}

// Enabled reports whether a writer is open. Callers use it to skip
// formatting work.
func Enabled() bool { return current.Load() != nil }

// Dropped reports how many records failed to write since Open.
func Dropped() uint64 { return dropped.Load() }

func encodeHeader(kind Kind, source string, payload []byte, ts time.Time) []byte {
	rec := make([]byte, headerSize+len(source)+len(payload))
	binary.LittleEndian.PutUint16(rec[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(rec[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint64(rec[8:16], uint64(ts.UnixNano()))
	copy(rec[headerSize:], source)
	copy(rec[headerSize+len(source):], payload)
	return rec
}

func decodeHeader(hdr []byte) (kind Kind, sourceLength uint16, payloadLength uint32, ts int64) {
	kind = Kind(binary.LittleEndian.Uint16(hdr[0:2]))
	sourceLength = binary.LittleEndian.Uint16(hdr[2:4])
	payloadLength = binary.LittleEndian.Uint32(hdr[4:8])
	ts = int64(binary.LittleEndian.Uint64(hdr[8:16]))
	return
}

func write(kind Kind, source string, payload []byte) {
	s := current.Load()
	if s == nil {
		return
	}
	if len(source) > 0xffff {
		source = source[:0xffff]
	}

	rec := encodeHeader(kind, source, payload, time.Now())
	off := offset.Add(int64(len(rec))) - int64(len(rec))
	// A failed write leaves a hole; the reader stops at the first invalid
	// header.
	if _, err := s.w.WriteAt(rec, off); err != nil {
		dropped.Add(1)
	}
}

func WriteBytes(source string, data []byte) {
	write(KindBytes, source, data)
}

func Write(source string, data string) {
	write(KindString, source, []byte(data))
}

func Writef(source string, format string, args ...any) {
	if !Enabled() {
		return
	}
	write(KindString, source, fmt.Appendf(nil, format, args...))
}

// Exit is the payload of a KindExit record.
type Exit struct {
	VCPU   uint32
	Reason uint16
	PC     uint64
}

const exitPayloadSize = 16

// WriteExit records that vcpu took an exit for reason at pc.
func WriteExit(source string, e Exit) {
	if !Enabled() {
		return
	}
	var payload [exitPayloadSize]byte
	binary.LittleEndian.PutUint32(payload[0:4], e.VCPU)
	binary.LittleEndian.PutUint16(payload[4:6], e.Reason)
	binary.LittleEndian.PutUint64(payload[8:16], e.PC)
	write(KindExit, source, payload[:])
}

// DecodeExit parses a KindExit payload.
func DecodeExit(payload []byte) (Exit, error) {
	if len(payload) != exitPayloadSize {
		return Exit{}, fmt.Errorf("debug: exit payload is %d bytes, want %d", len(payload), exitPayloadSize)
	}
	return Exit{
		VCPU:   binary.LittleEndian.Uint32(payload[0:4]),
		Reason: binary.LittleEndian.Uint16(payload[4:6]),
		PC:     binary.LittleEndian.Uint64(payload[8:16]),
	}, nil
}

// Source writes every record under a fixed source name.
type Source string

func WithSource(source string) Source { return Source(source) }

func (s Source) WriteBytes(data []byte)            { WriteBytes(string(s), data) }
func (s Source) Write(data string)                 { Write(string(s), data) }
func (s Source) Writef(format string, args ...any) { Writef(string(s), format, args...) }
func (s Source) WriteExit(e Exit)                  { WriteExit(string(s), e) }

