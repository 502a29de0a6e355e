// Package trapmap tracks guest physical address ranges that the monitor
// wants to observe, and the ports their doorbell events are delivered to.
package trapmap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/tinyrange/trapcore/internal/hv"
	"github.com/tinyrange/trapcore/internal/hv/packet"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Kind selects how an access to a trapped range is reported.
type Kind uint32

const (
	// KindBell notifies the port of a write without replaying it.
	KindBell Kind = iota + 1
	// KindMem hands the full access back to the run loop for replay.
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindBell:
		return "bell"
	case KindMem:
		return "mem"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// ErrPortFull is returned when a port cannot accept another packet.
var ErrPortFull = errors.New("trapmap: port full")

// Port is a bounded packet queue shared by any number of traps.
type Port struct {
	packets chan packet.Packet
}

// NewPort creates a port that buffers up to depth packets.
func NewPort(depth int) *Port {
	return &Port{packets: make(chan packet.Packet, depth)}
}

// Queue enqueues p without blocking.
func (p *Port) Queue(pkt packet.Packet) error {
	select {
	case p.packets <- pkt:
		return nil
	default:
		return ErrPortFull
	}
}

// Receive blocks until a packet is available or ctx is done.
func (p *Port) Receive(ctx context.Context) (packet.Packet, error) {
	select {
	case pkt := <-p.packets:
		return pkt, nil
	case <-ctx.Done():
		return packet.Packet{}, ctx.Err()
	}
}

// Len reports the number of queued packets.
func (p *Port) Len() int { return len(p.packets) }

// Trap is a registered range.
type Trap struct {
	kind Kind
	rng  hostarch.AddrRange
	key  uint64
	port *Port
}

// NewTrap builds a trap without registering it, for registries other than
// TrapMap. It does not validate kind or range.
func NewTrap(kind Kind, rng hostarch.AddrRange, port *Port, key uint64) *Trap {
	return &Trap{kind: kind, rng: rng, key: key, port: port}
}

func (t *Trap) Kind() Kind                { return t.kind }
func (t *Trap) Key() uint64               { return t.key }
func (t *Trap) Range() hostarch.AddrRange { return t.rng }
func (t *Trap) HasPort() bool             { return t.port != nil }

// Queue delivers pkt to the trap's port.
func (t *Trap) Queue(pkt packet.Packet) error {
	if t.port == nil {
		return fmt.Errorf("trapmap: trap %#x has no port: %w", t.key, hv.ErrBadState)
	}
	return t.port.Queue(pkt)
}

func lessTrap(a, b *Trap) bool {
	return a.rng.Start < b.rng.Start
}

// TrapMap is safe for concurrent use by every vCPU of a guest.
type TrapMap struct {
	mu    sync.RWMutex
	traps *btree.BTreeG[*Trap]
}

func New() *TrapMap {
	return &TrapMap{
		traps: btree.NewG(8, lessTrap),
	}
}

// InsertTrap registers [addr, addr+size). Ranges must be page aligned and
// must not overlap an existing trap. Memory traps are replayed by the run
// loop and therefore cannot carry a port.
func (m *TrapMap) InsertTrap(kind Kind, addr, size uint64, port *Port, key uint64) error {
	switch kind {
	case KindBell:
	case KindMem:
		if port != nil {
			return fmt.Errorf("trapmap: mem trap cannot have a port: %w", hv.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("trapmap: unknown trap kind %s: %w", kind, hv.ErrInvalidArgument)
	}

	start := hostarch.Addr(addr)
	rng, ok := start.ToRange(size)
	if !ok || size == 0 {
		return fmt.Errorf("trapmap: invalid range %#x+%#x: %w", addr, size, hv.ErrInvalidArgument)
	}
	if !start.IsPageAligned() || !hostarch.Addr(size).IsPageAligned() {
		return fmt.Errorf("trapmap: range %#x+%#x is not page aligned: %w", addr, size, hv.ErrInvalidArgument)
	}

	trap := NewTrap(kind, rng, port, key)

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev := m.floor(rng.End - 1); prev != nil && prev.rng.Overlaps(rng) {
		return fmt.Errorf("trapmap: %#x+%#x overlaps trap %#x: %w", addr, size, prev.key, hv.ErrAlreadyExists)
	}

	m.traps.ReplaceOrInsert(trap)
	return nil
}

// RemoveTrap unregisters the trap that starts at addr.
func (m *TrapMap) RemoveTrap(addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.traps.Delete(&Trap{rng: hostarch.AddrRange{Start: hostarch.Addr(addr)}}); !ok {
		return fmt.Errorf("trapmap: no trap at %#x: %w", addr, hv.ErrNotFound)
	}
	return nil
}

// FindTrap returns the trap containing addr. Bell and mem traps share one
// address space, so a lookup for either kind may return a trap of the
// other kind; the caller dispatches on Trap.Kind.
func (m *TrapMap) FindTrap(kind Kind, addr uint64) (*Trap, error) {
	if kind != KindBell && kind != KindMem {
		return nil, fmt.Errorf("trapmap: unknown trap kind %s: %w", kind, hv.ErrInvalidArgument)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	trap := m.floor(hostarch.Addr(addr))
	if trap == nil || !trap.rng.Contains(hostarch.Addr(addr)) {
		return nil, fmt.Errorf("trapmap: no trap at %#x: %w", addr, hv.ErrNotFound)
	}
	return trap, nil
}

// floor returns the trap with the greatest start address <= addr.
func (m *TrapMap) floor(addr hostarch.Addr) *Trap {
	var found *Trap
	m.traps.DescendLessOrEqual(&Trap{rng: hostarch.AddrRange{Start: addr}}, func(t *Trap) bool {
		found = t
		return false
	})
	return found
}

// Len reports the number of registered traps.
func (m *TrapMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.traps.Len()
}
