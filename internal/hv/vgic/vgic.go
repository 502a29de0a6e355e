// Package vgic tracks the virtual interrupts pending on a vCPU and provides
// the one-shot virtual timer that raises them.
package vgic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tinyrange/trapcore/internal/hv"
	"gvisor.dev/gvisor/pkg/bits"
)

// MaxVector is one past the largest interrupt ID a tracker can hold.
const MaxVector = 1020

// TimerVector is the PPI wired to the EL1 virtual timer.
const TimerVector = 27

// Tracker is the pending interrupt set of a single vCPU. Interrupt may be
// called from any goroutine, including timer callbacks.
type Tracker struct {
	mu      sync.Mutex
	pending [(MaxVector + 63) / 64]uint64

	// wake is closed and replaced each time an interrupt is raised.
	wake chan struct{}
}

func NewTracker() *Tracker {
	return &Tracker{wake: make(chan struct{})}
}

func checkVector(vector uint32) error {
	if vector >= MaxVector {
		return fmt.Errorf("vgic: vector %d out of range: %w", vector, hv.ErrOutOfRange)
	}
	return nil
}

// Interrupt marks vector pending and wakes any waiter.
func (t *Tracker) Interrupt(vector uint32) error {
	if err := checkVector(vector); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending[vector/64] |= bits.MaskOf64(int(vector % 64))
	close(t.wake)
	t.wake = make(chan struct{})
	return nil
}

// Pending reports whether vector is pending.
func (t *Tracker) Pending(vector uint32) bool {
	if checkVector(vector) != nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return bits.IsOn64(t.pending[vector/64], bits.MaskOf64(int(vector%64)))
}

// Ack clears vector and reports whether it was pending.
func (t *Tracker) Ack(vector uint32) bool {
	if checkVector(vector) != nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	mask := bits.MaskOf64(int(vector % 64))
	was := bits.IsOn64(t.pending[vector/64], mask)
	t.pending[vector/64] &^= mask
	return was
}

// Next returns the lowest pending vector.
func (t *Tracker) Next() (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, word := range t.pending {
		if word != 0 {
			return uint32(i*64 + bits.TrailingZeros64(word)), true
		}
	}
	return 0, false
}

func (t *Tracker) anyPending() bool {
	for _, word := range t.pending {
		if word != 0 {
			return true
		}
	}
	return false
}

// Wait blocks until an interrupt is pending or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.anyPending() {
			t.mu.Unlock()
			return nil
		}
		wake := t.wake
		t.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Timer is a one-shot deadline timer. Setting it again replaces the
// previous deadline.
type Timer struct {
	mu    sync.Mutex
	timer *time.Timer
	now   func() time.Time
}

// NewTimer creates a timer that measures deadlines against now. A nil now
// uses time.Now.
func NewTimer(now func() time.Time) *Timer {
	if now == nil {
		now = time.Now
	}
	return &Timer{now: now}
}

// Set arms the timer to call fn at deadline.
func (t *Timer) Set(deadline time.Time, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(deadline.Sub(t.now()), fn)
}

// Cancel disarms the timer and reports whether it was still armed.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer == nil {
		return false
	}
	stopped := t.timer.Stop()
	t.timer = nil
	return stopped
}
