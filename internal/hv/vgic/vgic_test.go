package vgic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/trapcore/internal/hv"
)

func TestTrackerPending(t *testing.T) {
	tr := NewTracker()
	if tr.Pending(TimerVector) {
		t.Fatalf("timer pending on new tracker")
	}
	if _, ok := tr.Next(); ok {
		t.Fatalf("Next on empty tracker")
	}

	for _, v := range []uint32{TimerVector, 64, 1019} {
		if err := tr.Interrupt(v); err != nil {
			t.Fatalf("Interrupt(%d): %v", v, err)
		}
	}
	if err := tr.Interrupt(MaxVector); !errors.Is(err, hv.ErrOutOfRange) {
		t.Fatalf("Interrupt(MaxVector) err = %v", err)
	}

	if next, ok := tr.Next(); !ok || next != TimerVector {
		t.Fatalf("Next = %d %v", next, ok)
	}
	if !tr.Ack(TimerVector) || tr.Ack(TimerVector) {
		t.Fatalf("Ack did not clear exactly once")
	}
	if next, _ := tr.Next(); next != 64 {
		t.Fatalf("Next after ack = %d", next)
	}
	if !tr.Pending(1019) || tr.Pending(1018) {
		t.Fatalf("high vector state wrong")
	}
}

func TestTrackerWait(t *testing.T) {
	tr := NewTracker()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := tr.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait err = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- tr.Wait(context.Background())
	}()
	if err := tr.Interrupt(5); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Wait did not wake")
	}
}

func TestTimerFires(t *testing.T) {
	tr := NewTracker()
	timer := NewTimer(nil)

	timer.Set(time.Now().Add(time.Millisecond), func() {
		_ = tr.Interrupt(TimerVector)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !tr.Pending(TimerVector) {
		t.Fatalf("timer vector not pending")
	}
}

func TestTimerCancel(t *testing.T) {
	timer := NewTimer(nil)
	if timer.Cancel() {
		t.Fatalf("Cancel on idle timer returned true")
	}

	fired := make(chan struct{}, 2)
	timer.Set(time.Now().Add(time.Hour), func() { fired <- struct{}{} })
	timer.Set(time.Now().Add(2*time.Hour), func() { fired <- struct{}{} })
	if !timer.Cancel() {
		t.Fatalf("Cancel on armed timer returned false")
	}
	select {
	case <-fired:
		t.Fatalf("cancelled timer fired")
	case <-time.After(10 * time.Millisecond):
	}
}
