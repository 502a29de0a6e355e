// Package hostclock reads the host monotonic clock and converts between
// architectural counter ticks and host time.
package hostclock

import (
	"fmt"
	"math/bits"
	"time"
)

// DefaultFrequency is the counter frequency of most arm64 virtual platforms.
const DefaultFrequency = 62_500_000

const nanosPerSecond = uint64(time.Second)

// Clock maps counter ticks onto host time. Tick zero corresponds to zero on
// the host monotonic clock.
type Clock struct {
	freq uint64

	// Monotonic nanoseconds and wall time sampled together at creation.
	baseMono uint64
	baseTime time.Time
}

// New creates a clock whose counter runs at freq Hz.
func New(freq uint64) (*Clock, error) {
	if freq == 0 || freq > nanosPerSecond {
		return nil, fmt.Errorf("hostclock: unsupported counter frequency %d", freq)
	}
	mono, err := monotonicNanos()
	if err != nil {
		return nil, fmt.Errorf("hostclock: read monotonic clock: %w", err)
	}
	return &Clock{freq: freq, baseMono: mono, baseTime: time.Now()}, nil
}

func (c *Clock) Frequency() uint64 { return c.freq }

// Now returns the current host time.
func (c *Clock) Now() time.Time {
	mono, err := monotonicNanos()
	if err != nil {
		return time.Now()
	}
	return c.monoToTime(mono)
}

// Counter returns the current counter value.
func (c *Clock) Counter() uint64 {
	mono, err := monotonicNanos()
	if err != nil {
		return 0
	}
	return NanosToTicks(mono, c.freq)
}

// CounterToTime converts a counter value, such as a compare value written
// by a guest, to the host time at which the counter reaches it.
func (c *Clock) CounterToTime(ticks uint64) time.Time {
	return c.monoToTime(TicksToNanos(ticks, c.freq))
}

func (c *Clock) monoToTime(mono uint64) time.Time {
	if mono >= c.baseMono {
		return c.baseTime.Add(clampDuration(mono - c.baseMono))
	}
	return c.baseTime.Add(-clampDuration(c.baseMono - mono))
}

func clampDuration(ns uint64) time.Duration {
	if ns > uint64(1<<63-1) {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(ns)
}

// TicksToNanos converts ticks at freq Hz to nanoseconds, saturating on
// overflow.
func TicksToNanos(ticks, freq uint64) uint64 {
	return mulDiv(ticks, nanosPerSecond, freq)
}

// NanosToTicks converts nanoseconds to ticks at freq Hz, saturating on
// overflow.
func NanosToTicks(ns, freq uint64) uint64 {
	return mulDiv(ns, freq, nanosPerSecond)
}

func mulDiv(a, b, d uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= d {
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, d)
	return q
}
