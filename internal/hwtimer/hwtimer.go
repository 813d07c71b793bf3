// Package hwtimer abstracts the free-running hardware counter and
// compare register described in spec.md §6: a monotonic nanosecond
// clock of known frequency, with a compare register whose expiry drives
// the scheduler's slot-boundary interrupt. On the host this is backed
// by the monotonic wall clock rather than a physical counter register.
package hwtimer

import (
	"sync"
	"time"
)

// AssumedFrequencyHz is the nominal counter frequency used to convert
// between counter ticks and nanoseconds on target hardware. The host
// implementation below uses time.Duration directly and only exposes
// this for callers that need to reason about tick-based budgets.
const AssumedFrequencyHz = 24_000_000

// Clock is the monotonic nanosecond time source.
type Clock interface {
	NowNanos() int64
}

// SystemClock backs Clock with the host's monotonic clock, offset so
// that the first call returns 0 -- mirroring "monotonic time starting
// from an unspecified epoch" (spec.md §3).
type SystemClock struct {
	start time.Time
	once  sync.Once
}

// NowNanos returns nanoseconds elapsed since the first call to
// NowNanos on this clock.
func (c *SystemClock) NowNanos() int64 {
	c.once.Do(func() { c.start = time.Now() })
	return time.Since(c.start).Nanoseconds()
}

// CompareTimer emulates the hardware compare-timer-and-IRQ pair: it
// holds a target nanosecond deadline and reports expiry against a
// Clock. There is deliberately no actual interrupt delivery here; the
// scheduler polls Expired() once per slot, after the clip's Entry
// returns, matching the cooperative host harness's lack of a real IRQ
// controller.
type CompareTimer struct {
	clock    Clock
	deadline int64
	armed    bool
}

// NewCompareTimer constructs a CompareTimer reading time from clock.
func NewCompareTimer(clock Clock) *CompareTimer {
	return &CompareTimer{clock: clock}
}

// ArmAfter schedules expiry budgetNanos from now.
func (t *CompareTimer) ArmAfter(budgetNanos int64) {
	t.deadline = t.clock.NowNanos() + budgetNanos
	t.armed = true
}

// Expired reports whether the armed deadline has passed.
func (t *CompareTimer) Expired() bool {
	return t.armed && t.clock.NowNanos() >= t.deadline
}

// Disarm clears the pending deadline.
func (t *CompareTimer) Disarm() {
	t.armed = false
}

// Remaining returns the nanoseconds left until expiry, or 0 if already
// expired or disarmed.
func (t *CompareTimer) Remaining() int64 {
	if !t.armed {
		return 0
	}
	remaining := t.deadline - t.clock.NowNanos()
	if remaining < 0 {
		return 0
	}
	return remaining
}
