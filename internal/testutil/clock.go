package testutil

import (
	"sync"
	"time"
)

// DefaultStart is the instant a FakeClock reads when none is given.
var DefaultStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// FakeClock is a settable wall clock for tests.
//
// Unlike time.Now, FakeClock only moves when told to. This lets deferred and
// time-in-state scenarios run with exact, repeatable elapsed durations.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
}

// NewFakeClock creates a clock reading start, in UTC.
// A zero start uses DefaultStart.
func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = DefaultStart
	}
	start = start.UTC()
	return &FakeClock{start: start, now: start}
}

// Now returns the current fake time. Its signature matches time.Now so it can
// be passed wherever a func() time.Time clock is accepted.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Negative durations are ignored,
// so the clock never runs backwards.
func (c *FakeClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// AdvanceDays moves the clock forward by n whole days.
func (c *FakeClock) AdvanceDays(n int) {
	c.Advance(time.Duration(n) * 24 * time.Hour)
}

// Set jumps the clock to t if t is not before the current time.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Before(c.now) {
		return
	}
	c.now = t.UTC()
}

// Reset returns the clock to its start time.
//
// Used for test reuse.
func (c *FakeClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
