package testutil

import (
	"sync"
	"time"
)

// ManualClock is a deterministic wall clock for tests. It only moves when
// told to, so ledger hashes computed in tests are reproducible.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock reading start (in UTC).
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

// NewUnixClock creates a clock reading sec seconds after the Unix epoch.
func NewUnixClock(sec int64) *ManualClock {
	return NewManualClock(time.Unix(sec, 0))
}

// Now returns the current reading without advancing it.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new reading.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set moves the clock to t. Moving backwards is allowed, which lets tests
// exercise timestamp clamping.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// TickingClock returns a strictly increasing reading on every call,
// step apart. Useful when many appends must not share a timestamp.
type TickingClock struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

// NewTickingClock creates a clock whose first reading is start.
func NewTickingClock(start time.Time, step time.Duration) *TickingClock {
	return &TickingClock{next: start.UTC(), step: step}
}

// Now returns the next reading.
func (c *TickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(c.step)
	return now
}
