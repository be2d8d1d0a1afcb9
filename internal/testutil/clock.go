// Package testutil provides deterministic test doubles for the sync engine:
// a controllable wall clock and an in-memory snapshot backend.
package testutil

import (
	"sync"
	"time"
)

// Clock is a thread-safe controllable wall clock for tests.
//
// Stores and operations take a `func() time.Time`; pass Clock.Now and drive
// time explicitly with Advance to make trimming and timestamp assertions
// deterministic.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock frozen at the given instant.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current frozen instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to a specific instant.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
