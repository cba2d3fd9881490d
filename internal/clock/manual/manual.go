// Package manual provides a settable clock for deterministic tests of
// time-windowed components such as the rate limiter and result cache.
package manual

import (
	"sync"
	"time"
)

// Clock is a goroutine-safe clock that only moves when told to.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// New returns a Clock frozen at start.
func New(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

// Now returns the current frozen time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}
