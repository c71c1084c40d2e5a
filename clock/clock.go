// Package clock is the time source for every cooldown, block timestamp and
// autosave stamp. Tests pin it and move it by hand.
package clock

import (
	"sync"
	"time"
)

// Clock reads the system time until it is pinned with Set or Advance.
// A zero Clock is ready to use.
type Clock struct {
	mu     sync.Mutex
	pinned *time.Time
}

// Set pins the clock at t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.pinned = &t
	c.mu.Unlock()
}

// Advance moves the clock forward by d, pinning it first if needed.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := time.Now()
	if c.pinned != nil {
		base = *c.pinned
	}
	next := base.Add(d)
	c.pinned = &next
}

// Sync unpins the clock.
func (c *Clock) Sync() {
	c.mu.Lock()
	c.pinned = nil
	c.mu.Unlock()
}

func (c *Clock) Time() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned == nil {
		return time.Now()
	}
	return *c.pinned
}

// UnixMilli is the timestamp unit of transactions and blocks.
func (c *Clock) UnixMilli() int64 {
	return c.Time().UnixMilli()
}
