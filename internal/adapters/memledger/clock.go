package memledger

import (
	"context"
	"sync"
	"time"
)

// ManualClock is a ledger clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock starts a clock at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Time returns the current clock time.
func (c *ManualClock) Time() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Now implements ports.ChainClock.
func (c *ManualClock) Now(context.Context) (time.Time, error) {
	return c.Time(), nil
}
