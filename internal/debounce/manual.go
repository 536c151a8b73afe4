// ABOUTME: Manually advanced Clock implementation for deterministic timer tests
// ABOUTME: Fires due callbacks in deadline order on the goroutine that calls Advance

package debounce

import (
	"sync"
	"time"
)

// ManualClock is a Clock whose time only moves when Advance is called.
// Callbacks run synchronously inside Advance, outside the clock's lock, so they
// may schedule further timers.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers map[uint64]*manualTimer
}

type manualTimer struct {
	clock *ManualClock
	id    uint64
	when  time.Time
	f     func()
}

// NewManualClock creates a manual clock starting at the given time.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{
		now:    start,
		timers: make(map[uint64]*manualTimer),
	}
}

// Now returns the clock's current time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run once the clock has been advanced by d.
func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &manualTimer{
		clock: c,
		id:    c.seq,
		when:  c.now.Add(d),
		f:     f,
	}
	c.timers[t.id] = t
	return t
}

// Stop removes the timer if it has not fired yet.
func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if _, ok := t.clock.timers[t.id]; !ok {
		return false
	}
	delete(t.clock.timers, t.id)
	return true
}

// Advance moves the clock forward by d, firing every timer whose deadline falls
// inside the window in deadline order. Timers scheduled by callbacks are fired
// too if they come due before the end of the window.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		delete(c.timers, next.id)
		if next.when.After(c.now) {
			c.now = next.when
		}
		c.mu.Unlock()

		next.f()
	}
}

// nextDueLocked returns the earliest timer due at or before target. Ties are
// broken by creation order. Must be called with mu held.
func (c *ManualClock) nextDueLocked(target time.Time) *manualTimer {
	var next *manualTimer
	for _, t := range c.timers {
		if t.when.After(target) {
			continue
		}
		if next == nil || t.when.Before(next.when) || (t.when.Equal(next.when) && t.id < next.id) {
			next = t
		}
	}
	return next
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}
