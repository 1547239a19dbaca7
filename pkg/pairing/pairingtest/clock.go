// Package pairingtest provides a manually advanced clock for pairing tests.
package pairingtest

import (
	"sort"
	"sync"
	"time"

	"github.com/kclink/kclink-go/pkg/pairing"
)

// Clock is a pairing.Clock whose time only moves when Advance is called.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*Timer // not yet fired or stopped
	created []*Timer
}

// NewClock returns a clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

// Now implements pairing.Clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc implements pairing.Clock.
func (c *Clock) AfterFunc(d time.Duration, f func()) pairing.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &Timer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	c.created = append(c.created, t)
	return t
}

// Advance moves time forward by d and runs every timer that came due, in
// deadline order, on the calling goroutine.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now

	var due []*Timer
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if t.stopped {
			continue
		}
		if !t.at.After(now) {
			t.fired = true
			due = append(due, t)
			continue
		}
		remaining = append(remaining, t)
	}
	c.timers = remaining
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the number of timers that have neither fired nor stopped.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Timer is a timer created by Clock.
type Timer struct {
	clock   *Clock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
	stops   int
}

// Stop implements pairing.Timer.
func (t *Timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stops++
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Stops returns how many times Stop was called.
func (t *Timer) Stops() int {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.stops
}

// Fire runs the callback even if the timer was stopped, simulating a fire
// that raced with Stop.
func (t *Timer) Fire() {
	t.f()
}

// Timers returns every timer created so far, in creation order.
func (c *Clock) Timers() []*Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Timer(nil), c.created...)
}
