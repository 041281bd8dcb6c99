// Package clock abstracts wall-clock time so timed waits can run on virtual time in tests.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time and timed waits.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

// Real returns the system clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake provides deterministic time control for unit tests. Timers created by
// After fire when Advance or Set moves the clock past their deadline.
type Fake struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	target time.Time
	ch     chan time.Time
}

// NewFake constructs a fake clock initialized to the provided time.
func NewFake(start time.Time) *Fake {
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	c := &Fake{mu: sync.Mutex{}, cond: nil, now: start, waiters: nil}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Now returns the current fake time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance increments the fake time by the provided duration.
func (c *Fake) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
	c.fireLocked()
}

// Set moves the fake time to t.
func (c *Fake) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
	c.fireLocked()
}

// After returns a channel that receives once the fake clock advances by the duration.
// A non-positive duration fires immediately. Abandoned timers are dropped once
// the clock passes them.
func (c *Fake) After(delta time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if delta <= 0 {
		ch <- c.now
		close(ch)
		return ch
	}
	c.waiters = append(c.waiters, fakeWaiter{target: c.now.Add(delta), ch: ch})
	c.cond.Broadcast()
	return ch
}

// Waiters reports the number of timers not yet fired.
func (c *Fake) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// BlockUntil returns once at least n timers are pending.
func (c *Fake) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.cond.Wait()
	}
}

func (c *Fake) fireLocked() {
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if c.now.Before(w.target) {
			pending = append(pending, w)
			continue
		}
		w.ch <- c.now
		close(w.ch)
	}
	for i := len(pending); i < len(c.waiters); i++ {
		c.waiters[i] = fakeWaiter{}
	}
	c.waiters = pending
}
