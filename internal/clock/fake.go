package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock pinned to the given time. Time stands still
// until Advance or Set is called.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for tests. After waiters fire when
// the clock advances past their deadline.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock is advanced past
// the deadline. If d <= 0, the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.waiters = append(c.waiters, &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	return channel
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline falls within the new time.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	c.fireLocked()
}

// Set jumps the clock to t. t must not be earlier than the current
// fake time.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
	c.fireLocked()
}

func (c *FakeClock) fireLocked() {
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if w.fired {
			continue
		}
		if !w.deadline.After(c.current) {
			w.fired = true
			select {
			case w.channel <- c.current:
			default:
			}
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
}
