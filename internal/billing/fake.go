package billing

import (
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. Tickers and After channels fire
// only from Advance, with the same drop-if-full semantics as time.Ticker.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	clock   *FakeClock
	next    time.Time
	period  time.Duration // zero for one-shot After channels
	c       chan time.Time
	stopped bool
}

// NewFakeClock returns a clock frozen at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewTicker registers a periodic waiter.
func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &fakeWaiter{clock: c, next: c.now.Add(d), period: d, c: make(chan time.Time, 1)}
	c.waiters = append(c.waiters, w)
	return w
}

// After registers a one-shot waiter. A non-positive d fires immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &fakeWaiter{clock: c, next: c.now.Add(d), c: make(chan time.Time, 1)}
	if d <= 0 {
		w.c <- c.now
		w.stopped = true
		return w.c
	}
	c.waiters = append(c.waiters, w)
	return w.c
}

// Advance moves time forward and fires every waiter that came due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)

	live := c.waiters[:0]
	for _, w := range c.waiters {
		for !w.stopped && !w.next.After(c.now) {
			select {
			case w.c <- w.next:
			default:
			}
			if w.period == 0 {
				w.stopped = true
				break
			}
			w.next = w.next.Add(w.period)
		}
		if !w.stopped {
			live = append(live, w)
		}
	}
	c.waiters = live
}

// Waiters returns the number of armed tickers and timers.
func (c *FakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}

func (w *fakeWaiter) C() <-chan time.Time { return w.c }

func (w *fakeWaiter) Stop() {
	w.clock.mu.Lock()
	defer w.clock.mu.Unlock()
	w.stopped = true
}
