// Package billing runs the per-session billing clock: one goroutine per
// active chat session that invokes a tick callback once per interval until
// the session ends, funds run out, or the callback fails.
//
// Time is injected through Clock so tests can drive ticks deterministically
// with FakeClock instead of sleeping.
package billing

import "time"

// Clock abstracts wall time and timers.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
	After(d time.Duration) <-chan time.Time
}

// Ticker is the subset of *time.Ticker the meter uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type systemClock struct{}

// System returns the real clock.
func System() Clock { return systemClock{} }

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (systemClock) NewTicker(d time.Duration) Ticker       { return realTicker{time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
