package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Decision tells the meter whether to keep ticking.
type Decision int

const (
	// Continue schedules the next tick.
	Continue Decision = iota
	// Stop ends the loop after the current tick.
	Stop
)

// TickFunc runs once per interval. Ticks of one session never overlap.
// Returning Stop or a non-nil error ends the loop; a failed tick is not
// retried.
type TickFunc func(ctx context.Context, at time.Time) (Decision, error)

// ErrMeterClosed is returned by Start after Close.
var ErrMeterClosed = errors.New("billing meter closed")

// Meter starts and supervises session clocks.
type Meter struct {
	clock Clock
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewMeter returns a meter that reads time from clock.
func NewMeter(clock Clock, log zerolog.Logger) *Meter {
	if clock == nil {
		clock = System()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Meter{
		clock:  clock,
		log:    log.With().Str("component", "billing").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Clock returns the meter's time source.
func (m *Meter) Clock() Clock { return m.clock }

// Start begins ticking every interval, first tick one interval from now.
func (m *Meter) Start(sessionID string, interval time.Duration, fn TickFunc) (*Handle, error) {
	return m.StartAfter(sessionID, interval, interval, fn)
}

// StartAfter begins ticking with the first tick after first and every
// interval afterwards. A non-positive first fires immediately; it is used to
// resume sessions whose next tick is already overdue.
func (m *Meter) StartAfter(sessionID string, first, interval time.Duration, fn TickFunc) (*Handle, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("billing: interval must be positive, got %v", interval)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrMeterClosed
	}

	h := &Handle{
		sessionID: sessionID,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	// Arm timers before the goroutine starts so a fake clock sees them
	// as soon as Start returns.
	var (
		firstC <-chan time.Time
		ticker Ticker
	)
	if first == interval {
		ticker = m.clock.NewTicker(interval)
	} else {
		firstC = m.clock.After(first)
	}

	m.wg.Add(1)
	go m.run(h, firstC, ticker, interval, fn)
	return h, nil
}

func (m *Meter) run(h *Handle, firstC <-chan time.Time, ticker Ticker, interval time.Duration, fn TickFunc) {
	defer m.wg.Done()
	defer close(h.done)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	lg := m.log.With().Str("session_id", h.sessionID).Logger()

	if firstC != nil {
		select {
		case <-h.stop:
			return
		case <-m.ctx.Done():
			return
		case at := <-firstC:
			ticker = m.clock.NewTicker(interval)
			if !m.tick(lg, h, fn, at) {
				return
			}
		}
	}

	for {
		select {
		case <-h.stop:
			return
		case <-m.ctx.Done():
			return
		case at := <-ticker.C():
			if !m.tick(lg, h, fn, at) {
				return
			}
		}
	}
}

// tick runs fn once and reports whether the loop should continue.
func (m *Meter) tick(lg zerolog.Logger, h *Handle, fn TickFunc, at time.Time) (cont bool) {
	// Stop wins over a tick that became ready at the same moment.
	select {
	case <-h.stop:
		return false
	default:
	}

	defer func() {
		if r := recover(); r != nil {
			lg.Error().Interface("panic", r).Msg("billing tick panicked; clock stopped")
			cont = false
		}
	}()

	d, err := fn(m.ctx, at)
	if err != nil {
		lg.Error().Err(err).Msg("billing tick failed; clock stopped")
		return false
	}
	return d == Continue
}

// Close stops every running clock and waits for them to exit.
func (m *Meter) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// Handle owns one session's clock.
type Handle struct {
	sessionID string
	stop      chan struct{}
	once      sync.Once
	done      chan struct{}
}

// SessionID returns the session this clock bills.
func (h *Handle) SessionID() string { return h.sessionID }

// Stop cancels the clock. It is idempotent and safe to call from inside the
// tick callback.
func (h *Handle) Stop() {
	h.once.Do(func() { close(h.stop) })
}

// Done is closed once the clock's goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }
