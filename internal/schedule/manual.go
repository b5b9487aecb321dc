package schedule

import (
	"sync"
	"time"
)

// Manual is a hand-driven tick source for tests and simulations.
type Manual struct {
	mu      sync.Mutex
	c       chan time.Time
	stopped bool
	periods []time.Duration
}

func NewManual() *Manual {
	return &Manual{c: make(chan time.Time)}
}

// Func plugs the manual source into Every via WithTicker.
func (m *Manual) Func() TickerFunc {
	return func(d time.Duration) (<-chan time.Time, func()) {
		m.mu.Lock()
		m.periods = append(m.periods, d)
		m.mu.Unlock()
		return m.c, func() {
			m.mu.Lock()
			m.stopped = true
			m.mu.Unlock()
		}
	}
}

// Tick hands one tick to the task loop. It reports false when no loop took
// the tick within wait, e.g. because the task was cancelled.
func (m *Manual) Tick(wait time.Duration) bool {
	select {
	case m.c <- time.Now():
		return true
	case <-time.After(wait):
		return false
	}
}

// Stopped reports whether the task released its ticker.
func (m *Manual) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Periods lists the intervals requested so far.
func (m *Manual) Periods() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.periods...)
}
