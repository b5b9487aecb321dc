// Package schedule runs independent periodic tasks behind a cancellable
// handle. Two tasks never coordinate with each other; each is cancelled on
// its own.
package schedule

import (
	"sync"
	"time"
)

// TickerFunc creates a tick source and its stop function. Tests swap in a
// manual channel.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

type Option func(*Task)

func WithTicker(fn TickerFunc) Option {
	return func(t *Task) {
		if fn != nil {
			t.newTicker = fn
		}
	}
}

// Immediately makes the first run happen on the task goroutine as soon as
// the task starts, without waiting a full interval.
func Immediately() Option {
	return func(t *Task) { t.immediate = true }
}

// Task is the handle of one periodic job.
type Task struct {
	newTicker TickerFunc
	immediate bool
	stop      chan struct{}
	done      chan struct{}
	once      sync.Once

	// guards cancelled: once Cancel returns no new run can begin. A run
	// already in progress is not interrupted.
	mu        sync.Mutex
	cancelled bool
}

// Every calls fn on each tick until Cancel. Ticks that arrive while fn is
// still running are dropped by the ticker, so runs never overlap.
func Every(interval time.Duration, fn func(), opts ...Option) *Task {
	t := &Task{
		newTicker: realTicker,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	ticks, stopTicker := t.newTicker(interval)
	go t.loop(ticks, stopTicker, fn)
	return t
}

func (t *Task) loop(ticks <-chan time.Time, stopTicker func(), fn func()) {
	defer close(t.done)
	defer stopTicker()
	if t.immediate && !t.run(fn) {
		return
	}
	for {
		// cancellation wins over a tick that is ready at the same time
		select {
		case <-t.stop:
			return
		default:
		}
		select {
		case <-t.stop:
			return
		case <-ticks:
			if !t.run(fn) {
				return
			}
		}
	}
}

func (t *Task) run(fn func()) bool {
	t.mu.Lock()
	cancelled := t.cancelled
	t.mu.Unlock()
	if cancelled {
		return false
	}
	fn()
	return true
}

// Cancel stops the task. It is idempotent, never waits for a running fn and
// may be called from inside fn.
func (t *Task) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	t.once.Do(func() { close(t.stop) })
}

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Done is closed once the loop has exited.
func (t *Task) Done() <-chan struct{} { return t.done }
