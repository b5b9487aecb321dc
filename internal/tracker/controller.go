// Package tracker owns the client side of one tracking session: it samples
// the vehicle position, opens a session at the relay, pushes updates on a
// fixed interval and releases the session on stop or teardown.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/rental-tracking/internal/models"
	"github.com/example/rental-tracking/internal/schedule"
)

const (
	DefaultUpdateInterval = 30 * time.Second
	defaultStopTimeout    = 10 * time.Second
)

var ErrMissingRental = errors.New("missing rental id")

// Relay is the slice of the relay API the controller needs.
type Relay interface {
	Start(ctx context.Context, req models.StartRequest) (models.StartResponse, error)
	Update(ctx context.Context, req models.UpdateRequest) (models.UpdateResponse, error)
	Stop(ctx context.Context, req models.StopRequest) error
}

type Sampler interface {
	Sample(ctx context.Context) (models.Position, error)
}

// Snapshot is a copy of the controller state for display.
type Snapshot struct {
	State             State
	SessionID         string
	RentalID          string
	LastKnownPosition models.Position
	HasPosition       bool
	Updates           uint64
	FailedUpdates     uint64
}

type Option func(*Controller)

func WithUpdateInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		if n != nil {
			c.notifier = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithTicker(fn schedule.TickerFunc) Option {
	return func(c *Controller) { c.ticker = fn }
}

func WithStopTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.stopTimeout = d
		}
	}
}

// Controller drives one session for one rental. It is single use: once
// Stopped, a new Controller is needed to track again.
type Controller struct {
	rentalID    string
	relay       Relay
	sampler     Sampler
	notifier    Notifier
	logger      *slog.Logger
	interval    time.Duration
	stopTimeout time.Duration
	ticker      schedule.TickerFunc

	mu         sync.Mutex
	state      State
	sessionID  string
	last       models.Position
	hasLast    bool
	seq        uint64
	updates    uint64
	failed     uint64
	task       *schedule.Task
	ticking    sync.WaitGroup
	cancelTick context.CancelFunc
	closed     bool // torn down; late results are ignored
	stopDone   chan struct{}
	stopped    bool
	stopErr    error
}

func New(rentalID string, relay Relay, sampler Sampler, opts ...Option) *Controller {
	c := &Controller{
		rentalID:    rentalID,
		relay:       relay,
		sampler:     sampler,
		notifier:    nopNotifier{},
		logger:      slog.Default(),
		interval:    DefaultUpdateInterval,
		stopTimeout: defaultStopTimeout,
		state:       Idle,
		stopDone:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("rental_id", rentalID)
	return c
}

// Start opens the session. Only the first call does anything; later calls,
// concurrent or not, return nil without touching the relay.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return nil
	}
	if c.rentalID == "" {
		c.closed = true
		c.markStoppedLocked()
		c.mu.Unlock()
		c.logger.Error("tracking refused", "error", ErrMissingRental)
		c.notifier.Status(Stopped)
		c.notifier.Abort(ErrMissingRental)
		return ErrMissingRental
	}
	c.state = Starting
	c.mu.Unlock()
	c.notifier.Status(Starting)

	pos, err := c.sampler.Sample(ctx)
	if err != nil {
		return c.abort(fmt.Errorf("initial fix: %w", err))
	}
	resp, err := c.relay.Start(ctx, models.StartRequest{RentalID: c.rentalID, Lat: pos.Lat, Lng: pos.Lng})
	if err != nil {
		return c.abort(fmt.Errorf("start session: %w", err))
	}

	c.mu.Lock()
	if c.closed {
		// torn down while starting: hand the session straight back
		c.sessionID = resp.LocationID
		c.mu.Unlock()
		c.logger.Info("session opened after teardown, releasing", "session_id", resp.LocationID)
		c.dispatchStop(resp.LocationID)
		return nil
	}
	c.sessionID = resp.LocationID
	// a resumed session continues after the last sequence the relay holds
	c.seq = resp.Seq
	c.last = pos
	c.hasLast = true
	c.state = Active
	var topts []schedule.Option
	if c.ticker != nil {
		topts = append(topts, schedule.WithTicker(c.ticker))
	}
	c.task = schedule.Every(c.interval, c.tick, topts...)
	c.mu.Unlock()

	c.logger.Info("tracking active", "session_id", resp.LocationID, "resumed", resp.Resumed, "interval", c.interval.String())
	c.notifier.Status(Active)
	return nil
}

// abort ends a failed Start. A Stop that arrived meanwhile only needs the
// Stopped status; there is nothing to redirect away from.
func (c *Controller) abort(err error) error {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	c.state = Stopped
	c.mu.Unlock()
	if !wasClosed {
		c.logger.Error("tracking aborted", "error", err)
	}
	c.notifier.Status(Stopped)
	if !wasClosed {
		c.notifier.Abort(err)
	}
	c.mu.Lock()
	c.markStoppedLocked()
	c.mu.Unlock()
	return err
}

// tick runs on the schedule goroutine. Sampling always completes before
// the update for the same tick is sent. A stop cancels the running tick and
// waits for it before the relay hears about the stop.
func (c *Controller) tick() {
	c.mu.Lock()
	if c.state != Active {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	c.cancelTick = cancel
	c.ticking.Add(1)
	c.mu.Unlock()
	defer c.ticking.Done()
	defer cancel()

	pos, err := c.sampler.Sample(ctx)
	if err != nil {
		c.tickFailed(fmt.Errorf("sample: %w", err))
		return
	}

	c.mu.Lock()
	if c.state != Active {
		c.mu.Unlock()
		return
	}
	c.seq++
	req := models.UpdateRequest{
		LocationID: c.sessionID,
		RentalID:   c.rentalID,
		Lat:        pos.Lat,
		Lng:        pos.Lng,
		Seq:        c.seq,
	}
	c.mu.Unlock()

	if _, err := c.relay.Update(ctx, req); err != nil {
		c.tickFailed(fmt.Errorf("update: %w", err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.last = pos
	c.hasLast = true
	c.updates++
	c.mu.Unlock()
	c.logger.Debug("position pushed", "session_id", req.LocationID, "seq", req.Seq)
}

func (c *Controller) tickFailed(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.failed++
	c.mu.Unlock()
	c.logger.Warn("tracking update failed", "error", err)
	c.notifier.Warn(err)
}

// beginStop moves the controller out of Active, cancels the timer and the
// running tick before anything touches the network. It reports the session
// to release, if any, and whether a Start is still waiting on the relay.
func (c *Controller) beginStop() (sessionID string, first, starting bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", false, false
	}
	c.closed = true
	if c.task != nil {
		c.task.Cancel()
	}
	if c.cancelTick != nil {
		c.cancelTick()
	}
	switch c.state {
	case Active:
		c.state = Stopping
		return c.sessionID, true, false
	case Starting:
		// Start releases the session once the relay answers.
		c.state = Stopping
		return "", true, true
	default:
		c.markStoppedLocked()
		return "", true, false
	}
}

func (c *Controller) markStoppedLocked() {
	c.state = Stopped
	if !c.stopped {
		c.stopped = true
		close(c.stopDone)
	}
}

// Stop is the explicit user action. It waits for the relay, but the session
// ends locally whatever the relay says.
func (c *Controller) Stop(ctx context.Context) error {
	id, first, starting := c.beginStop()
	if !first {
		<-c.stopDone
		return c.stopResult()
	}
	if id == "" && !starting {
		c.notifier.Status(Stopped)
		return nil
	}
	c.notifier.Status(Stopping)
	ctx, cancel := context.WithTimeout(ctx, c.stopTimeout)
	defer cancel()
	if starting {
		select {
		case <-c.stopDone:
			return c.stopResult()
		case <-ctx.Done():
			// give up waiting; Start still releases the session when it returns
			err := fmt.Errorf("stop while starting: %w", ctx.Err())
			c.finishStop("", err)
			return err
		}
	}
	c.ticking.Wait()
	err := c.relay.Stop(ctx, models.StopRequest{LocationID: id, RentalID: c.rentalID})
	c.finishStop(id, err)
	return err
}

// Close is teardown: the timer is cleared synchronously and the relay stop
// call is dispatched without waiting for it.
func (c *Controller) Close() {
	id, first, _ := c.beginStop()
	if !first || id == "" {
		return
	}
	c.dispatchStop(id)
}

func (c *Controller) dispatchStop(id string) {
	go func() {
		c.ticking.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), c.stopTimeout)
		defer cancel()
		err := c.relay.Stop(ctx, models.StopRequest{LocationID: id, RentalID: c.rentalID})
		c.finishStop(id, err)
	}()
}

// finishStop tells the user before Done fires, so a waiting Stop returns
// with the status already shown.
func (c *Controller) finishStop(id string, err error) {
	c.mu.Lock()
	c.stopErr = err
	c.state = Stopped
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("session stop failed", "session_id", id, "error", err)
	} else {
		c.logger.Info("tracking stopped", "session_id", id)
	}
	c.notifier.Status(Stopped)
	c.mu.Lock()
	c.markStoppedLocked()
	c.mu.Unlock()
}

func (c *Controller) stopResult() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopErr
}

// Done is closed once the controller reached Stopped.
func (c *Controller) Done() <-chan struct{} { return c.stopDone }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:             c.state,
		SessionID:         c.sessionID,
		RentalID:          c.rentalID,
		LastKnownPosition: c.last,
		HasPosition:       c.hasLast,
		Updates:           c.updates,
		FailedUpdates:     c.failed,
	}
}
