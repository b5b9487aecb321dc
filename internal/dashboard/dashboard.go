// Package dashboard keeps the admin fleet map state: a periodically
// refreshed snapshot of tracked vehicles, their active/inactive status and
// the current selection.
package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/rental-tracking/internal/models"
	"github.com/example/rental-tracking/internal/schedule"
)

const (
	DefaultPollInterval = 4 * time.Second
	DefaultStaleAfter   = 10 * time.Minute
)

// ErrStaleDataOnly marks a view built from the last good snapshot after the
// latest fetch failed.
var ErrStaleDataOnly = errors.New("showing last known positions")

type Fetcher interface {
	List(ctx context.Context) ([]models.TrackedPosition, error)
}

// IsActive reports whether a vehicle reported within threshold of now.
// Exactly threshold old counts as inactive.
func IsActive(ts, now time.Time, threshold time.Duration) bool {
	return now.Sub(ts) < threshold
}

type Option func(*Dashboard)

func WithPollInterval(d time.Duration) Option {
	return func(db *Dashboard) {
		if d > 0 {
			db.interval = d
		}
	}
}

func WithStaleAfter(d time.Duration) Option {
	return func(db *Dashboard) {
		if d > 0 {
			db.staleAfter = d
		}
	}
}

func WithTicker(fn schedule.TickerFunc) Option {
	return func(db *Dashboard) { db.ticker = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(db *Dashboard) {
		if l != nil {
			db.logger = l
		}
	}
}

// WithOnRefresh registers a callback run after every poll, successful or not.
func WithOnRefresh(fn func(error)) Option {
	return func(db *Dashboard) { db.onRefresh = fn }
}

type Dashboard struct {
	fetcher    Fetcher
	interval   time.Duration
	staleAfter time.Duration
	ticker     schedule.TickerFunc
	logger     *slog.Logger
	onRefresh  func(error)

	mu          sync.RWMutex
	vehicles    []models.TrackedPosition
	lastErr     error
	lastSuccess time.Time
	selectedID  string
	task        *schedule.Task
	cancel      context.CancelFunc
}

func New(fetcher Fetcher, opts ...Option) *Dashboard {
	d := &Dashboard{
		fetcher:    fetcher,
		interval:   DefaultPollInterval,
		staleAfter: DefaultStaleAfter,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start fetches once right away, then on every poll interval until Stop.
// Calling Start on a running dashboard does nothing.
func (d *Dashboard) Start(ctx context.Context) {
	d.mu.Lock()
	if d.task != nil {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	// the first fetch runs on the task goroutine so it never overlaps a tick
	topts := []schedule.Option{schedule.Immediately()}
	if d.ticker != nil {
		topts = append(topts, schedule.WithTicker(d.ticker))
	}
	d.task = schedule.Every(d.interval, func() { _ = d.Refresh(ctx) }, topts...)
	d.mu.Unlock()
}

// Stop cancels the poll. Safe to call more than once.
func (d *Dashboard) Stop() {
	d.mu.Lock()
	task, cancel := d.task, d.cancel
	d.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
	if cancel != nil {
		cancel()
	}
}

// Refresh fetches the tracked set and replaces the snapshot wholesale. On
// failure the previous snapshot stays in place.
func (d *Dashboard) Refresh(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, d.interval)
	defer cancel()
	list, err := d.fetcher.List(fetchCtx)

	d.mu.Lock()
	if err != nil {
		d.lastErr = err
		kept := len(d.vehicles)
		d.mu.Unlock()
		d.logger.Warn("fleet refresh failed", "error", err, "kept", kept)
	} else {
		next := make([]models.TrackedPosition, len(list))
		copy(next, list)
		d.vehicles = next
		d.lastErr = nil
		d.lastSuccess = time.Now()
		if d.selectedID != "" && indexOf(next, d.selectedID) < 0 {
			d.selectedID = ""
		}
		d.mu.Unlock()
	}
	if d.onRefresh != nil {
		d.onRefresh(err)
	}
	return err
}

// Select marks a vehicle as selected. It reports false, and leaves the
// selection alone, when the id is not in the current snapshot.
func (d *Dashboard) Select(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if indexOf(d.vehicles, id) < 0 {
		return false
	}
	d.selectedID = id
	return true
}

func (d *Dashboard) ClearSelection() {
	d.mu.Lock()
	d.selectedID = ""
	d.mu.Unlock()
}

// Vehicle is one marker on the map.
type Vehicle struct {
	models.TrackedPosition
	Active   bool `json:"active"`
	Selected bool `json:"selected"`
}

// View is everything needed to draw the dashboard at one instant.
type View struct {
	Vehicles    []Vehicle
	Selected    *Vehicle
	Center      *models.Position
	ActiveCount int
	// Err is the latest fetch error, nil after a good fetch.
	Err error
	// ErrorVisible: nothing to show and fetching fails.
	ErrorVisible bool
	// Stale: showing the last good snapshot while fetching fails.
	Stale       bool
	LastSuccess time.Time
}

// View derives the render state for now. Active flags are recomputed on
// every call, so staleness needs no timer of its own.
func (d *Dashboard) View(now time.Time) View {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v := View{
		Vehicles:    make([]Vehicle, 0, len(d.vehicles)),
		Err:         d.lastErr,
		LastSuccess: d.lastSuccess,
	}
	for _, p := range d.vehicles {
		veh := Vehicle{
			TrackedPosition: p,
			Active:          IsActive(p.Timestamp, now, d.staleAfter),
			Selected:        p.ID == d.selectedID,
		}
		if veh.Active {
			v.ActiveCount++
		}
		v.Vehicles = append(v.Vehicles, veh)
	}
	// active first, then most recent
	sort.SliceStable(v.Vehicles, func(i, j int) bool {
		if v.Vehicles[i].Active != v.Vehicles[j].Active {
			return v.Vehicles[i].Active
		}
		return v.Vehicles[i].Timestamp.After(v.Vehicles[j].Timestamp)
	})
	for i := range v.Vehicles {
		if v.Vehicles[i].Selected {
			sel := v.Vehicles[i]
			v.Selected = &sel
			c := sel.Position()
			v.Center = &c
			break
		}
	}
	if d.lastErr != nil {
		if len(d.vehicles) == 0 {
			v.ErrorVisible = true
		} else {
			v.Stale = true
			v.Err = errors.Join(ErrStaleDataOnly, d.lastErr)
		}
	}
	return v
}

func indexOf(list []models.TrackedPosition, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}
