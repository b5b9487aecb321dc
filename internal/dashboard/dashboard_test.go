package dashboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/rental-tracking/internal/logging"
	"github.com/example/rental-tracking/internal/models"
	"github.com/example/rental-tracking/internal/schedule"
)

type fakeFetcher struct {
	mu    sync.Mutex
	list  []models.TrackedPosition
	err   error
	calls int
	done  chan struct{}
	gate  chan struct{} // when set, List waits for it before answering
}

func newFakeFetcher() *fakeFetcher { return &fakeFetcher{done: make(chan struct{}, 16)} }

func (f *fakeFetcher) List(ctx context.Context) ([]models.TrackedPosition, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer func() {
		f.mu.Unlock()
		f.done <- struct{}{}
	}()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.TrackedPosition(nil), f.list...), nil
}

func (f *fakeFetcher) set(list []models.TrackedPosition, err error) {
	f.mu.Lock()
	f.list, f.err = list, err
	f.mu.Unlock()
}

func pos(id string, ts time.Time) models.TrackedPosition {
	return models.TrackedPosition{ID: id, Lat: 52.5, Lng: 13.4, Timestamp: ts, Rental: models.Rental{ID: "r-" + id}}
}

func TestIsActiveBoundary(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		age  time.Duration
		want bool
	}{
		{9*time.Minute + 59*time.Second, true},
		{10 * time.Minute, false},
		{10*time.Minute + time.Second, false},
		{0, true},
	}
	for _, tc := range cases {
		if got := IsActive(now.Add(-tc.age), now, DefaultStaleAfter); got != tc.want {
			t.Fatalf("age %s: expected %v, got %v", tc.age, tc.want, got)
		}
	}
}

func TestRefreshReplacesWholesale(t *testing.T) {
	now := time.Now()
	f := newFakeFetcher()
	d := New(f, WithLogger(logging.Discard()))

	f.set([]models.TrackedPosition{pos("a", now), pos("b", now)}, nil)
	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	f.set([]models.TrackedPosition{pos("c", now)}, nil)
	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	v := d.View(now)
	if len(v.Vehicles) != 1 || v.Vehicles[0].ID != "c" {
		t.Fatalf("expected only c, got %+v", v.Vehicles)
	}
}

func TestFailedRefreshKeepsLastSnapshot(t *testing.T) {
	now := time.Now()
	f := newFakeFetcher()
	d := New(f, WithLogger(logging.Discard()))

	seed := []models.TrackedPosition{pos("a", now), pos("b", now), pos("c", now)}
	f.set(seed, nil)
	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	f.set(nil, errors.New("connection refused"))
	if err := d.Refresh(context.Background()); err == nil {
		t.Fatalf("expected fetch error")
	}
	v := d.View(now)
	if len(v.Vehicles) != len(seed) {
		t.Fatalf("expected %d vehicles kept, got %d", len(seed), len(v.Vehicles))
	}
	if !v.Stale || v.ErrorVisible {
		t.Fatalf("expected stale indicator without blocking error, got %+v", v)
	}
	if !errors.Is(v.Err, ErrStaleDataOnly) {
		t.Fatalf("expected ErrStaleDataOnly, got %v", v.Err)
	}

	f.set(seed[:1], nil)
	_ = d.Refresh(context.Background())
	if v := d.View(now); v.Stale || v.Err != nil {
		t.Fatalf("expected recovery, got %+v", v)
	}
}

func TestErrorVisibleOnlyWhenEmpty(t *testing.T) {
	f := newFakeFetcher()
	f.set(nil, errors.New("boom"))
	d := New(f, WithLogger(logging.Discard()))
	_ = d.Refresh(context.Background())
	v := d.View(time.Now())
	if !v.ErrorVisible || v.Stale {
		t.Fatalf("expected visible error on empty list, got %+v", v)
	}
}

func TestSelectionFollowsIdentity(t *testing.T) {
	now := time.Now()
	f := newFakeFetcher()
	d := New(f, WithLogger(logging.Discard()))

	f.set([]models.TrackedPosition{pos("a", now), pos("b", now)}, nil)
	_ = d.Refresh(context.Background())
	if d.Select("zzz") {
		t.Fatalf("selecting an unknown id must fail")
	}
	if !d.Select("b") {
		t.Fatalf("select b")
	}

	// same id, new object with a moved position
	moved := pos("b", now.Add(time.Second))
	moved.Lat = 48.1
	f.set([]models.TrackedPosition{pos("a", now), moved}, nil)
	_ = d.Refresh(context.Background())
	v := d.View(now)
	if v.Selected == nil || v.Selected.ID != "b" {
		t.Fatalf("selection lost across refresh: %+v", v.Selected)
	}
	if v.Center == nil || v.Center.Lat != 48.1 {
		t.Fatalf("map should center on the refreshed position, got %+v", v.Center)
	}

	// a failed refresh keeps the selection too
	f.set(nil, errors.New("timeout"))
	_ = d.Refresh(context.Background())
	if v := d.View(now); v.Selected == nil {
		t.Fatalf("selection dropped on failed fetch")
	}

	f.set([]models.TrackedPosition{pos("a", now)}, nil)
	_ = d.Refresh(context.Background())
	if v := d.View(now); v.Selected != nil || v.Center != nil {
		t.Fatalf("selection should clear once the vehicle disappears")
	}
}

func TestViewClassifiesActive(t *testing.T) {
	now := time.Now()
	f := newFakeFetcher()
	f.set([]models.TrackedPosition{
		pos("old", now.Add(-10*time.Minute-time.Second)),
		pos("fresh", now.Add(-9*time.Minute-59*time.Second)),
	}, nil)
	d := New(f, WithLogger(logging.Discard()))
	_ = d.Refresh(context.Background())

	v := d.View(now)
	if v.ActiveCount != 1 {
		t.Fatalf("expected 1 active, got %d", v.ActiveCount)
	}
	if v.Vehicles[0].ID != "fresh" || !v.Vehicles[0].Active || v.Vehicles[1].Active {
		t.Fatalf("unexpected classification %+v", v.Vehicles)
	}
	// the same snapshot ages without a refresh
	if later := d.View(now.Add(time.Second)); later.ActiveCount != 0 {
		t.Fatalf("expected everything inactive a second later, got %d", later.ActiveCount)
	}
}

func TestPollContinuesAfterFailure(t *testing.T) {
	now := time.Now()
	f := newFakeFetcher()
	f.set([]models.TrackedPosition{pos("a", now)}, nil)
	m := schedule.NewManual()
	d := New(f, WithTicker(m.Func()), WithLogger(logging.Discard()))
	d.Start(context.Background())
	defer d.Stop()

	await := func() {
		t.Helper()
		select {
		case <-f.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("fetch not called")
		}
	}
	await() // immediate fetch on start
	if p := m.Periods(); len(p) != 1 || p[0] != DefaultPollInterval {
		t.Fatalf("expected 4s poll, got %v", p)
	}

	f.set(nil, errors.New("502"))
	m.Tick(time.Second)
	await()

	f.set([]models.TrackedPosition{pos("a", now), pos("b", now)}, nil)
	if !m.Tick(time.Second) {
		t.Fatalf("poll stopped after a failure")
	}
	await()

	deadline := time.Now().Add(time.Second)
	for len(d.View(now).Vehicles) != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := len(d.View(now).Vehicles); got != 2 {
		t.Fatalf("expected 2 vehicles after recovery, got %d", got)
	}

	d.Stop()
	d.Stop()
	if m.Tick(50 * time.Millisecond) {
		t.Fatalf("tick consumed after stop")
	}
}

func TestFirstFetchDoesNotOverlapTick(t *testing.T) {
	now := time.Now()
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	f.set([]models.TrackedPosition{pos("a", now)}, nil)
	m := schedule.NewManual()
	d := New(f, WithTicker(m.Func()), WithLogger(logging.Discard()))
	d.Start(context.Background())
	defer d.Stop()

	// the loop is busy with the first fetch, so the tick has nowhere to go
	if m.Tick(50 * time.Millisecond) {
		t.Fatalf("tick consumed while the first fetch was running")
	}
	close(f.gate)
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("first fetch not called")
	}
	if !m.Tick(time.Second) {
		t.Fatalf("tick not consumed after the first fetch")
	}
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("polled fetch not called")
	}
	f.mu.Lock()
	calls := f.calls
	f.mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected 2 fetches, got %d", calls)
	}
}
