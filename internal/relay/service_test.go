package relay

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/rental-tracking/internal/logging"
	"github.com/example/rental-tracking/internal/models"
	"github.com/example/rental-tracking/internal/observability"
	"github.com/example/rental-tracking/internal/rentals"
	"github.com/example/rental-tracking/internal/storage"
)

type recordingHub struct {
	mu     sync.Mutex
	events []models.PositionEvent
}

func (r *recordingHub) Publish(ctx context.Context, ev models.PositionEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingHub) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) PublishEvent(ctx context.Context, ev models.PositionEvent) error {
	f.calls++
	return errors.New("broker down")
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestService(t *testing.T) (*Service, *recordingHub, *clock) {
	t.Helper()
	hub := &recordingHub{}
	clk := &clock{t: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)}
	n := 0
	dir := rentals.StaticDirectory{"42": {Vehicle: models.Vehicle{Make: "VW", LicensePlate: "B-RT-42"}, Status: models.RentalActive}}
	svc := NewService(storage.NewMemoryStore(),
		WithRentals(dir),
		WithBroadcaster(hub),
		WithPublisher(&failingPublisher{}),
		WithClock(clk.now),
		WithIDGenerator(func() string { n++; return strconv.Itoa(n + 6) }),
		WithLogger(logging.Discard()),
	)
	return svc, hub, clk
}

func TestRentalLifecycle(t *testing.T) {
	svc, hub, clk := newTestService(t)
	ctx := context.Background()

	start, err := svc.Start(ctx, models.StartRequest{RentalID: "42", Lat: 52.52, Lng: 13.405})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if start.LocationID != "7" || start.Resumed {
		t.Fatalf("unexpected start %+v", start)
	}

	list, err := svc.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %+v", err, list)
	}
	if list[0].Rental.Vehicle.LicensePlate != "B-RT-42" || !list[0].Timestamp.Equal(clk.t) {
		t.Fatalf("snapshot not denormalized: %+v", list[0])
	}

	clk.t = clk.t.Add(30 * time.Second)
	up, err := svc.Update(ctx, models.UpdateRequest{LocationID: "7", RentalID: "42", Lat: 52.53, Lng: 13.405, Seq: 1})
	if err != nil || !up.Ack || !up.Applied {
		t.Fatalf("update: %+v %v", up, err)
	}
	got, err := svc.Get(ctx, "7")
	if err != nil || got.Lat != 52.53 || !got.Timestamp.Equal(clk.t) {
		t.Fatalf("get: %+v %v", got, err)
	}

	if err := svc.Stop(ctx, models.StopRequest{LocationID: "7", RentalID: "42"}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := svc.Stop(ctx, models.StopRequest{LocationID: "7", RentalID: "42"}); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if list, _ := svc.List(ctx); len(list) != 0 {
		t.Fatalf("stopped vehicle still listed: %+v", list)
	}
	if _, err := svc.Get(ctx, "7"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Fatalf("expected not found after stop, got %v", err)
	}

	want := []string{models.EventStarted, models.EventPosition, models.EventStopped}
	got2 := hub.types()
	if len(got2) != len(want) {
		t.Fatalf("events %v, want %v", got2, want)
	}
	for i := range want {
		if got2[i] != want[i] {
			t.Fatalf("events %v, want %v", got2, want)
		}
	}
}

func TestUpdateAfterStopIsRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	start, _ := svc.Start(ctx, models.StartRequest{RentalID: "42", Lat: 1, Lng: 1})
	_ = svc.Stop(ctx, models.StopRequest{LocationID: start.LocationID, RentalID: "42"})

	_, err := svc.Update(ctx, models.UpdateRequest{LocationID: start.LocationID, RentalID: "42", Lat: 2, Lng: 2, Seq: 1})
	if !errors.Is(err, storage.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestOutOfOrderUpdateIsNotApplied(t *testing.T) {
	svc, hub, clk := newTestService(t)
	ctx := context.Background()
	start, _ := svc.Start(ctx, models.StartRequest{RentalID: "42", Lat: 1, Lng: 1})

	before := testutil.ToFloat64(observability.PositionUpdates.WithLabelValues("stale"))
	clk.t = clk.t.Add(time.Minute)
	if up, _ := svc.Update(ctx, models.UpdateRequest{LocationID: start.LocationID, RentalID: "42", Lat: 3, Lng: 3, Seq: 2}); !up.Applied {
		t.Fatalf("seq 2 not applied")
	}
	up, err := svc.Update(ctx, models.UpdateRequest{LocationID: start.LocationID, RentalID: "42", Lat: 2, Lng: 2, Seq: 1})
	if err != nil || !up.Ack || up.Applied {
		t.Fatalf("late seq 1: %+v %v", up, err)
	}
	if got, _ := svc.Get(ctx, start.LocationID); got.Lat != 3 {
		t.Fatalf("late write overwrote position: %+v", got)
	}
	if after := testutil.ToFloat64(observability.PositionUpdates.WithLabelValues("stale")); after != before+1 {
		t.Fatalf("stale counter %v -> %v", before, after)
	}
	// stale writes are not broadcast
	if n := len(hub.types()); n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}
}

func TestStartResumesOpenSession(t *testing.T) {
	svc, _, clk := newTestService(t)
	ctx := context.Background()
	first, _ := svc.Start(ctx, models.StartRequest{RentalID: "42", Lat: 1, Lng: 1})
	_, _ = svc.Update(ctx, models.UpdateRequest{LocationID: first.LocationID, RentalID: "42", Lat: 2, Lng: 2, Seq: 5})

	clk.t = clk.t.Add(time.Minute)
	second, err := svc.Start(ctx, models.StartRequest{RentalID: "42", Lat: 4, Lng: 4})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if second.LocationID != first.LocationID || !second.Resumed || second.Seq != 5 {
		t.Fatalf("expected resume of %s at seq 5, got %+v", first.LocationID, second)
	}
	if got, _ := svc.Get(ctx, first.LocationID); got.Lat != 4 || !got.Timestamp.Equal(clk.t) {
		t.Fatalf("resume did not refresh the position: %+v", got)
	}
}

func TestValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	cases := []struct {
		name string
		run  func() error
	}{
		{"missing rental", func() error { _, err := svc.Start(ctx, models.StartRequest{Lat: 1, Lng: 1}); return err }},
		{"nan latitude", func() error {
			_, err := svc.Start(ctx, models.StartRequest{RentalID: "42", Lat: math.NaN(), Lng: 1})
			return err
		}},
		{"infinite longitude", func() error {
			_, err := svc.Update(ctx, models.UpdateRequest{LocationID: "7", RentalID: "42", Lat: 1, Lng: math.Inf(1)})
			return err
		}},
		{"missing location id", func() error { return svc.Stop(ctx, models.StopRequest{RentalID: "42"}) }},
		{"zero radius", func() error { _, err := svc.Nearby(ctx, 1, 1, 0, 0); return err }},
	}
	for _, tc := range cases {
		if err := tc.run(); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: expected ErrInvalidRequest, got %v", tc.name, err)
		}
	}
}

func TestAnyFiniteCoordinateIsAccepted(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	start, err := svc.Start(ctx, models.StartRequest{RentalID: "42", Lat: 95, Lng: 200})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	up, err := svc.Update(ctx, models.UpdateRequest{LocationID: start.LocationID, RentalID: "42", Lat: -120, Lng: -400, Seq: 1})
	if err != nil || !up.Applied {
		t.Fatalf("update: %+v %v", up, err)
	}
	if got, _ := svc.Get(ctx, start.LocationID); got.Lat != -120 || got.Lng != -400 {
		t.Fatalf("unexpected position %+v", got)
	}
}

type countingDirectory struct {
	rentals.StaticDirectory
	lookups int
}

func (d *countingDirectory) Lookup(ctx context.Context, id string) (models.Rental, error) {
	d.lookups++
	return d.StaticDirectory.Lookup(ctx, id)
}

func TestResumeSkipsRentalLookup(t *testing.T) {
	dir := &countingDirectory{StaticDirectory: rentals.StaticDirectory{"42": {Vehicle: models.Vehicle{Make: "VW"}}}}
	svc := NewService(storage.NewMemoryStore(), WithRentals(dir), WithLogger(logging.Discard()))
	ctx := context.Background()

	first, err := svc.Start(ctx, models.StartRequest{RentalID: "42", Lat: 1, Lng: 1})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := svc.Start(ctx, models.StartRequest{RentalID: "42", Lat: 2, Lng: 2})
	if err != nil || !second.Resumed || second.LocationID != first.LocationID {
		t.Fatalf("resume: %+v %v", second, err)
	}
	if dir.lookups != 1 {
		t.Fatalf("expected one rental lookup, got %d", dir.lookups)
	}
	if got, _ := svc.Get(ctx, first.LocationID); got.Rental.Vehicle.Make != "VW" {
		t.Fatalf("snapshot lost on resume: %+v", got.Rental)
	}
}

func TestListReportsStaleSessions(t *testing.T) {
	svc, _, clk := newTestService(t)
	ctx := context.Background()
	first, _ := svc.Start(ctx, models.StartRequest{RentalID: "42", Lat: 1, Lng: 1})
	clk.t = clk.t.Add(6 * time.Minute)
	_, _ = svc.Start(ctx, models.StartRequest{RentalID: "43", Lat: 1, Lng: 1})

	clk.t = clk.t.Add(4 * time.Minute)
	if _, err := svc.List(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := testutil.ToFloat64(observability.StaleSessions); got != 1 {
		t.Fatalf("expected 1 stale session at exactly ten minutes, got %v", got)
	}

	_, _ = svc.Update(ctx, models.UpdateRequest{LocationID: first.LocationID, RentalID: "42", Lat: 2, Lng: 2, Seq: 1})
	if _, err := svc.List(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := testutil.ToFloat64(observability.StaleSessions); got != 0 {
		t.Fatalf("expected no stale sessions after an update, got %v", got)
	}
}

func TestOwnershipIsEnforced(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	start, _ := svc.Start(ctx, models.StartRequest{RentalID: "42", Lat: 1, Lng: 1})
	if _, err := svc.Update(ctx, models.UpdateRequest{LocationID: start.LocationID, RentalID: "43", Lat: 1, Lng: 1}); !errors.Is(err, storage.ErrRentalMismatch) {
		t.Fatalf("expected ErrRentalMismatch, got %v", err)
	}
	if err := svc.Stop(ctx, models.StopRequest{LocationID: "nope", RentalID: "42"}); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestUnknownRentalStillStarts(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	start, err := svc.Start(ctx, models.StartRequest{RentalID: "999", Lat: 1, Lng: 1})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	got, _ := svc.Get(ctx, start.LocationID)
	if got.Rental.ID != "999" || got.Rental.Vehicle.Make != "" {
		t.Fatalf("expected bare snapshot, got %+v", got.Rental)
	}
}

func TestNearbySortsByDistance(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, _ = svc.Start(ctx, models.StartRequest{RentalID: "far", Lat: 52.60, Lng: 13.405})
	_, _ = svc.Start(ctx, models.StartRequest{RentalID: "near", Lat: 52.521, Lng: 13.405})
	_, _ = svc.Start(ctx, models.StartRequest{RentalID: "out", Lat: 48.1, Lng: 11.6})

	got, err := svc.Nearby(ctx, 52.52, 13.405, 20_000, 0)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 2 || got[0].Rental.ID != "near" || got[1].Rental.ID != "far" {
		t.Fatalf("unexpected order %+v", got)
	}
	if got[0].DistanceM > 200 {
		t.Fatalf("distance looks wrong: %.1f", got[0].DistanceM)
	}
	if limited, _ := svc.Nearby(ctx, 52.52, 13.405, 20_000, 1); len(limited) != 1 {
		t.Fatalf("limit ignored: %d", len(limited))
	}
}
