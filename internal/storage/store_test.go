package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/rental-tracking/internal/models"
)

func newSession(rentalID string, at time.Time) models.Session {
	return models.Session{
		ID:        uuid.NewString(),
		RentalID:  rentalID,
		Position:  models.Position{Lat: 52.52, Lng: 13.405},
		StartedAt: at,
		UpdatedAt: at,
		Rental:    models.Rental{ID: rentalID, Vehicle: models.Vehicle{LicensePlate: "B-RT-42"}},
	}
}

type storeFactory func(t *testing.T) Store

func factories() map[string]storeFactory {
	f := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStore(client, "test")
		},
	}
	if dsn := os.Getenv("TRACKING_TEST_PG_DSN"); dsn != "" {
		f["postgres"] = func(t *testing.T) Store {
			p, err := NewPostgresStore(dsn)
			if err != nil {
				t.Fatalf("postgres: %v", err)
			}
			t.Cleanup(func() { _ = p.CloseDB() })
			if err := p.Migrate(context.Background()); err != nil {
				t.Fatalf("migrate: %v", err)
			}
			return p
		}
	}
	return f
}

func TestStores(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			t.Run("OpenIsIdempotentPerRental", func(t *testing.T) { testOpenIdempotent(t, factory(t)) })
			t.Run("AppendOrdering", func(t *testing.T) { testAppendOrdering(t, factory(t)) })
			t.Run("Ownership", func(t *testing.T) { testOwnership(t, factory(t)) })
			t.Run("CloseLifecycle", func(t *testing.T) { testCloseLifecycle(t, factory(t)) })
		})
	}
}

func testOpenIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	rental := "r-" + uuid.NewString()

	first, existing, err := s.Open(ctx, newSession(rental, now))
	if err != nil || existing {
		t.Fatalf("open: existing=%v err=%v", existing, err)
	}
	second, existing, err := s.Open(ctx, newSession(rental, now.Add(time.Second)))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !existing || second.ID != first.ID {
		t.Fatalf("expected the open session %s back, got %s existing=%v", first.ID, second.ID, existing)
	}
	found, err := s.OpenFor(ctx, rental)
	if err != nil || found.ID != first.ID || found.Rental.Vehicle.LicensePlate != "B-RT-42" {
		t.Fatalf("open for rental: %+v %v", found, err)
	}
	if _, err := s.OpenFor(ctx, "r-"+uuid.NewString()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for an untracked rental, got %v", err)
	}

	active, err := s.Active(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	n := 0
	for _, a := range active {
		if a.RentalID == rental {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("expected one open session for the rental, got %d", n)
	}
}

func testAppendOrdering(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	rental := "r-" + uuid.NewString()
	sess, _, err := s.Open(ctx, newSession(rental, now))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	got, applied, err := s.Append(ctx, sess.ID, rental, models.Position{Lat: 52.53, Lng: 13.405}, 2, now.Add(time.Minute))
	if err != nil || !applied {
		t.Fatalf("append seq 2: applied=%v err=%v", applied, err)
	}
	if got.DistanceM < 1000 || got.DistanceM > 1200 {
		t.Fatalf("expected ~1.1km travelled, got %.1f", got.DistanceM)
	}

	// a late arrival must not overwrite the newer position
	got, applied, err = s.Append(ctx, sess.ID, rental, models.Position{Lat: 1, Lng: 1}, 1, now.Add(2*time.Minute))
	if err != nil || applied {
		t.Fatalf("append seq 1: applied=%v err=%v", applied, err)
	}
	if got.Position.Lat != 52.53 || got.Seq != 2 {
		t.Fatalf("stale write changed the session: %+v", got)
	}

	// unsequenced writes always apply and keep the stored seq
	got, applied, err = s.Append(ctx, sess.ID, rental, models.Position{Lat: 52.54, Lng: 13.405}, 0, now.Add(3*time.Minute))
	if err != nil || !applied || got.Seq != 2 {
		t.Fatalf("unsequenced append: applied=%v seq=%d err=%v", applied, got.Seq, err)
	}

	stored, err := s.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Position.Lat != 52.54 || !stored.UpdatedAt.Equal(now.Add(3*time.Minute)) {
		t.Fatalf("unexpected stored session %+v", stored)
	}
}

func testOwnership(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	rental := "r-" + uuid.NewString()
	sess, _, err := s.Open(ctx, newSession(rental, now))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, _, err := s.Append(ctx, sess.ID, "someone-else", models.Position{}, 1, now); !errors.Is(err, ErrRentalMismatch) {
		t.Fatalf("expected ErrRentalMismatch, got %v", err)
	}
	if _, err := s.Close(ctx, sess.ID, "someone-else", now); !errors.Is(err, ErrRentalMismatch) {
		t.Fatalf("expected ErrRentalMismatch on close, got %v", err)
	}
	if _, _, err := s.Append(ctx, uuid.NewString(), rental, models.Position{}, 1, now); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := s.Get(ctx, uuid.NewString()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound from get, got %v", err)
	}
}

func testCloseLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	rental := "r-" + uuid.NewString()
	sess, _, err := s.Open(ctx, newSession(rental, now))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	closed, err := s.Close(ctx, sess.ID, rental, now.Add(time.Minute))
	if err != nil || closed.Open() {
		t.Fatalf("close: %+v %v", closed, err)
	}
	if _, err := s.Close(ctx, sess.ID, rental, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if _, _, err := s.Append(ctx, sess.ID, rental, models.Position{}, 5, now); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := s.OpenFor(ctx, rental); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("closed session still found for its rental: %v", err)
	}
	active, err := s.Active(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	for _, a := range active {
		if a.ID == sess.ID {
			t.Fatalf("closed session still listed")
		}
	}

	// the rental can be tracked again
	next, existing, err := s.Open(ctx, newSession(rental, now.Add(3*time.Minute)))
	if err != nil || existing || next.ID == sess.ID {
		t.Fatalf("reopen after close: %+v existing=%v err=%v", next, existing, err)
	}
}
