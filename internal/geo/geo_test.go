package geo

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/rental-tracking/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Distance(models.Position{Lat: 0, Lng: 0}, models.Position{Lat: 1, Lng: 0})
	if math.Abs(d-111195) > 100 {
		t.Fatalf("expected ~111km, got %f", d)
	}
}

func TestSampleReturnsFreshFix(t *testing.T) {
	s := NewSampler(StaticSource{Position: models.Position{Lat: 52.52, Lng: 13.40}}, time.Second)
	p, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if p.Lat != 52.52 || p.Lng != 13.40 {
		t.Fatalf("unexpected position %+v", p)
	}
}

func TestSampleTimesOutOnHungSource(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	// ignores ctx entirely, like a platform call that never answers
	src := SourceFunc(func(ctx context.Context, _ Request) (Fix, error) {
		<-block
		return Fix{}, nil
	})
	s := NewSampler(src, 50*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := s.Sample(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrLocationUnavailable) {
			t.Fatalf("expected ErrLocationUnavailable, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sample hung past its timeout")
	}
}

func TestSampleRejectsStaleFix(t *testing.T) {
	src := SourceFunc(func(ctx context.Context, req Request) (Fix, error) {
		if req.MaxAge != 0 || !req.HighAccuracy {
			t.Errorf("expected fresh high-accuracy request, got %+v", req)
		}
		return Fix{Position: models.Position{Lat: 1, Lng: 1}, Time: time.Now().Add(-time.Hour)}, nil
	})
	s := NewSampler(src, time.Second)
	if _, err := s.Sample(context.Background()); !errors.Is(err, ErrLocationUnavailable) {
		t.Fatalf("expected stale fix to be refused, got %v", err)
	}
}

func TestSampleWrapsPermissionDenied(t *testing.T) {
	denied := errors.New("permission denied")
	s := NewSampler(SourceFunc(func(context.Context, Request) (Fix, error) { return Fix{}, denied }), time.Second)
	_, err := s.Sample(context.Background())
	if !errors.Is(err, ErrLocationUnavailable) {
		t.Fatalf("expected ErrLocationUnavailable, got %v", err)
	}
}

func TestSampleRejectsNonFinite(t *testing.T) {
	s := NewSampler(StaticSource{Position: models.Position{Lat: math.NaN(), Lng: 0}}, time.Second)
	if _, err := s.Sample(context.Background()); !errors.Is(err, ErrLocationUnavailable) {
		t.Fatalf("expected ErrLocationUnavailable, got %v", err)
	}
}

func TestSampleIsNotMemoized(t *testing.T) {
	calls := 0
	s := NewSampler(SourceFunc(func(context.Context, Request) (Fix, error) {
		calls++
		return Fix{Position: models.Position{Lat: float64(calls)}, Time: time.Now()}, nil
	}), time.Second)
	a, _ := s.Sample(context.Background())
	b, _ := s.Sample(context.Background())
	if calls != 2 || a == b {
		t.Fatalf("expected two distinct source reads, calls=%d a=%v b=%v", calls, a, b)
	}
}

func TestLoadReplayFile(t *testing.T) {
	dir := t.TempDir()
	jsonl := filepath.Join(dir, "track.jsonl")
	if err := os.WriteFile(jsonl, []byte("{\"lat\":1,\"lng\":2}\n\n{\"lat\":3,\"lng\":4}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	csvPath := filepath.Join(dir, "track.csv")
	if err := os.WriteFile(csvPath, []byte("lat,lng\n5,6\n7,8\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	src, err := LoadReplayFile(jsonl)
	if err != nil {
		t.Fatalf("load jsonl: %v", err)
	}
	ctx := context.Background()
	first, _ := src.Locate(ctx, Request{})
	second, _ := src.Locate(ctx, Request{})
	wrapped, _ := src.Locate(ctx, Request{})
	if first.Position.Lat != 1 || second.Position.Lat != 3 || wrapped.Position.Lat != 1 {
		t.Fatalf("unexpected replay order: %v %v %v", first, second, wrapped)
	}

	src, err = LoadReplayFile(csvPath)
	if err != nil {
		t.Fatalf("load csv: %v", err)
	}
	fix, _ := src.Locate(ctx, Request{})
	if fix.Position != (models.Position{Lat: 5, Lng: 6}) {
		t.Fatalf("unexpected csv point %+v", fix.Position)
	}
}

func TestNewReplaySourceEmpty(t *testing.T) {
	if _, err := NewReplaySource(nil); err == nil {
		t.Fatalf("expected error for empty track")
	}
}
