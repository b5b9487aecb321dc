package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/rental-tracking/internal/models"
)

// ErrLocationUnavailable covers permission denial, timeouts, missing
// hardware and stale fixes. Callers only ever see this one failure kind.
var ErrLocationUnavailable = errors.New("location unavailable")

// DefaultSampleTimeout bounds how long a single sample may wait for a fix.
const DefaultSampleTimeout = 10 * time.Second

// Request is what the sampler asks of a Source.
type Request struct {
	HighAccuracy bool
	// MaxAge is the oldest cached fix the source may answer with.
	MaxAge time.Duration
}

// Fix is a raw reading from a Source.
type Fix struct {
	Position models.Position
	Time     time.Time
	Accuracy float64 // meters, 0 when unknown
}

// Source is the platform location provider.
type Source interface {
	Locate(ctx context.Context, req Request) (Fix, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, req Request) (Fix, error)

func (f SourceFunc) Locate(ctx context.Context, req Request) (Fix, error) { return f(ctx, req) }

// Sampler takes single, fresh, bounded readings from a Source.
type Sampler struct {
	Source  Source
	Timeout time.Duration
	Now     func() time.Time
}

func NewSampler(src Source, timeout time.Duration) *Sampler {
	if timeout <= 0 {
		timeout = DefaultSampleTimeout
	}
	return &Sampler{Source: src, Timeout: timeout, Now: time.Now}
}

type locateResult struct {
	fix Fix
	err error
}

// Sample returns one reading taken after the call started. It never waits
// longer than Timeout, even when the source ignores its context.
func (s *Sampler) Sample(ctx context.Context) (models.Position, error) {
	if s.Source == nil {
		return models.Position{}, fmt.Errorf("%w: no location source", ErrLocationUnavailable)
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultSampleTimeout
	}

	started := now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// buffered so a late source never blocks forever on send
	ch := make(chan locateResult, 1)
	go func() {
		fix, err := s.Source.Locate(ctx, Request{HighAccuracy: true, MaxAge: 0})
		ch <- locateResult{fix: fix, err: err}
	}()

	var res locateResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		return models.Position{}, fmt.Errorf("%w: no fix within %s: %v", ErrLocationUnavailable, timeout, ctx.Err())
	}

	if res.err != nil {
		if errors.Is(res.err, ErrLocationUnavailable) {
			return models.Position{}, res.err
		}
		return models.Position{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, res.err)
	}
	if !res.fix.Time.IsZero() && res.fix.Time.Before(started) {
		return models.Position{}, fmt.Errorf("%w: stale fix from %s", ErrLocationUnavailable, res.fix.Time.Format(time.RFC3339))
	}
	if !Finite(res.fix.Position) {
		return models.Position{}, fmt.Errorf("%w: non-finite coordinates", ErrLocationUnavailable)
	}
	return res.fix.Position, nil
}
