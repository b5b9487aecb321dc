package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/rental-tracking/internal/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrRentalMismatch  = errors.New("session belongs to another rental")
	ErrSessionClosed   = errors.New("session already stopped")
)

// Store persists tracking sessions and their latest position.
//
// At most one open session exists per rental: Open returns the open one, with
// existing=true, instead of creating a second.
type Store interface {
	Open(ctx context.Context, s models.Session) (sess models.Session, existing bool, err error)
	// OpenFor returns the rental's open session, or ErrSessionNotFound.
	OpenFor(ctx context.Context, rentalID string) (models.Session, error)
	// Append records a position. applied is false when seq is not newer than
	// the stored one; seq 0 always applies.
	Append(ctx context.Context, sessionID, rentalID string, p models.Position, seq uint64, at time.Time) (sess models.Session, applied bool, err error)
	Close(ctx context.Context, sessionID, rentalID string, at time.Time) (models.Session, error)
	Get(ctx context.Context, sessionID string) (models.Session, error)
	// Active lists open sessions.
	Active(ctx context.Context) ([]models.Session, error)
}

// checkWrite applies the ownership and liveness rules shared by every store.
func checkWrite(s models.Session, rentalID string) error {
	if s.RentalID != rentalID {
		return ErrRentalMismatch
	}
	if !s.Open() {
		return ErrSessionClosed
	}
	return nil
}

// newer reports whether seq may replace stored.
func newer(seq, stored uint64) bool {
	return seq == 0 || seq > stored
}
