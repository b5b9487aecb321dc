package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/rental-tracking/internal/geo"
	"github.com/example/rental-tracking/internal/models"
)

// PostgresStore keeps sessions in tracking_sessions and every accepted
// position in the tracking_positions log.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) CloseDB() error { return p.db.Close() }

const sessionColumns = `id, rental_id, lat, lng, last_seq, distance_m, rental, started_at, updated_at, ended_at`

func scanSession(row interface{ Scan(...any) error }) (models.Session, error) {
	var (
		s      models.Session
		seq    int64
		rental []byte
		ended  pq.NullTime
	)
	if err := row.Scan(&s.ID, &s.RentalID, &s.Position.Lat, &s.Position.Lng, &seq, &s.DistanceM, &rental, &s.StartedAt, &s.UpdatedAt, &ended); err != nil {
		return models.Session{}, err
	}
	s.Seq = uint64(seq)
	if ended.Valid {
		s.EndedAt = ended.Time
	}
	if len(rental) > 0 {
		if err := json.Unmarshal(rental, &s.Rental); err != nil {
			return models.Session{}, fmt.Errorf("decode rental snapshot: %w", err)
		}
	}
	return s, nil
}

func (p *PostgresStore) Open(ctx context.Context, s models.Session) (models.Session, bool, error) {
	rental, err := json.Marshal(s.Rental)
	if err != nil {
		return models.Session{}, false, err
	}
	// The partial unique index on (rental_id) WHERE ended_at IS NULL makes
	// the insert a no-op when the rental already has an open session.
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO tracking_sessions (id, rental_id, lat, lng, last_seq, distance_m, rental, started_at, updated_at)
		VALUES ($1,$2,$3,$4,0,0,$5,$6,$7)
		ON CONFLICT (rental_id) WHERE ended_at IS NULL DO NOTHING
		RETURNING `+sessionColumns,
		s.ID, s.RentalID, s.Position.Lat, s.Position.Lng, rental, s.StartedAt, s.UpdatedAt)
	created, err := scanSession(row)
	if err == nil {
		if err := p.logPosition(ctx, created.ID, created.Position, 0, created.UpdatedAt); err != nil {
			return created, false, err
		}
		return created, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, false, err
	}
	cur, err := p.OpenFor(ctx, s.RentalID)
	if err != nil {
		return models.Session{}, false, err
	}
	return cur, true, nil
}

func (p *PostgresStore) OpenFor(ctx context.Context, rentalID string) (models.Session, error) {
	s, err := scanSession(p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM tracking_sessions WHERE rental_id=$1 AND ended_at IS NULL`, rentalID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrSessionNotFound
	}
	return s, err
}

func (p *PostgresStore) Append(ctx context.Context, sessionID, rentalID string, pos models.Position, seq uint64, at time.Time) (models.Session, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Session{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM tracking_sessions WHERE id=$1 FOR UPDATE`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, false, ErrSessionNotFound
	}
	if err != nil {
		return models.Session{}, false, err
	}
	if err := checkWrite(cur, rentalID); err != nil {
		return cur, false, err
	}
	if !newer(seq, cur.Seq) {
		return cur, false, nil
	}
	next := cur
	next.DistanceM += geo.Distance(cur.Position, pos)
	next.Position = pos
	if seq > 0 {
		next.Seq = seq
	}
	next.UpdatedAt = at

	if _, err := tx.ExecContext(ctx, `
		UPDATE tracking_sessions SET lat=$2, lng=$3, last_seq=$4, distance_m=$5, updated_at=$6
		WHERE id=$1`, sessionID, pos.Lat, pos.Lng, int64(next.Seq), next.DistanceM, at); err != nil {
		return cur, false, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tracking_positions (session_id, lat, lng, seq, recorded_at) VALUES ($1,$2,$3,$4,$5)`,
		sessionID, pos.Lat, pos.Lng, int64(seq), at); err != nil {
		return cur, false, err
	}
	if err := tx.Commit(); err != nil {
		return cur, false, err
	}
	return next, true, nil
}

func (p *PostgresStore) logPosition(ctx context.Context, sessionID string, pos models.Position, seq uint64, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tracking_positions (session_id, lat, lng, seq, recorded_at) VALUES ($1,$2,$3,$4,$5)`,
		sessionID, pos.Lat, pos.Lng, int64(seq), at)
	return err
}

func (p *PostgresStore) Close(ctx context.Context, sessionID, rentalID string, at time.Time) (models.Session, error) {
	cur, err := p.Get(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	if cur.RentalID != rentalID {
		return cur, ErrRentalMismatch
	}
	if !cur.Open() {
		return cur, nil
	}
	if _, err := p.db.ExecContext(ctx, `UPDATE tracking_sessions SET ended_at=$2 WHERE id=$1 AND ended_at IS NULL`, sessionID, at); err != nil {
		return cur, err
	}
	cur.EndedAt = at
	return cur, nil
}

func (p *PostgresStore) Get(ctx context.Context, sessionID string) (models.Session, error) {
	s, err := scanSession(p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM tracking_sessions WHERE id=$1`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrSessionNotFound
	}
	return s, err
}

func (p *PostgresStore) Active(ctx context.Context) ([]models.Session, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM tracking_sessions WHERE ended_at IS NULL ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Ping is used by the readiness probe.
func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
