package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/rental-tracking/internal/geo"
	"github.com/example/rental-tracking/internal/models"
)

// RedisStore shares sessions between relay replicas. Keys:
//
//	{prefix}:session:{id}    JSON-encoded models.Session
//	{prefix}:rental:{rental} id of the rental's open session
//	{prefix}:active          set of open session ids
//
// Writes run under WATCH so concurrent replicas never lose an update.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	retries int
	// closedTTL bounds how long a stopped session stays readable.
	closedTTL time.Duration
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "tracking"
	}
	return &RedisStore{client: client, prefix: prefix, retries: 5, closedTTL: 24 * time.Hour}
}

func (r *RedisStore) sessionKey(id string) string    { return r.prefix + ":session:" + id }
func (r *RedisStore) rentalKey(rental string) string { return r.prefix + ":rental:" + rental }
func (r *RedisStore) activeKey() string              { return r.prefix + ":active" }

func (r *RedisStore) load(ctx context.Context, c redis.Cmdable, id string) (models.Session, error) {
	raw, err := c.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	var s models.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return models.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return s, nil
}

// watch runs fn in an optimistic transaction, retrying on conflicts.
func (r *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < r.retries; i++ {
		err = r.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (r *RedisStore) Open(ctx context.Context, s models.Session) (models.Session, bool, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return models.Session{}, false, err
	}
	var (
		out      models.Session
		existing bool
	)
	err = r.watch(ctx, func(tx *redis.Tx) error {
		id, err := tx.Get(ctx, r.rentalKey(s.RentalID)).Result()
		switch {
		case err == nil:
			cur, lerr := r.load(ctx, tx, id)
			if lerr == nil && cur.Open() {
				out, existing = cur, true
				return nil
			}
			if lerr != nil && !errors.Is(lerr, ErrSessionNotFound) {
				return lerr
			}
		case !errors.Is(err, redis.Nil):
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, r.sessionKey(s.ID), body, 0)
			p.Set(ctx, r.rentalKey(s.RentalID), s.ID, 0)
			p.SAdd(ctx, r.activeKey(), s.ID)
			return nil
		})
		if err == nil {
			out, existing = s, false
		}
		return err
	}, r.rentalKey(s.RentalID))
	return out, existing, err
}

func (r *RedisStore) OpenFor(ctx context.Context, rentalID string) (models.Session, error) {
	id, err := r.client.Get(ctx, r.rentalKey(rentalID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	s, err := r.load(ctx, r.client, id)
	if err != nil {
		return models.Session{}, err
	}
	if !s.Open() {
		return models.Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (r *RedisStore) Append(ctx context.Context, sessionID, rentalID string, p models.Position, seq uint64, at time.Time) (models.Session, bool, error) {
	var (
		out     models.Session
		applied bool
	)
	err := r.watch(ctx, func(tx *redis.Tx) error {
		s, err := r.load(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		out, applied = s, false
		if err := checkWrite(s, rentalID); err != nil {
			return err
		}
		if !newer(seq, s.Seq) {
			return nil
		}
		s.DistanceM += geo.Distance(s.Position, p)
		s.Position = p
		if seq > 0 {
			s.Seq = seq
		}
		s.UpdatedAt = at
		body, err := json.Marshal(s)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.sessionKey(sessionID), body, 0)
			return nil
		})
		if err == nil {
			out, applied = s, true
		}
		return err
	}, r.sessionKey(sessionID))
	return out, applied, err
}

func (r *RedisStore) Close(ctx context.Context, sessionID, rentalID string, at time.Time) (models.Session, error) {
	var out models.Session
	err := r.watch(ctx, func(tx *redis.Tx) error {
		s, err := r.load(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		out = s
		if s.RentalID != rentalID {
			return ErrRentalMismatch
		}
		if !s.Open() {
			return nil
		}
		s.EndedAt = at
		body, err := json.Marshal(s)
		if err != nil {
			return err
		}
		owner, err := tx.Get(ctx, r.rentalKey(rentalID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, r.sessionKey(sessionID), body, r.closedTTL)
			p.SRem(ctx, r.activeKey(), sessionID)
			if owner == sessionID {
				p.Del(ctx, r.rentalKey(rentalID))
			}
			return nil
		})
		if err == nil {
			out = s
		}
		return err
	}, r.sessionKey(sessionID), r.rentalKey(rentalID))
	return out, err
}

func (r *RedisStore) Get(ctx context.Context, sessionID string) (models.Session, error) {
	return r.load(ctx, r.client, sessionID)
}

func (r *RedisStore) Active(ctx context.Context) ([]models.Session, error) {
	ids, err := r.client.SMembers(ctx, r.activeKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.load(ctx, r.client, id)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if s.Open() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (r *RedisStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }
