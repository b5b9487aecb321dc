package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/rental-tracking/internal/geo"
	"github.com/example/rental-tracking/internal/models"
)

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	byRental map[string]string // rental id -> open session id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]models.Session),
		byRental: make(map[string]string),
	}
}

func (m *MemoryStore) Open(ctx context.Context, s models.Session) (models.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byRental[s.RentalID]; ok {
		if cur, ok := m.sessions[id]; ok && cur.Open() {
			return cur, true, nil
		}
	}
	m.sessions[s.ID] = s
	m.byRental[s.RentalID] = s.ID
	return s, false, nil
}

func (m *MemoryStore) OpenFor(ctx context.Context, rentalID string) (models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byRental[rentalID]; ok {
		if s, ok := m.sessions[id]; ok && s.Open() {
			return s, nil
		}
	}
	return models.Session{}, ErrSessionNotFound
}

func (m *MemoryStore) Append(ctx context.Context, sessionID, rentalID string, p models.Position, seq uint64, at time.Time) (models.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return models.Session{}, false, ErrSessionNotFound
	}
	if err := checkWrite(s, rentalID); err != nil {
		return s, false, err
	}
	if !newer(seq, s.Seq) {
		return s, false, nil
	}
	s.DistanceM += geo.Distance(s.Position, p)
	s.Position = p
	if seq > 0 {
		s.Seq = seq
	}
	s.UpdatedAt = at
	m.sessions[sessionID] = s
	return s, true, nil
}

func (m *MemoryStore) Close(ctx context.Context, sessionID, rentalID string, at time.Time) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	if s.RentalID != rentalID {
		return s, ErrRentalMismatch
	}
	if !s.Open() {
		// stopping twice is fine
		return s, nil
	}
	s.EndedAt = at
	m.sessions[sessionID] = s
	if m.byRental[rentalID] == sessionID {
		delete(m.byRental, rentalID)
	}
	return s, nil
}

func (m *MemoryStore) Get(ctx context.Context, sessionID string) (models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *MemoryStore) Active(ctx context.Context) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Session, 0, len(m.byRental))
	for _, id := range m.byRental {
		if s, ok := m.sessions[id]; ok && s.Open() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
