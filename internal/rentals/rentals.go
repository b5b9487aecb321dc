// Package rentals resolves the rental snapshot that travels with every
// tracked position.
package rentals

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/rental-tracking/internal/models"
)

var ErrRentalNotFound = errors.New("rental not found")

// Directory is used by the relay to denormalize rental details.
type Directory interface {
	Lookup(ctx context.Context, rentalID string) (models.Rental, error)
}

// StaticDirectory serves a fixed set of rentals. Unknown ids return
// ErrRentalNotFound.
type StaticDirectory map[string]models.Rental

func (d StaticDirectory) Lookup(_ context.Context, rentalID string) (models.Rental, error) {
	r, ok := d[rentalID]
	if !ok {
		return models.Rental{ID: rentalID}, ErrRentalNotFound
	}
	if r.ID == "" {
		r.ID = rentalID
	}
	return r, nil
}

// Cache is a small TTL cache of rental snapshots keyed by rental id.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  models.Rental
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

// Get returns the cached rental if present and not expired.
func (c *Cache) Get(id string) (models.Rental, bool) {
	c.mu.RLock()
	e, ok := c.store[id]
	c.mu.RUnlock()
	if !ok {
		return models.Rental{}, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, id)
		c.mu.Unlock()
		return models.Rental{}, false
	}
	return e.v, true
}

func (c *Cache) Set(id string, r models.Rental) {
	c.mu.Lock()
	c.store[id] = cacheEntry{v: r, ts: c.now()}
	c.mu.Unlock()
}
