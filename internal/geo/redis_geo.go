package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/rental-tracking/internal/models"
)

// RedisIndex projects position events into a Redis GEO set so other
// services can run radius queries without touching the relay.
type RedisIndex struct {
	client redis.UniversalClient
	key    string
}

func NewRedisIndex(client redis.UniversalClient, key string) *RedisIndex {
	if key == "" {
		key = "vehicles_geo"
	}
	return &RedisIndex{client: client, key: key}
}

// Apply stores started/position events and drops stopped sessions.
func (r *RedisIndex) Apply(ctx context.Context, ev models.PositionEvent) error {
	if ev.Type == models.EventStopped {
		_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, r.key, ev.SessionID)
			p.Del(ctx, metaKey(ev.SessionID))
			return nil
		})
		return err
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: ev.Position.Lng, Latitude: ev.Position.Lat, Name: ev.SessionID})
		p.HSet(ctx, metaKey(ev.SessionID), map[string]interface{}{
			"rental_id": ev.RentalID,
			"plate":     ev.Position.Rental.Vehicle.LicensePlate,
			"seq":       strconv.FormatUint(ev.Seq, 10),
			"updated":   ev.At.UTC().Format(time.RFC3339Nano),
		})
		return nil
	})
	return err
}

// IndexedVehicle is one hit of a Nearby query.
type IndexedVehicle struct {
	SessionID string          `json:"sessionId"`
	RentalID  string          `json:"rentalId"`
	Position  models.Position `json:"position"`
	DistanceM float64         `json:"distanceM"`
	Updated   time.Time       `json:"updated"`
}

func (r *RedisIndex) Nearby(ctx context.Context, lat, lng, radiusM float64, limit int) ([]IndexedVehicle, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lng, lat, &redis.GeoRadiusQuery{Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo radius: %w", err)
	}
	out := make([]IndexedVehicle, 0, len(res))
	for _, g := range res {
		v := IndexedVehicle{
			SessionID: g.Name,
			Position:  models.Position{Lat: g.Latitude, Lng: g.Longitude},
			DistanceM: g.Dist,
		}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			v.RentalID = m["rental_id"]
			if ts, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
				v.Updated = ts
			}
		}
		out = append(out, v)
	}
	return out, nil
}

func metaKey(id string) string { return "vehicle:meta:" + id }
