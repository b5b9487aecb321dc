// Package relay is the server side of live tracking: it owns session
// lifecycle, keeps the latest position per session and fans accepted writes
// out to dashboards and the event stream.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/rental-tracking/internal/geo"
	"github.com/example/rental-tracking/internal/models"
	"github.com/example/rental-tracking/internal/observability"
	"github.com/example/rental-tracking/internal/rentals"
	"github.com/example/rental-tracking/internal/storage"
)

// Broadcaster receives every accepted write for live dashboards.
type Broadcaster interface {
	Publish(ctx context.Context, ev models.PositionEvent)
}

// Publisher forwards accepted writes to the event stream.
type Publisher interface {
	PublishEvent(ctx context.Context, ev models.PositionEvent) error
}

type Service struct {
	store      storage.Store
	rentals    rentals.Directory
	hub        Broadcaster
	events     Publisher
	now        func() time.Time
	newID      func() string
	staleAfter time.Duration
	logger     *slog.Logger
}

// DefaultStaleAfter matches the dashboards' active window.
const DefaultStaleAfter = 10 * time.Minute

type Option func(*Service)

func WithRentals(d rentals.Directory) Option { return func(s *Service) { s.rentals = d } }
func WithBroadcaster(b Broadcaster) Option  { return func(s *Service) { s.hub = b } }
func WithPublisher(p Publisher) Option      { return func(s *Service) { s.events = p } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithStaleAfter sets the age after which an open session counts as stale
// in the session gauges.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewService(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store:      store,
		now:        time.Now,
		newID:      uuid.NewString,
		staleAfter: DefaultStaleAfter,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start opens a session for the rental. A rental that is already tracked
// gets its open session back, refreshed with the new position. The rental
// directory is only asked when a new session is created.
func (s *Service) Start(ctx context.Context, req models.StartRequest) (models.StartResponse, error) {
	if err := check(req); err != nil {
		return models.StartResponse{}, err
	}
	now := s.now().UTC()
	pos := models.Position{Lat: req.Lat, Lng: req.Lng}

	sess, err := s.store.OpenFor(ctx, req.RentalID)
	existing := err == nil
	switch {
	case existing:
	case errors.Is(err, storage.ErrSessionNotFound):
		// a concurrent start can still win the race; Open reports it as existing
		sess, existing, err = s.store.Open(ctx, models.Session{
			ID:        s.newID(),
			RentalID:  req.RentalID,
			Position:  pos,
			StartedAt: now,
			UpdatedAt: now,
			Rental:    s.lookup(ctx, req.RentalID),
		})
		if err != nil {
			return models.StartResponse{}, fmt.Errorf("open session: %w", err)
		}
	default:
		return models.StartResponse{}, fmt.Errorf("find open session: %w", err)
	}

	if existing {
		observability.SessionsStarted.WithLabelValues("resumed").Inc()
		if updated, applied, err := s.store.Append(ctx, sess.ID, req.RentalID, pos, 0, now); err == nil && applied {
			sess = updated
		}
		s.logger.Info("tracking session resumed", "session_id", sess.ID, "rental_id", sess.RentalID, "seq", sess.Seq)
	} else {
		observability.SessionsStarted.WithLabelValues("created").Inc()
		s.logger.Info("tracking session started", "session_id", sess.ID, "rental_id", sess.RentalID)
	}
	s.emit(ctx, models.EventStarted, sess, now)
	return models.StartResponse{LocationID: sess.ID, Resumed: existing, Seq: sess.Seq}, nil
}

// Update stores a position. A sequenced write older than the stored one is
// acknowledged without being applied.
func (s *Service) Update(ctx context.Context, req models.UpdateRequest) (models.UpdateResponse, error) {
	if err := check(req); err != nil {
		observability.PositionUpdates.WithLabelValues("rejected").Inc()
		return models.UpdateResponse{}, err
	}
	now := s.now().UTC()
	sess, applied, err := s.store.Append(ctx, req.LocationID, req.RentalID, models.Position{Lat: req.Lat, Lng: req.Lng}, req.Seq, now)
	if err != nil {
		observability.PositionUpdates.WithLabelValues("rejected").Inc()
		return models.UpdateResponse{}, err
	}
	if !applied {
		observability.PositionUpdates.WithLabelValues("stale").Inc()
		s.logger.Debug("stale position ignored", "session_id", req.LocationID, "seq", req.Seq, "stored_seq", sess.Seq)
		return models.UpdateResponse{Ack: true}, nil
	}
	observability.PositionUpdates.WithLabelValues("applied").Inc()
	s.emit(ctx, models.EventPosition, sess, now)
	return models.UpdateResponse{Ack: true, Applied: true}, nil
}

// Stop closes the session. Stopping an already stopped session succeeds.
func (s *Service) Stop(ctx context.Context, req models.StopRequest) error {
	if err := check(req); err != nil {
		return err
	}
	now := s.now().UTC()
	sess, err := s.store.Close(ctx, req.LocationID, req.RentalID, now)
	if err != nil {
		return err
	}
	if !sess.EndedAt.Equal(now) {
		return nil
	}
	observability.SessionsStopped.Inc()
	s.logger.Info("tracking session stopped", "session_id", sess.ID, "rental_id", sess.RentalID, "distance_m", math.Round(sess.DistanceM))
	s.emit(ctx, models.EventStopped, sess, now)
	return nil
}

// List returns the latest position of every open session, oldest first.
func (s *Service) List(ctx context.Context) ([]models.TrackedPosition, error) {
	active, err := s.store.Active(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	stale := 0
	out := make([]models.TrackedPosition, 0, len(active))
	for _, sess := range active {
		if now.Sub(sess.UpdatedAt) >= s.staleAfter {
			stale++
		}
		out = append(out, sess.Tracked())
	}
	observability.ActiveSessions.Set(float64(len(active)))
	observability.StaleSessions.Set(float64(stale))
	return out, nil
}

// Get returns one tracked vehicle. Stopped sessions are not tracked.
func (s *Service) Get(ctx context.Context, id string) (models.TrackedPosition, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return models.TrackedPosition{}, err
	}
	if !sess.Open() {
		return models.TrackedPosition{}, storage.ErrSessionNotFound
	}
	return sess.Tracked(), nil
}

// NearbyVehicle is a tracked vehicle with its distance from the query point.
type NearbyVehicle struct {
	models.TrackedPosition
	DistanceM float64 `json:"distanceM"`
}

// Nearby lists open sessions within radiusM of the point, closest first.
func (s *Service) Nearby(ctx context.Context, lat, lng, radiusM float64, limit int) ([]NearbyVehicle, error) {
	center := models.Position{Lat: lat, Lng: lng}
	if !geo.Finite(center) || math.Abs(lat) > 90 || math.Abs(lng) > 180 {
		return nil, fmt.Errorf("%w: bad coordinates", ErrInvalidRequest)
	}
	if !(radiusM > 0) || math.IsInf(radiusM, 0) {
		return nil, fmt.Errorf("%w: radius must be positive", ErrInvalidRequest)
	}
	active, err := s.store.Active(ctx)
	if err != nil {
		return nil, err
	}
	var out []NearbyVehicle
	for _, sess := range active {
		d := geo.Distance(center, sess.Position)
		if d <= radiusM {
			out = append(out, NearbyVehicle{TrackedPosition: sess.Tracked(), DistanceM: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Service) lookup(ctx context.Context, rentalID string) models.Rental {
	if s.rentals == nil {
		return models.Rental{ID: rentalID}
	}
	r, err := s.rentals.Lookup(ctx, rentalID)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, rentals.ErrRentalNotFound) {
			level = slog.LevelInfo
		}
		s.logger.Log(ctx, level, "rental lookup failed", "rental_id", rentalID, "error", err)
		return models.Rental{ID: rentalID}
	}
	return r
}

func (s *Service) emit(ctx context.Context, typ string, sess models.Session, at time.Time) {
	ev := models.PositionEvent{
		Type:      typ,
		SessionID: sess.ID,
		RentalID:  sess.RentalID,
		Position:  sess.Tracked(),
		Seq:       sess.Seq,
		At:        at,
	}
	if s.hub != nil {
		s.hub.Publish(ctx, ev)
	}
	if s.events != nil {
		if err := s.events.PublishEvent(ctx, ev); err != nil {
			s.logger.Warn("position event not published", "session_id", sess.ID, "type", typ, "error", err)
		}
	}
}
