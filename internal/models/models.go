package models

import "time"

// Position is a single geolocation reading.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// RentalStatus mirrors the rental lifecycle enum of the rentals API.
type RentalStatus string

const (
	RentalPending   RentalStatus = "pending"
	RentalConfirmed RentalStatus = "confirmed"
	RentalActive    RentalStatus = "active"
	RentalCompleted RentalStatus = "completed"
	RentalCancelled RentalStatus = "cancelled"
)

type Vehicle struct {
	Make         string `json:"make"`
	Model        string `json:"model"`
	LicensePlate string `json:"licensePlate"`
	FuelType     string `json:"fuelType"`
	Year         int    `json:"year"`
}

type Renter struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

// Rental is the denormalized snapshot carried with every tracked position.
type Rental struct {
	ID      string       `json:"id"`
	Vehicle Vehicle      `json:"vehicle"`
	Renter  Renter       `json:"renter"`
	Status  RentalStatus `json:"status"`
}

// TrackedPosition is what the relay serves to fleet dashboards.
type TrackedPosition struct {
	ID        string    `json:"id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
	Rental    Rental    `json:"rental"`
}

func (p TrackedPosition) Position() Position { return Position{Lat: p.Lat, Lng: p.Lng} }

// Session is the relay-side record of one tracking session.
type Session struct {
	ID        string    `json:"id"`
	RentalID  string    `json:"rentalId"`
	Position  Position  `json:"position"`
	Seq       uint64    `json:"seq"`
	DistanceM float64   `json:"distanceM"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
	Rental    Rental    `json:"rental"`
}

func (s Session) Open() bool { return s.EndedAt.IsZero() }

func (s Session) Tracked() TrackedPosition {
	return TrackedPosition{
		ID:        s.ID,
		Lat:       s.Position.Lat,
		Lng:       s.Position.Lng,
		Timestamp: s.UpdatedAt,
		Rental:    s.Rental,
	}
}

// PositionEvent is published on every accepted relay write.
type PositionEvent struct {
	Type      string          `json:"type"` // started, position, stopped
	SessionID string          `json:"sessionId"`
	RentalID  string          `json:"rentalId"`
	Position  TrackedPosition `json:"position"`
	Seq       uint64          `json:"seq,omitempty"`
	At        time.Time       `json:"at"`
}

const (
	EventStarted  = "started"
	EventPosition = "position"
	EventStopped  = "stopped"
)
