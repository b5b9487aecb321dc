package models

// Relay wire shapes shared by the server and its clients.

type StartRequest struct {
	RentalID string  `json:"rentalId" validate:"required"`
	Lat      float64 `json:"lat" validate:"finite"`
	Lng      float64 `json:"lng" validate:"finite"`
}

type StartResponse struct {
	LocationID string `json:"locationId"`
	// Resumed is true when the rental already had an open session.
	Resumed bool `json:"resumed,omitempty"`
	// Seq is the last sequence number stored for a resumed session.
	Seq uint64 `json:"seq,omitempty"`
}

type UpdateRequest struct {
	LocationID string  `json:"locationId" validate:"required"`
	RentalID   string  `json:"rentalId" validate:"required"`
	Lat        float64 `json:"lat" validate:"finite"`
	Lng        float64 `json:"lng" validate:"finite"`
	// Seq is a per-session counter set by the tracker; 0 means unsequenced.
	Seq uint64 `json:"seq,omitempty"`
}

type UpdateResponse struct {
	Ack bool `json:"ack"`
	// Applied is false when the relay kept a newer position.
	Applied bool `json:"applied"`
}

type StopRequest struct {
	LocationID string `json:"locationId" validate:"required"`
	RentalID   string `json:"rentalId" validate:"required"`
}

type AckResponse struct {
	Ack bool `json:"ack"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
