package contracts

import "time"

// BookingStatusMessage is published on booking.status.{STATUS} after every transition.
type BookingStatusMessage struct {
	BookingID   string    `json:"booking_id"`
	Status      string    `json:"status"`
	RequesterID string    `json:"requester_id"`
	MechanicID  string    `json:"mechanic_id,omitempty"`
	Fare        *float64  `json:"fare,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Envelope
}

// BookingCommand arrives on booking.command.* from the request/response API.
type BookingCommand struct {
	BookingID  string `json:"booking_id"`
	Status     string `json:"status"` // ACCEPTED | ON_SITE | COMPLETED | CANCELLED
	MechanicID string `json:"mechanic_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Envelope
}
