package booking

import (
	"errors"
	"strings"
)

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAccepted  Status = "ACCEPTED"
	StatusEnRoute   Status = "EN_ROUTE"
	StatusOnSite    Status = "ON_SITE"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

var ErrInvalidStatus = errors.New("invalid booking status")

// ParseStatus normalizes (uppercases+trims) and validates a status string.
func ParseStatus(in string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(in)))
	if status.Valid() {
		return status, nil
	}
	return "", ErrInvalidStatus
}

// Valid reports whether status is one of the allowed booking status constants.
func (status Status) Valid() bool {
	switch status {
	case StatusPending, StatusAccepted, StatusEnRoute, StatusOnSite, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

func (status Status) String() string {
	return string(status)
}

// Terminal indicates the booking is archived and read-only.
func (status Status) Terminal() bool {
	return status == StatusCompleted || status == StatusCancelled
}

// Paired reports whether both parties are known and the booking is live,
// which is the window where tracking and calls are allowed.
func (status Status) Paired() bool {
	switch status {
	case StatusAccepted, StatusEnRoute, StatusOnSite:
		return true
	default:
		return false
	}
}

// HasMechanic reports whether a booking in this status carries an assigned mechanic.
func (status Status) HasMechanic() bool {
	return status.Paired() || status == StatusCompleted
}
