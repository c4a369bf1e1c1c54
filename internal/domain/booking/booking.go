package booking

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"roadside-dispatch/internal/domain/geo"
)

// Booking is one service request from submission to completion or cancellation.
type Booking struct {
	ID          string
	RequesterID string
	MechanicID  string // empty until matched

	Status       Status
	Problem      string
	LocationText string
	Location     geo.Point
	VehicleType  VehicleType

	DistanceKM   float64
	Fare         *float64
	CancelReason string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	AcceptedAt  *time.Time
	EnRouteAt   *time.Time
	ArrivedAt   *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
}

var (
	ErrRequesterRequired       = errors.New("requester id is required")
	ErrProblemRequired         = errors.New("problem description is required")
	ErrMechanicRequired        = errors.New("mechanic id is required")
	ErrInvalidStatusTransition = errors.New("invalid booking status transition")
	ErrClosed                  = errors.New("booking is closed")
	ErrNotAssignedMechanic     = errors.New("mechanic is not assigned to this booking")
)

// New creates a booking in PENDING.
func New(id, requesterID, problem string, location geo.Point, vt VehicleType, now time.Time) (*Booking, error) {
	if requesterID = strings.TrimSpace(requesterID); requesterID == "" {
		return nil, ErrRequesterRequired
	}
	if problem = strings.TrimSpace(problem); problem == "" {
		return nil, ErrProblemRequired
	}
	if err := location.Validate(); err != nil {
		return nil, err
	}
	if vt != "" && !vt.Valid() {
		return nil, ErrInvalidVehicleType
	}
	now = now.UTC()
	return &Booking{
		ID:          id,
		RequesterID: requesterID,
		Status:      StatusPending,
		Problem:     problem,
		Location:    location,
		VehicleType: vt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// apply moves the booking along the transition table.
func (b *Booking) apply(event Event, now time.Time) error {
	if b.Status.Terminal() {
		return ErrClosed
	}
	next, ok := Next(b.Status, event)
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrInvalidStatusTransition, event, b.Status)
	}
	b.Status = next
	b.UpdatedAt = now.UTC()
	return nil
}

// Assign records the dispatch winner: PENDING -> ACCEPTED.
func (b *Booking) Assign(mechanicID string, now time.Time) error {
	if mechanicID = strings.TrimSpace(mechanicID); mechanicID == "" {
		return ErrMechanicRequired
	}
	if err := b.apply(EventMatch, now); err != nil {
		return err
	}
	b.MechanicID = mechanicID
	at := now.UTC()
	b.AcceptedAt = &at
	return nil
}

// NoCandidates is the PENDING self-loop after an exhausted candidate queue.
func (b *Booking) NoCandidates(now time.Time) error {
	return b.apply(EventNoCandidates, now)
}

// MechanicReported handles a location report from the assigned mechanic.
// The first one after ACCEPTED moves the booking EN_ROUTE; it returns true then.
func (b *Booking) MechanicReported(from geo.Point, now time.Time) (bool, error) {
	if b.Status.Terminal() {
		return false, ErrClosed
	}
	if b.Status != StatusAccepted {
		return false, nil
	}
	if err := b.apply(EventFirstLocation, now); err != nil {
		return false, err
	}
	at := now.UTC()
	b.EnRouteAt = &at
	b.DistanceKM = from.DistanceKM(b.Location)
	return true, nil
}

// Arrive moves ACCEPTED or EN_ROUTE -> ON_SITE.
func (b *Booking) Arrive(mechanicID string, now time.Time) error {
	if err := b.requireMechanic(mechanicID); err != nil {
		return err
	}
	if err := b.apply(EventArrive, now); err != nil {
		return err
	}
	at := now.UTC()
	b.ArrivedAt = &at
	return nil
}

// Complete moves ON_SITE -> COMPLETED and attaches the fare.
func (b *Booking) Complete(mechanicID string, fare float64, now time.Time) error {
	if err := b.requireMechanic(mechanicID); err != nil {
		return err
	}
	if err := b.apply(EventComplete, now); err != nil {
		return err
	}
	at := now.UTC()
	b.CompletedAt = &at
	b.Fare = &fare
	return nil
}

// Cancel moves PENDING, ACCEPTED or EN_ROUTE -> CANCELLED.
func (b *Booking) Cancel(reason string, now time.Time) error {
	if err := b.apply(EventCancel, now); err != nil {
		return err
	}
	at := now.UTC()
	b.CancelledAt = &at
	b.CancelReason = strings.TrimSpace(reason)
	b.MechanicID = ""
	return nil
}

// requireMechanic allows an empty id for callers acting on behalf of the mechanic.
func (b *Booking) requireMechanic(mechanicID string) error {
	if mechanicID != "" && b.MechanicID != "" && mechanicID != b.MechanicID {
		return ErrNotAssignedMechanic
	}
	return nil
}

// ServiceMinutes is the time from acceptance (or en-route) to completion.
func (b *Booking) ServiceMinutes() float64 {
	if b.CompletedAt == nil {
		return 0
	}
	start := b.AcceptedAt
	if b.EnRouteAt != nil {
		start = b.EnRouteAt
	}
	if start == nil {
		return 0
	}
	return b.CompletedAt.Sub(*start).Minutes()
}
