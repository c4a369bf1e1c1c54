package service

import (
	"context"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/domain/geo"
)

// NewBooking is the input of Create.
type NewBooking struct {
	RequesterID  string
	Problem      string
	LocationText string
	Location     geo.Point
	VehicleType  booking.VehicleType
}

// Create registers a new booking in PENDING.
func (m *Manager) Create(ctx context.Context, in NewBooking) (booking.Booking, error) {
	b, err := booking.New(m.newID(), in.RequesterID, in.Problem, in.Location, in.VehicleType, m.now())
	if err != nil {
		return booking.Booking{}, err
	}
	b.LocationText = in.LocationText

	m.mu.Lock()
	m.bookings[b.ID] = b
	m.mu.Unlock()

	m.journal.Record(ctx, *b)
	m.logger.Info(ctx, "booking_created", "booking registered", map[string]any{
		"booking_id":   b.ID,
		"requester_id": b.RequesterID,
		"vehicle_type": b.VehicleType,
	})
	return *b, nil
}
