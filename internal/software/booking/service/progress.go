package service

import (
	"context"
	"time"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/domain/geo"
	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/contracts"
	"roadside-dispatch/internal/general/registry"
)

// Assign records the dispatch winner (PENDING -> ACCEPTED).
func (m *Manager) Assign(ctx context.Context, id, mechanicID string) (booking.Booking, error) {
	b, err := m.mutate(ctx, id, func(b *booking.Booking, now time.Time) error {
		return b.Assign(mechanicID, now)
	}, nil)
	if err != nil {
		return b, err
	}
	m.logger.Info(ctx, "booking_accepted", "mechanic assigned", map[string]any{
		"booking_id":  id,
		"mechanic_id": mechanicID,
	})
	return b, nil
}

// NoCandidates records an exhausted candidate queue; the booking stays PENDING.
func (m *Manager) NoCandidates(ctx context.Context, id string) (booking.Booking, error) {
	return m.mutate(ctx, id, func(b *booking.Booking, now time.Time) error {
		return b.NoCandidates(now)
	}, nil)
}

// MechanicLocation applies a location report from the assigned mechanic and
// reports whether it moved the booking EN_ROUTE. Reports outside the paired
// window return the booking unchanged.
func (m *Manager) MechanicLocation(ctx context.Context, id string, at geo.Point) (booking.Booking, bool, error) {
	var changed bool
	b, err := m.mutate(ctx, id, func(b *booking.Booking, now time.Time) error {
		var err error
		changed, err = b.MechanicReported(at, now)
		if err == nil && !changed {
			return errUnchanged
		}
		return err
	}, func(b booking.Booking) {
		m.notifier.SendToParty(registry.TopicTracking, b.ID, user.PartyRequester, contracts.WSBookingStatus{
			Type:      contracts.TypeBookingStatus,
			BookingID: b.ID,
			Status:    b.Status.String(),
		})
	})
	if err == nil && changed {
		m.logger.Info(ctx, "booking_en_route", "mechanic started moving", map[string]any{
			"booking_id":  id,
			"distance_km": b.DistanceKM,
		})
	}
	return b, changed, err
}

// Arrive moves ACCEPTED or EN_ROUTE to ON_SITE.
func (m *Manager) Arrive(ctx context.Context, id, mechanicID string) (booking.Booking, error) {
	return m.mutate(ctx, id, func(b *booking.Booking, now time.Time) error {
		return b.Arrive(mechanicID, now)
	}, func(b booking.Booking) {
		m.sendBoth(b.ID, contracts.WSBookingStatus{
			Type:      contracts.TypeBookingStatus,
			BookingID: b.ID,
			Status:    b.Status.String(),
		})
	})
}
