package service

import (
	"context"
	"time"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/general/contracts"
)

// Complete moves ON_SITE to COMPLETED, prices the job, notifies both parties
// and closes the booking's tracking and call channels.
func (m *Manager) Complete(ctx context.Context, id, mechanicID string) (booking.Booking, error) {
	b, err := m.mutate(ctx, id, func(b *booking.Booking, now time.Time) error {
		if err := b.Complete(mechanicID, 0, now); err != nil {
			return err
		}
		fare := m.fare(*b)
		b.Fare = &fare
		return nil
	}, func(b booking.Booking) {
		m.sendBoth(b.ID, contracts.WSJobCompleted{
			Type:      contracts.TypeJobCompleted,
			BookingID: b.ID,
			Fare:      b.Fare,
			Message:   contracts.MessageServiceComplete,
		})
	})
	if err != nil {
		return b, err
	}

	m.logger.Info(ctx, "booking_completed", "job completed", map[string]any{
		"booking_id":  id,
		"mechanic_id": b.MechanicID,
		"fare":        *b.Fare,
	})
	m.closeChannels(ctx, b)
	return b, nil
}

// Cancel moves PENDING, ACCEPTED or EN_ROUTE to CANCELLED and closes every
// booking-scoped channel.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (booking.Booking, error) {
	b, err := m.mutate(ctx, id, func(b *booking.Booking, now time.Time) error {
		return b.Cancel(reason, now)
	}, func(b booking.Booking) {
		m.sendBoth(b.ID, contracts.WSBookingCancelled{
			Type:      contracts.TypeBookingCancelled,
			BookingID: b.ID,
			Reason:    b.CancelReason,
		})
	})
	if err != nil {
		return b, err
	}

	m.logger.Info(ctx, "booking_cancelled", "booking cancelled", map[string]any{
		"booking_id": id,
		"reason":     b.CancelReason,
	})
	m.closeChannels(ctx, b)
	return b, nil
}
