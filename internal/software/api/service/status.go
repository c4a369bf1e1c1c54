package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/general/contracts"
)

// ErrUnsupportedStatus is returned for target statuses the API does not drive.
var ErrUnsupportedStatus = errors.New("status must be ACCEPTED, ON_SITE, COMPLETED or CANCELLED")

// StatusChange is one requested booking transition.
type StatusChange struct {
	BookingID  string
	Status     string
	MechanicID string
	Reason     string
}

// ApplyStatus drives a booking to the requested status. ACCEPTED goes through
// the dispatch race so it can never double-assign a booking.
func (s *Service) ApplyStatus(ctx context.Context, change StatusChange) (booking.Booking, error) {
	status, err := booking.ParseStatus(change.Status)
	if err != nil {
		return booking.Booking{}, ErrUnsupportedStatus
	}
	id := strings.TrimSpace(change.BookingID)
	mechanicID := strings.TrimSpace(change.MechanicID)
	ctx = s.logger.WithBookingID(ctx, id)

	if status == booking.StatusAccepted {
		if mechanicID == "" {
			return booking.Booking{}, ErrMechanicIDRequired
		}
		if _, err := s.dispatcher.AcceptBooking(ctx, mechanicID, id); err != nil {
			return booking.Booking{}, err
		}
		return s.bookings.Get(id)
	}

	event, ok := booking.EventFor(status)
	if !ok {
		return booking.Booking{}, ErrUnsupportedStatus
	}
	switch event {
	case booking.EventArrive:
		return s.bookings.Arrive(ctx, id, mechanicID)
	case booking.EventComplete:
		return s.bookings.Complete(ctx, id, mechanicID)
	default:
		return s.bookings.Cancel(ctx, id, change.Reason)
	}
}

// HandleCommand applies a booking command from the broker. Commands that lost
// a race or arrived for a closed booking are logged and acknowledged since
// redelivery cannot change the outcome.
func (s *Service) HandleCommand(ctx context.Context, cmd contracts.BookingCommand) error {
	if cmd.CorrelationID != "" {
		ctx = s.logger.WithRequestID(ctx, cmd.CorrelationID)
	}
	b, err := s.ApplyStatus(ctx, StatusChange{
		BookingID:  cmd.BookingID,
		Status:     cmd.Status,
		MechanicID: cmd.MechanicID,
		Reason:     cmd.Reason,
	})
	switch {
	case err == nil:
		s.logger.Info(ctx, "booking_command_applied", "booking command applied", map[string]any{
			"booking_id": b.ID,
			"status":     b.Status,
		})
		return nil
	case errors.Is(err, contracts.ErrStaleReference),
		errors.Is(err, contracts.ErrIllegalTransition),
		errors.Is(err, contracts.ErrRaceLoss):
		s.logger.Warn(ctx, "booking_command_rejected", err.Error(), map[string]any{
			"booking_id": cmd.BookingID,
			"status":     cmd.Status,
		})
		return nil
	default:
		return fmt.Errorf("booking command %s -> %s: %w", cmd.BookingID, cmd.Status, err)
	}
}
