package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/domain/mechanic"
	"roadside-dispatch/internal/general/logger"
	"roadside-dispatch/internal/general/postgres"
	"roadside-dispatch/internal/general/registry"
	bookingsvc "roadside-dispatch/internal/software/booking/service"
	callsvc "roadside-dispatch/internal/software/call/service"
	dispatchsvc "roadside-dispatch/internal/software/dispatch/service"
)

var ErrMechanicIDRequired = errors.New("mechanic_id is required")

// Bookings is the live booking owner.
type Bookings interface {
	Get(id string) (booking.Booking, error)
	Arrive(ctx context.Context, id, mechanicID string) (booking.Booking, error)
	Complete(ctx context.Context, id, mechanicID string) (booking.Booking, error)
	Cancel(ctx context.Context, id, reason string) (booking.Booking, error)
	Counts() map[booking.Status]int
}

// Dispatcher runs the offer cascade.
type Dispatcher interface {
	Submit(ctx context.Context, req dispatchsvc.Request) (dispatchsvc.Submission, error)
	Resubmit(ctx context.Context, bookingID string) (dispatchsvc.Submission, error)
	Accept(ctx context.Context, mechanicID, requestID string) (dispatchsvc.Result, error)
	Decline(ctx context.Context, mechanicID, requestID string) (dispatchsvc.Result, error)
	AcceptBooking(ctx context.Context, mechanicID, bookingID string) (dispatchsvc.Result, error)
	Active() int
}

// Archive serves bookings that already left memory.
type Archive interface {
	GetByID(ctx context.Context, id string) (booking.Booking, error)
}

// Mechanics stores mechanic duty state.
type Mechanics interface {
	SetAvailability(ctx context.Context, a mechanic.Availability, now time.Time) error
}

type CallStats interface {
	Counts() map[callsvc.State]int
}

type BindingStats interface {
	Stats() map[registry.Topic]int
}

// Broker reports whether booking events can currently be published.
type Broker interface {
	Ready() bool
}

// Service is the request/response side of the core. HTTP handlers and the
// booking command consumer both go through it so transitions take one path.
type Service struct {
	logger     *logger.Logger
	bookings   Bookings
	dispatcher Dispatcher
	archive    Archive
	mechanics  Mechanics
	calls      CallStats
	bindings   BindingStats
	broker     Broker
	now        func() time.Time
}

// Deps groups the collaborators of Service. Archive, Mechanics, Calls,
// Bindings and Broker may be nil.
type Deps struct {
	Bookings   Bookings
	Dispatcher Dispatcher
	Archive    Archive
	Mechanics  Mechanics
	Calls      CallStats
	Bindings   BindingStats
	Broker     Broker
}

func New(log *logger.Logger, deps Deps) *Service {
	return &Service{
		logger:     log,
		bookings:   deps.Bookings,
		dispatcher: deps.Dispatcher,
		archive:    deps.Archive,
		mechanics:  deps.Mechanics,
		calls:      deps.Calls,
		bindings:   deps.Bindings,
		broker:     deps.Broker,
		now:        time.Now,
	}
}

// CreateBooking validates the request and starts dispatch for it.
func (s *Service) CreateBooking(ctx context.Context, req dispatchsvc.Request) (dispatchsvc.Submission, error) {
	if err := req.Location.Validate(); err != nil {
		return dispatchsvc.Submission{}, err
	}
	if req.VehicleType != "" {
		vt, err := booking.ParseVehicleType(string(req.VehicleType))
		if err != nil {
			return dispatchsvc.Submission{}, err
		}
		req.VehicleType = vt
	}
	return s.dispatcher.Submit(ctx, req)
}

// GetBooking returns the live booking, falling back to the archive for
// bookings pruned after retention.
func (s *Service) GetBooking(ctx context.Context, id string) (booking.Booking, error) {
	b, err := s.bookings.Get(id)
	if err == nil || !errors.Is(err, bookingsvc.ErrNotFound) || s.archive == nil {
		return b, err
	}

	b, err = s.archive.GetByID(ctx, id)
	if errors.Is(err, postgres.ErrBookingNotFound) {
		return booking.Booking{}, bookingsvc.ErrNotFound
	}
	if err != nil {
		return booking.Booking{}, fmt.Errorf("load archived booking: %w", err)
	}
	return b, nil
}

// Resubmit restarts dispatch for a PENDING booking whose queue ran out.
func (s *Service) Resubmit(ctx context.Context, bookingID string) (dispatchsvc.Submission, error) {
	return s.dispatcher.Resubmit(ctx, bookingID)
}

// RespondOffer forwards a REST accept or decline to the engine.
func (s *Service) RespondOffer(ctx context.Context, mechanicID, requestID string, accept bool) (dispatchsvc.Result, error) {
	if accept {
		return s.dispatcher.Accept(ctx, mechanicID, requestID)
	}
	return s.dispatcher.Decline(ctx, mechanicID, requestID)
}

// SetAvailability records a mechanic's duty state and position.
func (s *Service) SetAvailability(ctx context.Context, a mechanic.Availability) error {
	a.MechanicID = strings.TrimSpace(a.MechanicID)
	if err := a.Validate(); err != nil {
		return err
	}
	if s.mechanics == nil {
		return errors.New("mechanic directory not configured")
	}
	if err := s.mechanics.SetAvailability(ctx, a, s.now()); err != nil {
		return fmt.Errorf("set availability: %w", err)
	}

	details := map[string]any{"mechanic_id": a.MechanicID, "is_available": a.Available}
	if a.Location != nil {
		details["location"] = *a.Location
	}
	s.logger.Info(ctx, "mechanic_availability_updated", "availability updated", details)
	return nil
}
