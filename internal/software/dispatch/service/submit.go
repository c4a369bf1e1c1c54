package service

import (
	"context"
	"errors"
	"fmt"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/domain/geo"
	"roadside-dispatch/internal/general/contracts"
	bookingsvc "roadside-dispatch/internal/software/booking/service"
)

var ErrDispatchInProgress = fmt.Errorf("dispatch still running: %w", contracts.ErrIllegalTransition)

// Request is a new roadside-assistance request.
type Request struct {
	RequesterID  string
	Problem      string
	LocationText string
	Location     geo.Point
	VehicleType  booking.VehicleType
}

// Submission tells the caller where the request stands.
type Submission struct {
	BookingID  string
	RequestID  string
	Candidates int
	Exhausted  bool
}

// Submit creates the booking in PENDING and offers it to the first reachable candidate.
func (e *Engine) Submit(ctx context.Context, req Request) (Submission, error) {
	b, err := e.bookings.Create(ctx, bookingsvc.NewBooking{
		RequesterID:  req.RequesterID,
		Problem:      req.Problem,
		LocationText: req.LocationText,
		Location:     req.Location,
		VehicleType:  req.VehicleType,
	})
	if err != nil {
		return Submission{}, err
	}
	ctx = e.logger.WithBookingID(ctx, b.ID)

	candidates := e.rank(ctx, b)
	a := &attempt{
		bookingID:   b.ID,
		requestID:   e.newID(),
		requesterID: b.RequesterID,
		problem:     b.Problem,
		location:    b.Location,
		locText:     b.LocationText,
		vehicleType: b.VehicleType,
		queue:       candidates,
	}
	e.register(a, a.requestID)

	a.mu.Lock()
	e.advance(ctx, a)
	sub := Submission{BookingID: b.ID, RequestID: a.requestID, Candidates: len(candidates), Exhausted: a.phase == phaseExhausted}
	a.mu.Unlock()

	e.logger.Info(ctx, "dispatch_started", "request submitted", map[string]any{
		"request_id": sub.RequestID,
		"candidates": sub.Candidates,
	})
	return sub, nil
}

// Resubmit re-ranks and restarts the cascade for a PENDING booking whose
// previous queue ran out. The new attempt gets a fresh request id.
func (e *Engine) Resubmit(ctx context.Context, bookingID string) (Submission, error) {
	b, err := e.bookings.Get(bookingID)
	if err != nil {
		return Submission{}, err
	}
	if b.Status != booking.StatusPending {
		return Submission{}, fmt.Errorf("booking is %s: %w", b.Status, contracts.ErrIllegalTransition)
	}
	ctx = e.logger.WithBookingID(ctx, b.ID)

	a := e.lookupBooking(bookingID)
	if a == nil {
		a = &attempt{
			bookingID:   b.ID,
			requesterID: b.RequesterID,
			problem:     b.Problem,
			location:    b.Location,
			locText:     b.LocationText,
			vehicleType: b.VehicleType,
			phase:       phaseExhausted,
		}
	}
	candidates := e.rank(ctx, b)

	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.phase {
	case phaseOffering:
		return Submission{}, ErrDispatchInProgress
	case phaseAssigned, phaseAborted:
		return Submission{}, fmt.Errorf("booking %s: %w", bookingID, contracts.ErrStaleReference)
	}
	stopTimer(a.pendingTimer)
	a.pendingTimer = nil
	a.requestID = e.newID()
	a.queue = candidates
	a.phase = phaseOffering
	e.register(a, a.requestID)
	e.advance(ctx, a)

	e.logger.Info(ctx, "dispatch_resubmitted", "request resubmitted", map[string]any{
		"request_id": a.requestID,
		"candidates": len(candidates),
	})
	return Submission{BookingID: b.ID, RequestID: a.requestID, Candidates: len(candidates), Exhausted: a.phase == phaseExhausted}, nil
}

func (e *Engine) rank(ctx context.Context, b booking.Booking) []string {
	if e.ranker == nil {
		return nil
	}
	ids, err := e.ranker.RankCandidates(ctx, CandidateQuery{
		Location:    b.Location,
		VehicleType: b.VehicleType,
		RadiusKM:    e.cfg.SearchRadiusKM,
		Limit:       e.cfg.MaxCandidates,
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Error(ctx, "candidate_ranking_failed", "could not rank mechanics", err, nil)
		}
		return nil
	}

	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
