package service

import (
	"context"
	"fmt"

	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/contracts"
	"roadside-dispatch/internal/general/registry"
)

// Result is what the mechanic is told about an accept or decline.
type Result struct {
	RequestID string
	BookingID string
	Status    string
}

// Accept resolves the race for a booking. Only the mechanic holding the
// current PENDING offer can win; the outcome flips under the attempt lock so
// the first accept wins and every later one gets already_taken.
func (e *Engine) Accept(ctx context.Context, mechanicID, requestID string) (Result, error) {
	res := Result{RequestID: requestID, Status: contracts.ResultExpired}

	a := e.lookupRequest(requestID)
	if a == nil {
		e.reply(mechanicID, contracts.TypeAcceptResult, res)
		return res, fmt.Errorf("request %s: %w", requestID, contracts.ErrStaleReference)
	}
	res.BookingID = a.bookingID
	ctx = e.logger.WithBookingID(ctx, a.bookingID)

	a.mu.Lock()
	res, won, err := e.accept(ctx, a, mechanicID, requestID, res)
	var passed []string
	if won {
		passed = passedOver(a, mechanicID)
	}
	a.mu.Unlock()

	e.reply(mechanicID, contracts.TypeAcceptResult, res)
	if won {
		e.announce(ctx, a.bookingID, mechanicID)
		e.taken(a.bookingID, requestID, passed)
	}
	return res, err
}

// passedOver lists the mechanics offered this booking before the winner,
// once each. Caller holds a.mu.
func passedOver(a *attempt, winner string) []string {
	seen := make(map[string]struct{}, len(a.offers))
	out := make([]string, 0, len(a.offers))
	for _, o := range a.offers {
		if o.MechanicID == winner {
			continue
		}
		if _, dup := seen[o.MechanicID]; dup {
			continue
		}
		seen[o.MechanicID] = struct{}{}
		out = append(out, o.MechanicID)
	}
	return out
}

// taken clears the request from every mechanic that saw it earlier.
func (e *Engine) taken(bookingID, requestID string, mechanicIDs []string) {
	if len(mechanicIDs) == 0 {
		return
	}
	e.notifier.BroadcastTo(registry.TopicDispatch, mechanicIDs, contracts.WSOfferWithdrawn{
		Type:      contracts.TypeOfferWithdrawn,
		RequestID: requestID,
		BookingID: bookingID,
		Reason:    contracts.ReasonTaken,
	})
}

func (e *Engine) accept(ctx context.Context, a *attempt, mechanicID, requestID string, res Result) (Result, bool, error) {
	switch {
	case a.phase == phaseAssigned:
		res.Status = contracts.ResultAlreadyTaken
		return res, false, contracts.ErrRaceLoss
	case a.phase == phaseAborted, a.requestID != requestID:
		return res, false, fmt.Errorf("request %s: %w", requestID, contracts.ErrStaleReference)
	}

	offer := a.current
	if offer == nil || offer.MechanicID != mechanicID || offer.Outcome != OutcomePending {
		return res, false, fmt.Errorf("no open offer for mechanic %s: %w", mechanicID, contracts.ErrStaleReference)
	}

	offer.Outcome = OutcomeAccepted
	stopTimer(offer.timer)
	a.current = nil

	if _, err := e.bookings.Assign(ctx, a.bookingID, mechanicID); err != nil {
		// the booking moved on (e.g. cancelled) between offer and accept
		offer.Outcome = OutcomeExpired
		a.phase = phaseAborted
		a.queue = nil
		e.logger.Error(ctx, "assign_failed", "accepted offer could not be applied", err, map[string]any{"mechanic_id": mechanicID})
		return res, false, err
	}

	a.phase = phaseAssigned
	a.winner = mechanicID
	a.queue = nil
	stopTimer(a.pendingTimer)

	res.Status = contracts.ResultAccepted
	e.logger.Info(ctx, "offer_accepted", "mechanic won the booking", map[string]any{
		"mechanic_id": mechanicID,
		"attempt":     offer.seq,
	})
	return res, true, nil
}

// AcceptBooking is Accept addressed by booking id, for callers that never saw
// the request id (the REST and broker status paths).
func (e *Engine) AcceptBooking(ctx context.Context, mechanicID, bookingID string) (Result, error) {
	a := e.lookupBooking(bookingID)
	if a == nil {
		return Result{BookingID: bookingID, Status: contracts.ResultExpired},
			fmt.Errorf("no dispatch for booking %s: %w", bookingID, contracts.ErrStaleReference)
	}
	a.mu.Lock()
	requestID := a.requestID
	a.mu.Unlock()
	return e.Accept(ctx, mechanicID, requestID)
}

// Decline passes on the current offer and moves to the next candidate.
func (e *Engine) Decline(ctx context.Context, mechanicID, requestID string) (Result, error) {
	res := Result{RequestID: requestID, Status: contracts.ResultExpired}

	a := e.lookupRequest(requestID)
	if a == nil {
		e.reply(mechanicID, contracts.TypeDeclineResult, res)
		return res, fmt.Errorf("request %s: %w", requestID, contracts.ErrStaleReference)
	}
	res.BookingID = a.bookingID
	ctx = e.logger.WithBookingID(ctx, a.bookingID)

	a.mu.Lock()
	defer a.mu.Unlock()

	offer := a.current
	if a.phase != phaseOffering || a.requestID != requestID || offer == nil ||
		offer.MechanicID != mechanicID || offer.Outcome != OutcomePending {
		if a.phase == phaseAssigned {
			res.Status = contracts.ResultAlreadyTaken
		}
		e.reply(mechanicID, contracts.TypeDeclineResult, res)
		return res, fmt.Errorf("no open offer for mechanic %s: %w", mechanicID, contracts.ErrStaleReference)
	}

	offer.Outcome = OutcomeDeclined
	stopTimer(offer.timer)
	a.current = nil
	res.Status = contracts.ResultDeclined
	e.reply(mechanicID, contracts.TypeDeclineResult, res)

	e.logger.Info(ctx, "offer_declined", "mechanic declined", map[string]any{
		"mechanic_id": mechanicID,
		"attempt":     offer.seq,
	})
	e.advance(ctx, a)
	return res, nil
}

func (e *Engine) reply(mechanicID, kind string, res Result) {
	e.notifier.SendToParty(registry.TopicDispatch, mechanicID, user.PartyMechanic, contracts.WSOfferResult{
		Type:      kind,
		RequestID: res.RequestID,
		BookingID: res.BookingID,
		Status:    res.Status,
	})
}

// announce tells the requester who is coming. Only the winning accept calls it.
func (e *Engine) announce(ctx context.Context, bookingID, mechanicID string) {
	msg := contracts.WSMechanicAssigned{
		Type:       contracts.TypeMechanicAssigned,
		BookingID:  bookingID,
		MechanicID: mechanicID,
	}
	if e.directory != nil {
		p, err := e.directory.Profile(ctx, mechanicID)
		if err != nil {
			e.logger.Error(ctx, "mechanic_profile_failed", "assignment sent without profile", err, map[string]any{"mechanic_id": mechanicID})
		} else {
			msg.MechanicName = p.Name
			msg.MechanicPhone = p.Phone
			if p.Location != nil {
				lat, lng := p.Location.Latitude, p.Location.Longitude
				msg.Latitude, msg.Longitude = &lat, &lng
			}
		}
	}
	e.notifier.SendToParty(registry.TopicTracking, bookingID, user.PartyRequester, msg)
}
