package service

import (
	"context"
	"time"

	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/contracts"
	"roadside-dispatch/internal/general/registry"
)

// advance offers the booking to the next reachable candidate, or marks the
// attempt exhausted when none is left. Caller holds a.mu.
func (e *Engine) advance(ctx context.Context, a *attempt) {
	for len(a.queue) > 0 {
		mechanicID := a.queue[0]
		a.queue = a.queue[1:]

		if e.cfg.SkipOffline && e.notifier.Count(registry.TopicDispatch, mechanicID, user.PartyMechanic) == 0 {
			e.logger.Debug(ctx, "candidate_skipped", "mechanic not connected", map[string]any{"mechanic_id": mechanicID})
			continue
		}

		now := e.now().UTC()
		offer := &Offer{
			BookingID:  a.bookingID,
			MechanicID: mechanicID,
			OfferedAt:  now,
			ExpiresAt:  now.Add(e.cfg.OfferTimeout),
			Outcome:    OutcomePending,
			seq:        len(a.offers) + 1,
		}
		a.offers = append(a.offers, offer)

		delivered := e.notifier.SendToParty(registry.TopicDispatch, mechanicID, user.PartyMechanic, contracts.WSNewRequest{
			Type:         contracts.TypeNewRequest,
			RequestID:    a.requestID,
			BookingID:    a.bookingID,
			Problem:      a.problem,
			Latitude:     a.location.Latitude,
			Longitude:    a.location.Longitude,
			LocationText: a.locText,
			VehicleType:  a.vehicleType.String(),
			ExpiresAt:    offer.ExpiresAt,
		})
		if delivered == 0 && e.cfg.SkipOffline {
			offer.Outcome = OutcomeExpired
			continue
		}

		a.current = offer
		seq := offer.seq
		offer.timer = time.AfterFunc(e.cfg.OfferTimeout, func() { e.expire(a, seq) })

		e.logger.Info(ctx, "offer_sent", "booking offered to mechanic", map[string]any{
			"mechanic_id": mechanicID,
			"request_id":  a.requestID,
			"attempt":     seq,
			"delivered":   delivered,
		})
		return
	}

	a.current = nil
	a.phase = phaseExhausted
	if _, err := e.bookings.NoCandidates(ctx, a.bookingID); err != nil {
		e.logger.Error(ctx, "no_candidates_record_failed", "could not record exhausted queue", err, nil)
	}
	e.notifier.SendToParty(registry.TopicTracking, a.bookingID, user.PartyRequester, contracts.WSNoMechanicAccepted{
		Type:      contracts.TypeNoMechanicAccepted,
		BookingID: a.bookingID,
		Message:   contracts.MessageNoMechanic,
	})
	if e.cfg.PendingTTL > 0 {
		a.pendingTimer = time.AfterFunc(e.cfg.PendingTTL, func() { e.expirePending(a) })
	}
	e.logger.Info(ctx, "dispatch_exhausted", "no mechanic accepted", map[string]any{"offers": len(a.offers)})
}

// expire fires when an offer's timer runs out. A timer that lost the race to
// an accept or decline finds a different seq or outcome and does nothing.
func (e *Engine) expire(a *attempt, seq int) {
	ctx := e.bookingCtx(a.bookingID)

	a.mu.Lock()
	defer a.mu.Unlock()
	offer := a.current
	if a.phase != phaseOffering || offer == nil || offer.seq != seq || offer.Outcome != OutcomePending {
		return
	}
	offer.Outcome = OutcomeExpired
	a.current = nil
	e.withdraw(a, offer, contracts.ReasonTimeout)
	e.logger.Info(ctx, "offer_expired", "mechanic did not answer in time", map[string]any{
		"mechanic_id": offer.MechanicID,
		"attempt":     seq,
	})
	e.advance(ctx, a)
}

// expirePending cancels a booking left PENDING after its queue ran out.
func (e *Engine) expirePending(a *attempt) {
	ctx := e.bookingCtx(a.bookingID)

	a.mu.Lock()
	if a.phase != phaseExhausted {
		a.mu.Unlock()
		return
	}
	a.phase = phaseAborted
	a.pendingTimer = nil
	a.mu.Unlock()

	// the booking lock and the closed hooks run without a.mu held
	if _, err := e.bookings.Cancel(ctx, a.bookingID, contracts.ReasonNoMechanic); err != nil {
		e.logger.Error(ctx, "pending_expiry_failed", "could not cancel unmatched booking", err, nil)
		return
	}
	e.logger.Info(ctx, "pending_expired", "unmatched booking cancelled", map[string]any{"ttl": e.cfg.PendingTTL.String()})
}

func (e *Engine) withdraw(a *attempt, offer *Offer, reason string) {
	stopTimer(offer.timer)
	e.notifier.SendToParty(registry.TopicDispatch, offer.MechanicID, user.PartyMechanic, contracts.WSOfferWithdrawn{
		Type:      contracts.TypeOfferWithdrawn,
		RequestID: a.requestID,
		BookingID: a.bookingID,
		Reason:    reason,
	})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
