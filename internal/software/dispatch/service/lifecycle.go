package service

import (
	"context"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/general/contracts"
	"roadside-dispatch/internal/general/registry"
)

// Release forgets a closed booking. An offer still out is withdrawn.
// It is registered as a booking-closed hook.
func (e *Engine) Release(ctx context.Context, b booking.Booking) {
	e.mu.Lock()
	a := e.byBooking[b.ID]
	delete(e.byBooking, b.ID)
	for id, other := range e.byRequest {
		if other == a {
			delete(e.byRequest, id)
		}
	}
	e.mu.Unlock()
	if a == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	stopTimer(a.pendingTimer)
	a.pendingTimer = nil
	if offer := a.current; offer != nil && offer.Outcome == OutcomePending {
		offer.Outcome = OutcomeExpired
		e.withdraw(a, offer, contracts.ReasonCancelled)
	}
	a.current = nil
	a.queue = nil
	if a.phase != phaseAssigned {
		a.phase = phaseAborted
	}
	e.logger.Debug(ctx, "dispatch_released", "dispatch state dropped", map[string]any{"status": b.Status})
}

// MechanicGone treats the last dispatch binding of a mechanic going away as a
// decline of any offer that mechanic still holds.
func (e *Engine) MechanicGone(b registry.Binding, remaining int) {
	if remaining > 0 {
		return
	}
	for _, a := range e.snapshot() {
		a.mu.Lock()
		offer := a.current
		if a.phase == phaseOffering && offer != nil && offer.MechanicID == b.Key && offer.Outcome == OutcomePending {
			ctx := e.bookingCtx(a.bookingID)
			offer.Outcome = OutcomeDeclined
			stopTimer(offer.timer)
			a.current = nil
			e.logger.Info(ctx, "offer_dropped", "mechanic disconnected with an open offer", map[string]any{"mechanic_id": b.Key})
			e.advance(ctx, a)
		}
		a.mu.Unlock()
	}
}
