package service

import (
	"context"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/contracts"
	"roadside-dispatch/internal/general/registry"
)

// PartyLeft ends the call when a party's last call binding goes away: a
// callee leaving a ringing call rejects it, anything else ends it.
func (r *Relay) PartyLeft(b registry.Binding, remaining int) {
	if remaining > 0 {
		return
	}
	ctx := r.bookingCtx(b.Key)
	unlock := r.locks.Lock(b.Key)
	defer unlock()

	s := r.slot(b.Key)
	if s == nil {
		return
	}
	kind := contracts.TypeEndCall
	if s.session.State == StateRinging && b.Party == s.session.Callee {
		kind = contracts.TypeRejectCall
	}
	r.destroy(ctx, s, contracts.ReasonDisconnected, b.Party)
	r.notifier.SendToParty(registry.TopicCall, b.Key, b.Party.Other(), contracts.WSCallSignal{
		Type:      kind,
		BookingID: b.Key,
		CallID:    s.session.ID,
		Sender:    b.Party.String(),
		Reason:    contracts.ReasonDisconnected,
	})
}

// Close ends any call of a booking that was completed or cancelled. It is
// registered as a booking-closed hook.
func (r *Relay) Close(ctx context.Context, b booking.Booking) {
	unlock := r.locks.Lock(b.ID)
	defer unlock()

	s := r.slot(b.ID)
	if s == nil {
		return
	}
	r.destroy(ctx, s, contracts.ReasonBookingClosed, "")
	r.endBoth(b.ID, s.session.ID, contracts.ReasonBookingClosed)
}

func (r *Relay) ringExpired(bookingID, callID string) {
	ctx := r.bookingCtx(bookingID)
	unlock := r.locks.Lock(bookingID)
	defer unlock()

	s := r.slot(bookingID)
	if s == nil || s.session.ID != callID || s.session.State != StateRinging {
		return
	}
	r.destroy(ctx, s, contracts.ReasonNoAnswer, "")
	r.endBoth(bookingID, callID, contracts.ReasonNoAnswer)
}

func (r *Relay) endBoth(bookingID, callID, reason string) {
	for _, p := range []user.Party{user.PartyRequester, user.PartyMechanic} {
		r.notifier.SendToParty(registry.TopicCall, bookingID, p, contracts.WSCallSignal{
			Type:      contracts.TypeEndCall,
			BookingID: bookingID,
			CallID:    callID,
			Reason:    reason,
		})
	}
}

// destroy removes the session and logs it. Caller holds the booking's lock.
func (r *Relay) destroy(ctx context.Context, s *slot, outcome string, endedBy user.Party) {
	stopTimer(s.ringTimer)
	s.ringTimer = nil
	s.pending = nil

	session := s.session
	r.mu.Lock()
	if r.slots[session.BookingID] == s {
		delete(r.slots, session.BookingID)
	}
	r.mu.Unlock()

	if r.logs != nil {
		r.logs.Record(ctx, CallLog{
			BookingID:  session.BookingID,
			CallID:     session.ID,
			Caller:     session.Caller.String(),
			Callee:     session.Callee.String(),
			StartedAt:  session.StartedAt,
			AnsweredAt: session.AnsweredAt,
			EndedAt:    r.now().UTC(),
			EndedBy:    endedBy.String(),
			Outcome:    outcome,
		})
	}
	r.logger.Info(ctx, "call_closed", "call session destroyed", map[string]any{
		"call_id":  session.ID,
		"state":    session.State,
		"outcome":  outcome,
		"ended_by": endedBy,
	})
}
