package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/contracts"
	"roadside-dispatch/internal/general/registry"
)

// Handle processes one inbound call frame from party on bookingID. Frames for
// one booking are handled one at a time.
func (r *Relay) Handle(ctx context.Context, bookingID string, from user.Party, payload []byte) error {
	var sig contracts.WSCallSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return fmt.Errorf("decode call frame: %w", err)
	}
	if sig.Sender != "" {
		if claimed, err := user.ParseParty(sig.Sender); err != nil || claimed != from {
			return ErrSenderMismatch
		}
	}

	unlock := r.locks.Lock(bookingID)
	defer unlock()

	switch sig.Type {
	case contracts.TypeStartCall:
		return r.start(ctx, bookingID, from)
	case contracts.TypeAcceptCall:
		return r.accept(ctx, bookingID, from)
	case contracts.TypeRejectCall:
		return r.reject(ctx, bookingID, from)
	case contracts.TypeEndCall:
		return r.end(ctx, bookingID, from)
	case contracts.TypeOffer, contracts.TypeAnswer, contracts.TypeICECandidate:
		r.negotiate(ctx, bookingID, from, sig.Type, payload)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, sig.Type)
	}
}

func (r *Relay) start(ctx context.Context, bookingID string, from user.Party) error {
	b, err := r.bookings.Get(bookingID)
	if err != nil {
		return err
	}
	if b.Status.Terminal() {
		return fmt.Errorf("booking is %s: %w", b.Status, contracts.ErrStaleReference)
	}
	if !b.Status.Paired() {
		return fmt.Errorf("booking is %s: %w", b.Status, contracts.ErrIllegalTransition)
	}
	if r.slot(bookingID) != nil {
		return ErrBusy
	}

	session := &Session{
		ID:        r.newID(),
		BookingID: bookingID,
		State:     StateRinging,
		Caller:    from,
		Callee:    from.Other(),
		StartedAt: r.now().UTC(),
	}
	s := &slot{session: session}
	callID := session.ID
	s.ringTimer = time.AfterFunc(r.cfg.RingTimeout, func() { r.ringExpired(bookingID, callID) })

	r.mu.Lock()
	r.slots[bookingID] = s
	r.mu.Unlock()

	delivered := r.notifier.SendToParty(registry.TopicCall, bookingID, session.Callee, contracts.WSCallSignal{
		Type:       contracts.TypeIncomingCall,
		BookingID:  bookingID,
		CallID:     callID,
		From:       from.String(),
		ICEServers: r.cfg.ICEServers,
	})
	r.logger.Info(ctx, "call_ringing", "call started", map[string]any{
		"call_id":   callID,
		"caller":    from,
		"delivered": delivered,
	})
	return nil
}

func (r *Relay) accept(ctx context.Context, bookingID string, from user.Party) error {
	s := r.slot(bookingID)
	if s == nil {
		return ErrNoSession
	}
	session := s.session
	if session.State != StateRinging {
		return fmt.Errorf("call is %s: %w", session.State, contracts.ErrIllegalTransition)
	}
	if from != session.Callee {
		return ErrNotCallee
	}

	now := r.now().UTC()
	session.State = StateActive
	session.AnsweredAt = &now
	stopTimer(s.ringTimer)
	s.ringTimer = nil

	r.notifier.SendToParty(registry.TopicCall, bookingID, session.Caller, contracts.WSCallSignal{
		Type:       contracts.TypeAcceptCall,
		BookingID:  bookingID,
		CallID:     session.ID,
		Sender:     from.String(),
		ICEServers: r.cfg.ICEServers,
	})

	flushed := 0
	for _, m := range s.pending {
		if now.Sub(m.at) > r.cfg.NegotiationGrace {
			continue
		}
		r.notifier.SendRawToParty(registry.TopicCall, bookingID, m.from.Other(), m.payload)
		flushed++
	}
	s.pending = nil

	r.logger.Info(ctx, "call_active", "call answered", map[string]any{
		"call_id": session.ID,
		"flushed": flushed,
	})
	return nil
}

func (r *Relay) reject(ctx context.Context, bookingID string, from user.Party) error {
	s := r.slot(bookingID)
	if s == nil {
		return ErrNoSession
	}
	if s.session.State != StateRinging {
		return fmt.Errorf("call is %s: %w", s.session.State, contracts.ErrIllegalTransition)
	}
	r.destroy(ctx, s, "rejected", from)
	r.notifier.SendToParty(registry.TopicCall, bookingID, from.Other(), contracts.WSCallSignal{
		Type:      contracts.TypeRejectCall,
		BookingID: bookingID,
		CallID:    s.session.ID,
		Sender:    from.String(),
	})
	return nil
}

func (r *Relay) end(ctx context.Context, bookingID string, from user.Party) error {
	s := r.slot(bookingID)
	if s == nil {
		return ErrNoSession
	}
	outcome := "ended"
	if s.session.State == StateRinging {
		outcome = "cancelled"
	}
	r.destroy(ctx, s, outcome, from)
	r.notifier.SendToParty(registry.TopicCall, bookingID, from.Other(), contracts.WSCallSignal{
		Type:      contracts.TypeEndCall,
		BookingID: bookingID,
		CallID:    s.session.ID,
		Sender:    from.String(),
	})
	return nil
}

// negotiate forwards offer/answer/ice-candidate frames unchanged. While the
// call is still ringing they are held for up to the grace window and flushed
// on accept; without a session they are dropped.
func (r *Relay) negotiate(ctx context.Context, bookingID string, from user.Party, kind string, payload []byte) {
	s := r.slot(bookingID)
	if s == nil {
		r.logger.Debug(ctx, "negotiation_dropped", "no call for negotiation frame", map[string]any{"type": kind, "party": from})
		return
	}
	if s.session.State == StateActive {
		r.notifier.SendRawToParty(registry.TopicCall, bookingID, from.Other(), payload)
		return
	}

	now := r.now().UTC()
	kept := s.pending[:0]
	for _, m := range s.pending {
		if now.Sub(m.at) <= r.cfg.NegotiationGrace {
			kept = append(kept, m)
		}
	}
	s.pending = kept
	if len(s.pending) >= r.cfg.MaxBuffered {
		r.logger.Debug(ctx, "negotiation_dropped", "early negotiation buffer full", map[string]any{"type": kind})
		return
	}
	s.pending = append(s.pending, buffered{from: from, payload: append([]byte(nil), payload...), at: now})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
