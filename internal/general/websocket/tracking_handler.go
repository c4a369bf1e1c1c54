package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"roadside-dispatch/internal/domain/geo"
	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/contracts"
	"roadside-dispatch/internal/general/registry"

	"github.com/gorilla/websocket"
)

// ConnectTracking serves /ws/tracking/{booking_id} for both parties of a booking.
func (ws *WebSocket) ConnectTracking(w http.ResponseWriter, r *http.Request) {
	conn, bookingID, party, subject, ok := ws.bindBooking(w, r)
	if !ok {
		return
	}

	ws.serve(r, conn, session{
		topic:   registry.TopicTracking,
		key:     bookingID,
		party:   party,
		subject: subject,
		hello:   map[string]any{"booking_id": bookingID, "party": party},
		onBound: func(ctx context.Context, _ *peer) {
			ws.tracker.CatchUp(ctx, bookingID, party)
		},
		route: func(ctx context.Context, p *peer, msgType string, payload []byte) {
			ws.routeTracking(ctx, p, bookingID, party, msgType, payload)
		},
	})
}

func (ws *WebSocket) routeTracking(ctx context.Context, p *peer, bookingID string, party user.Party, msgType string, payload []byte) {
	if msgType != contracts.TypeLocationUpdate {
		p.writeError("unknown message type")
		return
	}

	var msg contracts.WSLocationReport
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.writeError("bad json")
		return
	}
	if msg.Sender != "" {
		if claimed, err := user.ParseParty(msg.Sender); err != nil || claimed != party {
			p.writeError("sender does not match the connection")
			return
		}
	}

	at := geo.Point{Latitude: msg.Latitude, Longitude: msg.Longitude}
	if _, err := ws.tracker.Report(ctx, bookingID, party, at); err != nil {
		p.writeError(err.Error())
	}
}

// bindBooking authenticates a booking-addressed socket and checks the token's
// subject is the requester or the assigned mechanic.
func (ws *WebSocket) bindBooking(w http.ResponseWriter, r *http.Request) (*websocket.Conn, string, user.Party, string, bool) {
	conn, claims, ok := ws.authenticate(w, r, user.RoleUser, user.RoleMechanic)
	if !ok {
		return nil, "", "", "", false
	}

	bookingID := r.PathValue("booking_id")
	party, err := claims.Party()
	if err != nil || bookingID == "" {
		ws.rejectConn(conn, "booking id and party are required")
		return nil, "", "", "", false
	}

	if _, err := ws.participants.Participant(bookingID, party, claims.Subject); err != nil {
		ws.logger.Error(r.Context(), "ws_auth_failed", "Not a participant of the booking", err, map[string]any{
			"booking_id":    bookingID,
			"party":         party,
			"token_subject": claims.Subject,
		})
		ws.rejectConn(conn, participantError(err))
		return nil, "", "", "", false
	}

	return conn, bookingID, party, claims.Subject, true
}

func participantError(err error) string {
	if errors.Is(err, contracts.ErrStaleReference) {
		return "booking is closed or unknown"
	}
	return "not a participant of this booking"
}
