package websocket

import (
	"context"
	"errors"
	"net/http"

	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/contracts"
	"roadside-dispatch/internal/general/registry"
	callsvc "roadside-dispatch/internal/software/call/service"
)

// ConnectCall serves /ws/call/{booking_id}: call control and negotiation frames.
func (ws *WebSocket) ConnectCall(w http.ResponseWriter, r *http.Request) {
	conn, bookingID, party, subject, ok := ws.bindBooking(w, r)
	if !ok {
		return
	}

	ws.serve(r, conn, session{
		topic:   registry.TopicCall,
		key:     bookingID,
		party:   party,
		subject: subject,
		hello:   map[string]any{"booking_id": bookingID, "party": party},
		route: func(ctx context.Context, p *peer, _ string, payload []byte) {
			ws.routeCall(ctx, p, bookingID, party, payload)
		},
	})
}

func (ws *WebSocket) routeCall(ctx context.Context, p *peer, bookingID string, party user.Party, payload []byte) {
	err := ws.caller.Handle(ctx, bookingID, party, payload)
	switch {
	case err == nil:
	case errors.Is(err, callsvc.ErrBusy):
		_ = p.writeJSON(contracts.WSCallSignal{Type: contracts.TypeCallBusy, BookingID: bookingID})
	case errors.Is(err, callsvc.ErrUnknownType):
		p.writeError("unknown message type")
	default:
		ws.logger.Debug(ctx, "call_frame_rejected", "call frame rejected", map[string]any{
			"booking_id": bookingID,
			"party":      party,
			"reason":     err.Error(),
		})
		p.writeError(err.Error())
	}
}
