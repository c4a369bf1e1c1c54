package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/contracts"
	"roadside-dispatch/internal/general/registry"
)

// ConnectMechanic serves /ws/mechanic/{mechanic_id}: the mechanic's dispatch
// channel. A live binding here is what makes a mechanic eligible for offers.
func (ws *WebSocket) ConnectMechanic(w http.ResponseWriter, r *http.Request) {
	conn, claims, ok := ws.authenticate(w, r, user.RoleMechanic)
	if !ok {
		return
	}

	if mechID := r.PathValue("mechanic_id"); mechID != "" && mechID != claims.Subject {
		ws.logger.Error(r.Context(), "ws_auth_failed", "Mechanic ID mismatch", nil, map[string]any{
			"path_mechanic_id": mechID,
			"token_subject":    claims.Subject,
		})
		ws.rejectConn(conn, "mechanic ID mismatch")
		return
	}
	mechanicID := claims.Subject

	ws.serve(r, conn, session{
		topic:   registry.TopicDispatch,
		key:     mechanicID,
		party:   user.PartyMechanic,
		subject: mechanicID,
		hello:   map[string]any{"mechanic_id": mechanicID},
		route: func(ctx context.Context, p *peer, msgType string, payload []byte) {
			ws.routeDispatch(ctx, p, mechanicID, msgType, payload)
		},
	})
}

func (ws *WebSocket) routeDispatch(ctx context.Context, p *peer, mechanicID, msgType string, payload []byte) {
	switch msgType {
	case contracts.TypeAccept, contracts.TypeDecline:
	default:
		p.writeError("unknown message type")
		return
	}

	var msg contracts.WSOfferResponse
	if err := json.Unmarshal(payload, &msg); err != nil || msg.RequestID == "" {
		p.writeError("request_id is required")
		return
	}
	if msg.MechanicID != "" && msg.MechanicID != mechanicID {
		p.writeError("mechanic_id does not match the connection")
		return
	}

	var err error
	if msgType == contracts.TypeAccept {
		_, err = ws.dispatcher.Accept(ctx, mechanicID, msg.RequestID)
	} else {
		_, err = ws.dispatcher.Decline(ctx, mechanicID, msg.RequestID)
	}

	// the engine has already answered with ACCEPT_RESULT or DECLINE_RESULT
	switch {
	case err == nil:
	case errors.Is(err, contracts.ErrRaceLoss), errors.Is(err, contracts.ErrStaleReference):
		ws.logger.Debug(ctx, "offer_response_resolved", "offer already resolved", map[string]any{
			"mechanic_id": mechanicID,
			"request_id":  msg.RequestID,
			"reason":      err.Error(),
		})
	default:
		ws.logger.Error(ctx, "offer_response_failed", "failed to apply offer response", err, map[string]any{
			"mechanic_id": mechanicID,
			"request_id":  msg.RequestID,
			"type":        msgType,
		})
		p.writeError("failed to apply " + msgType)
	}
}
