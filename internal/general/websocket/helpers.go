package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/contracts"
	"roadside-dispatch/internal/general/registry"

	"github.com/gorilla/websocket"
)

// session is one authenticated socket bound to a topic.
type session struct {
	topic   registry.Topic
	key     string
	party   user.Party
	subject string
	// extra fields merged into auth_success
	hello map[string]any
	// onBound runs once the binding is live
	onBound func(ctx context.Context, p *peer)
	// route handles one inbound frame of the given type
	route func(ctx context.Context, p *peer, msgType string, payload []byte)
}

// serve binds conn to the registry and runs the read loop until the client
// leaves or the registry closes the binding.
func (ws *WebSocket) serve(r *http.Request, conn *websocket.Conn, s session) {
	ctx := r.Context()
	log := map[string]any{
		"topic":   s.topic,
		"key":     s.key,
		"party":   s.party,
		"subject": s.subject,
	}

	p := newPeer(conn, ws.sendBuffer)
	defer conn.Close()
	defer func() { <-p.stopped }()
	defer p.Close()

	if err := p.writeJSON(authSuccess(s.hello)); err != nil {
		ws.logger.Error(ctx, "ws_auth_success_failed", "Failed to send auth success message", err, log)
		return
	}

	b, err := ws.registry.Subscribe(s.topic, s.key, s.party, s.subject, p)
	if err != nil {
		ws.logger.Error(ctx, "ws_subscribe_failed", "Failed to bind connection", err, log)
		p.closeWith(websocket.CloseTryAgainLater, "shutting down")
		return
	}
	defer ws.registry.Unsubscribe(b.ID)

	ws.logger.Info(ctx, "ws_connected", "WebSocket connected", log)

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(_ string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	if s.onBound != nil {
		s.onBound(ctx, p)
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				ws.logger.Error(ctx, "ws_unexpected_close", "Connection closed unexpectedly", err, log)
				p.closeWith(websocket.CloseInternalServerErr, "internal error")
			} else {
				ws.logger.Info(ctx, "ws_connection_closed", "Connection closed", log)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var env contracts.InboundEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			p.writeError("bad json")
			continue
		}
		s.route(ctx, p, env.Type, payload)
	}
}

func errorFrame(msg string) contracts.ErrorFrame {
	return contracts.ErrorFrame{Type: contracts.TypeError, Error: msg}
}

func authSuccess(extra map[string]any) map[string]any {
	msg := map[string]any{
		"type":      "auth_success",
		"message":   "Authentication successful",
		"success":   true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		msg[k] = v
	}
	return msg
}

// sendAuthError writes straight to the socket; it is only used before the
// write pump exists.
func (ws *WebSocket) sendAuthError(conn *websocket.Conn, message string) error {
	msgBytes, err := json.Marshal(map[string]any{
		"type":    "auth_error",
		"error":   message,
		"success": false,
	})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, msgBytes)
}
