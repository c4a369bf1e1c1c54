package websocket

import (
	"context"
	"net/http"
	"time"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/domain/geo"
	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/jwt"
	"roadside-dispatch/internal/general/logger"
	"roadside-dispatch/internal/general/registry"
	dispatchsvc "roadside-dispatch/internal/software/dispatch/service"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout   = 5 * time.Second
	wsCloseAckWindow = 2 * time.Second
	ctrlTimeout      = 5 * time.Second
	authTimeout      = 5 * time.Second
	readTimeout      = 60 * time.Second
	pingInterval     = 30 * time.Second
	maxFrameBytes    = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Registry is the channel registry slice the handlers bind through.
type Registry interface {
	Subscribe(topic registry.Topic, key string, party user.Party, subject string, peer registry.Peer) (registry.Binding, error)
	Unsubscribe(id uint64) bool
}

// Participants answers whether a subject belongs on a booking's channels.
type Participants interface {
	Participant(id string, party user.Party, subject string) (booking.Booking, error)
}

// Dispatcher resolves mechanic answers to offers.
type Dispatcher interface {
	Accept(ctx context.Context, mechanicID, requestID string) (dispatchsvc.Result, error)
	Decline(ctx context.Context, mechanicID, requestID string) (dispatchsvc.Result, error)
}

// Tracker relays position reports.
type Tracker interface {
	Report(ctx context.Context, bookingID string, from user.Party, at geo.Point) (int, error)
	CatchUp(ctx context.Context, bookingID string, party user.Party)
}

// Caller handles call signaling frames.
type Caller interface {
	Handle(ctx context.Context, bookingID string, from user.Party, payload []byte) error
}

// WebSocket serves the dispatch, tracking and call topics with JWT auth.
type WebSocket struct {
	logger       *logger.Logger
	jwtMgr       *jwt.Manager
	registry     Registry
	participants Participants
	dispatcher   Dispatcher
	tracker      Tracker
	caller       Caller
	sendBuffer   int
}

// NewWebSocket wires the handlers. sendBuffer bounds each connection's
// outbound queue; a peer that falls that far behind is evicted.
func NewWebSocket(
	logger *logger.Logger,
	jwtMgr *jwt.Manager,
	reg Registry,
	participants Participants,
	dispatcher Dispatcher,
	tracker Tracker,
	caller Caller,
	sendBuffer int,
) *WebSocket {
	return &WebSocket{
		logger:       logger,
		jwtMgr:       jwtMgr,
		registry:     reg,
		participants: participants,
		dispatcher:   dispatcher,
		tracker:      tracker,
		caller:       caller,
		sendBuffer:   sendBuffer,
	}
}

// authenticate upgrades the request and reads the auth frame. On failure the
// client has been told why and the connection is closed.
func (ws *WebSocket) authenticate(w http.ResponseWriter, r *http.Request, roles ...user.Role) (*websocket.Conn, *jwt.Claims, bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error(r.Context(), "websocket_upgrade_failed", "Failed to upgrade to WebSocket", err, nil)
		return nil, nil, false
	}

	conn.SetReadLimit(maxFrameBytes)
	if err := conn.SetReadDeadline(time.Now().Add(authTimeout)); err != nil {
		ws.logger.Error(r.Context(), "ws_set_deadline_failed", "Failed to set initial read deadline", err, nil)
		ws.rejectConn(conn, "internal server error")
		return nil, nil, false
	}

	msgType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
			ws.logger.Error(r.Context(), "ws_auth_timeout", "Client disconnected before authentication", err, nil)
		} else {
			ws.logger.Error(r.Context(), "ws_auth_read_failed", "Failed to read auth message", err, nil)
		}
		ws.rejectConn(conn, "authentication timeout: please send auth message within 5 seconds")
		return nil, nil, false
	}

	if msgType != websocket.TextMessage {
		ws.logger.Error(r.Context(), "ws_auth_invalid_format", "Auth message must be text format", nil, nil)
		ws.rejectConn(conn, "auth message must be in text format")
		return nil, nil, false
	}

	res, err := jwt.ValidateWSAuth(firstFrame, ws.jwtMgr, roles...)
	if err != nil {
		ws.logger.Error(r.Context(), "ws_auth_failed", "Invalid auth message or token", err, nil)
		ws.rejectConn(conn, "authentication failed: invalid token")
		return nil, nil, false
	}

	return conn, res.Claims, true
}

// rejectConn answers a failed handshake and closes the socket.
func (ws *WebSocket) rejectConn(conn *websocket.Conn, message string) {
	_ = ws.sendAuthError(conn, message)
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message),
		time.Now().Add(wsCloseAckWindow),
	)
	_ = conn.Close()
}
