package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/domain/geo"
	"roadside-dispatch/internal/domain/mechanic"
	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/contracts"
	"roadside-dispatch/internal/general/jwt"
	"roadside-dispatch/internal/general/logger"
	"roadside-dispatch/internal/general/websocket"
	apisvc "roadside-dispatch/internal/software/api/service"
	bookingsvc "roadside-dispatch/internal/software/booking/service"
	dispatchsvc "roadside-dispatch/internal/software/dispatch/service"

	"github.com/jackc/pgx/v5/pgconn"
)

// Service is what the HTTP boundary needs from the core.
type Service interface {
	CreateBooking(ctx context.Context, req dispatchsvc.Request) (dispatchsvc.Submission, error)
	GetBooking(ctx context.Context, id string) (booking.Booking, error)
	ApplyStatus(ctx context.Context, change apisvc.StatusChange) (booking.Booking, error)
	Resubmit(ctx context.Context, bookingID string) (dispatchsvc.Submission, error)
	RespondOffer(ctx context.Context, mechanicID, requestID string, accept bool) (dispatchsvc.Result, error)
	SetAvailability(ctx context.Context, a mechanic.Availability) error
	GetSystemOverview(ctx context.Context) apisvc.Overview
	Health() apisvc.Health
}

// APIHandler adapts HTTP requests to the real-time core.
type APIHandler struct {
	svc       Service
	logger    *logger.Logger
	auth      *jwt.Manager
	websocket *websocket.WebSocket
}

// NewAPIHandler wires an HTTP handler around svc. ws may be nil when the
// socket routes are mounted elsewhere.
func NewAPIHandler(svc Service, logger *logger.Logger, auth *jwt.Manager, ws *websocket.WebSocket) *APIHandler {
	return &APIHandler{svc: svc, logger: logger, auth: auth, websocket: ws}
}

// RegisterRoutes mounts the booking, dispatch, mechanic, admin and socket routes.
func (handler *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	anyone := []user.Role{user.RoleUser, user.RoleMechanic, user.RoleAdmin}

	mux.HandleFunc("POST /bookings",
		jwt.AuthMiddlewareFunc(handler.auth, user.RoleUser)(handler.handleCreateBooking),
	)
	mux.HandleFunc("GET /bookings/{booking_id}",
		jwt.AuthMiddlewareFunc(handler.auth, anyone...)(handler.handleGetBooking),
	)
	mux.HandleFunc("POST /bookings/{booking_id}/status",
		jwt.AuthMiddlewareFunc(handler.auth, anyone...)(handler.handleStatus),
	)
	mux.HandleFunc("POST /bookings/{booking_id}/resubmit",
		jwt.AuthMiddlewareFunc(handler.auth, user.RoleUser)(handler.handleResubmit),
	)
	mux.HandleFunc("POST /dispatch/{request_id}/accept",
		jwt.AuthMiddlewareFunc(handler.auth, user.RoleMechanic)(handler.handleAccept),
	)
	mux.HandleFunc("POST /dispatch/{request_id}/decline",
		jwt.AuthMiddlewareFunc(handler.auth, user.RoleMechanic)(handler.handleDecline),
	)
	mux.HandleFunc("POST /mechanics/{mechanic_id}/availability",
		jwt.AuthMiddlewareFunc(handler.auth, user.RoleMechanic)(handler.handleAvailability),
	)
	mux.HandleFunc("GET /admin/overview",
		jwt.AuthMiddlewareFunc(handler.auth, user.RoleAdmin)(handler.handleOverview),
	)
	mux.HandleFunc("GET /health", handler.handleHealth)

	// sockets authenticate with their first frame
	if handler.websocket != nil {
		mux.HandleFunc("GET /ws/mechanic/{mechanic_id}", handler.websocket.ConnectMechanic)
		mux.HandleFunc("GET /ws/tracking/{booking_id}", handler.websocket.ConnectTracking)
		mux.HandleFunc("GET /ws/call/{booking_id}", handler.websocket.ConnectCall)
	}
}

// ----- general helpers -----

// jsonResponse takes any type of data and encode it to HTTP response.
func (handler *APIHandler) jsonResponse(ctx context.Context, w http.ResponseWriter, status int, data any) {
	// encode to buffer first so we can control status on failure
	var buf []byte
	var err error

	if data != nil {
		buf, err = json.Marshal(data)
		if err != nil {
			handler.logger.Error(ctx, "response_encode_failed", "Failed to encode response", err, nil)
			http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
			return
		}
	} else {
		buf = []byte("{}")
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}

// httpError sends a JSON error response with a message.
func (handler *APIHandler) httpError(ctx context.Context, w http.ResponseWriter, status int, msg string, err error) {
	action := "request_failed"
	if status >= 500 {
		action = "http_internal_error"
	} else if status == http.StatusBadRequest {
		action = "validation_failed"
	} else if status == http.StatusUnsupportedMediaType {
		action = "unsupported_media_type"
	}
	handler.logger.Error(ctx, action, msg, err, nil)

	type errBody struct {
		Error string `json:"error"`
	}
	handler.jsonResponse(ctx, w, status, errBody{Error: msg})
}

// serviceError maps core failures onto HTTP statuses.
func (handler *APIHandler) serviceError(ctx context.Context, w http.ResponseWriter, err error) {
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr):
		handler.httpError(ctx, w, http.StatusInternalServerError, "database error", err)
	case errors.Is(err, context.DeadlineExceeded):
		handler.httpError(ctx, w, http.StatusServiceUnavailable, "request timed out", err)
	case errors.Is(err, bookingsvc.ErrNotFound):
		handler.httpError(ctx, w, http.StatusNotFound, "booking not found", err)
	case errors.Is(err, bookingsvc.ErrNotParticipant):
		handler.httpError(ctx, w, http.StatusForbidden, err.Error(), err)
	case errors.Is(err, contracts.ErrRaceLoss),
		errors.Is(err, contracts.ErrStaleReference),
		errors.Is(err, contracts.ErrIllegalTransition):
		handler.httpError(ctx, w, http.StatusConflict, err.Error(), err)
	case isValidation(err):
		handler.httpError(ctx, w, http.StatusBadRequest, err.Error(), err)
	default:
		handler.httpError(ctx, w, http.StatusInternalServerError, "internal error", err)
	}
}

func isValidation(err error) bool {
	for _, target := range []error{
		geo.ErrInvalidLatitude, geo.ErrInvalidLongitude, geo.ErrNotANumber,
		booking.ErrRequesterRequired, booking.ErrProblemRequired, booking.ErrInvalidVehicleType,
		booking.ErrMechanicRequired, mechanic.ErrIDRequired,
		apisvc.ErrUnsupportedStatus, apisvc.ErrMechanicIDRequired,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// decodeJSON checks the content type, bounds the body and decodes it strictly.
// It writes the error response itself and reports whether decoding succeeded.
func (handler *APIHandler) decodeJSON(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		handler.httpError(ctx, w, http.StatusUnsupportedMediaType, "Content-Type must be application/json", nil)
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			handler.httpError(ctx, w, http.StatusRequestEntityTooLarge, "request body too large", err)
			return false
		}
		handler.httpError(ctx, w, http.StatusBadRequest, "invalid JSON: "+err.Error(), err)
		return false
	}
	return true
}

// claimsOr401 fetches the claims injected by the auth middleware.
func (handler *APIHandler) claimsOr401(ctx context.Context, w http.ResponseWriter, r *http.Request) (*jwt.Claims, bool) {
	claims := jwt.RequireClaims(r)
	if claims == nil {
		handler.httpError(ctx, w, http.StatusUnauthorized, "missing auth claims", errors.New("no claims"))
		return nil, false
	}
	return claims, true
}

// withReqID extracts or generates a request ID and adds it to the context.
func (handler *APIHandler) withReqID(ctx context.Context, r *http.Request) context.Context {
	reqID := r.Header.Get("X-Request-ID")
	if strings.TrimSpace(reqID) == "" {
		reqID = randID()
	}
	return handler.logger.WithRequestID(ctx, reqID)
}

// randID generates a random 24-char hex string suitable for request IDs.
func randID() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
