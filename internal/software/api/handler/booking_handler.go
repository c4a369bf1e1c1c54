package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/domain/geo"
	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/jwt"
	apisvc "roadside-dispatch/internal/software/api/service"
	dispatchsvc "roadside-dispatch/internal/software/dispatch/service"
)

// --- Request/response DTOs (HTTP boundary) ---

type createBookingRequest struct {
	RequesterID  string  `json:"requester_id"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Problem      string  `json:"problem"`
	LocationText string  `json:"location_text"`
	VehicleType  string  `json:"vehicle_type"` // 2W | 4W | EV, empty for any
}

type createBookingResponse struct {
	BookingID   string `json:"booking_id"`
	RequestID   string `json:"request_id"`
	Status      string `json:"status"`
	NearbyCount int    `json:"nearby_count"`
}

type statusRequest struct {
	Status     string `json:"status"`
	MechanicID string `json:"mechanic_id"`
	Reason     string `json:"reason"`
}

type bookingResponse struct {
	BookingID    string     `json:"booking_id"`
	RequesterID  string     `json:"requester_id"`
	MechanicID   string     `json:"mechanic_id,omitempty"`
	Status       string     `json:"status"`
	Problem      string     `json:"problem"`
	LocationText string     `json:"location_text,omitempty"`
	Location     geo.Point  `json:"location"`
	VehicleType  string     `json:"vehicle_type,omitempty"`
	DistanceKM   float64    `json:"distance_km"`
	Fare         *float64   `json:"fare,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	ArrivedAt    *time.Time `json:"arrived_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
}

func toBookingResponse(b booking.Booking) bookingResponse {
	return bookingResponse{
		BookingID:    b.ID,
		RequesterID:  b.RequesterID,
		MechanicID:   b.MechanicID,
		Status:       b.Status.String(),
		Problem:      b.Problem,
		LocationText: b.LocationText,
		Location:     b.Location,
		VehicleType:  b.VehicleType.String(),
		DistanceKM:   b.DistanceKM,
		Fare:         b.Fare,
		CancelReason: b.CancelReason,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
		AcceptedAt:   b.AcceptedAt,
		ArrivedAt:    b.ArrivedAt,
		CompletedAt:  b.CompletedAt,
		CancelledAt:  b.CancelledAt,
	}
}

// ----- Handler: POST /bookings -----

func (handler *APIHandler) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)

	var req createBookingRequest
	if !handler.decodeJSON(ctx, w, r, 64<<10, &req) {
		return
	}

	claims, ok := handler.claimsOr401(ctx, w, r)
	if !ok {
		return
	}

	// fill or verify requester_id
	sub := strings.TrimSpace(claims.Subject)
	if strings.TrimSpace(req.RequesterID) == "" {
		req.RequesterID = sub
	} else if req.RequesterID != sub {
		handler.httpError(ctx, w, http.StatusForbidden, "requester_id does not match token subject", errors.New("requester/token mismatch"))
		return
	}

	in := dispatchsvc.Request{
		RequesterID:  strings.TrimSpace(req.RequesterID),
		Problem:      strings.TrimSpace(req.Problem),
		LocationText: strings.TrimSpace(req.LocationText),
		Location:     geo.Point{Latitude: req.Latitude, Longitude: req.Longitude},
		VehicleType:  booking.VehicleType(req.VehicleType),
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	submission, err := handler.svc.CreateBooking(ctxWithTimeout, in)
	if err != nil {
		handler.serviceError(ctxWithTimeout, w, err)
		return
	}
	ctxWithTimeout = handler.logger.WithBookingID(ctxWithTimeout, submission.BookingID)

	handler.jsonResponse(ctxWithTimeout, w, http.StatusCreated, createBookingResponse{
		BookingID:   submission.BookingID,
		RequestID:   submission.RequestID,
		Status:      booking.StatusPending.String(),
		NearbyCount: submission.Candidates,
	})
}

// ----- Handler: GET /bookings/{booking_id} -----

func (handler *APIHandler) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)

	bookingID, ok := handler.bookingID(ctx, w, r)
	if !ok {
		return
	}
	ctx = handler.logger.WithBookingID(ctx, bookingID)

	claims, ok := handler.claimsOr401(ctx, w, r)
	if !ok {
		return
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	b, err := handler.svc.GetBooking(ctxWithTimeout, bookingID)
	if err != nil {
		handler.serviceError(ctxWithTimeout, w, err)
		return
	}
	if !canView(claims, b) {
		handler.httpError(ctxWithTimeout, w, http.StatusForbidden, "not a participant of this booking", errors.New("booking access denied"))
		return
	}

	handler.jsonResponse(ctxWithTimeout, w, http.StatusOK, toBookingResponse(b))
}

// ----- Handler: POST /bookings/{booking_id}/status -----

func (handler *APIHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)

	bookingID, ok := handler.bookingID(ctx, w, r)
	if !ok {
		return
	}
	ctx = handler.logger.WithBookingID(ctx, bookingID)

	var req statusRequest
	if !handler.decodeJSON(ctx, w, r, 16<<10, &req) {
		return
	}

	claims, ok := handler.claimsOr401(ctx, w, r)
	if !ok {
		return
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	change := apisvc.StatusChange{
		BookingID:  bookingID,
		Status:     req.Status,
		MechanicID: strings.TrimSpace(req.MechanicID),
		Reason:     strings.TrimSpace(req.Reason),
	}

	switch claims.Role {
	case user.RoleMechanic:
		// mechanics act for themselves only
		sub := strings.TrimSpace(claims.Subject)
		if change.MechanicID == "" {
			change.MechanicID = sub
		} else if change.MechanicID != sub {
			handler.httpError(ctxWithTimeout, w, http.StatusForbidden, "mechanic_id does not match token subject", errors.New("mechanic/token mismatch"))
			return
		}
		if status, _ := booking.ParseStatus(req.Status); status == booking.StatusCancelled {
			b, err := handler.svc.GetBooking(ctxWithTimeout, bookingID)
			if err != nil {
				handler.serviceError(ctxWithTimeout, w, err)
				return
			}
			if b.MechanicID != sub {
				handler.httpError(ctxWithTimeout, w, http.StatusForbidden, "not a participant of this booking", errors.New("booking access denied"))
				return
			}
		}
	case user.RoleUser:
		// requesters may only cancel their own booking
		status, _ := booking.ParseStatus(req.Status)
		if status != booking.StatusCancelled {
			handler.httpError(ctxWithTimeout, w, http.StatusForbidden, "requesters may only cancel", errors.New("status not allowed for role"))
			return
		}
		b, err := handler.svc.GetBooking(ctxWithTimeout, bookingID)
		if err != nil {
			handler.serviceError(ctxWithTimeout, w, err)
			return
		}
		if b.RequesterID != claims.Subject {
			handler.httpError(ctxWithTimeout, w, http.StatusForbidden, "not a participant of this booking", errors.New("booking access denied"))
			return
		}
	}

	b, err := handler.svc.ApplyStatus(ctxWithTimeout, change)
	if err != nil {
		handler.serviceError(ctxWithTimeout, w, err)
		return
	}

	handler.jsonResponse(ctxWithTimeout, w, http.StatusOK, toBookingResponse(b))
}

// ----- Handler: POST /bookings/{booking_id}/resubmit -----

func (handler *APIHandler) handleResubmit(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)

	bookingID, ok := handler.bookingID(ctx, w, r)
	if !ok {
		return
	}
	ctx = handler.logger.WithBookingID(ctx, bookingID)

	claims, ok := handler.claimsOr401(ctx, w, r)
	if !ok {
		return
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	b, err := handler.svc.GetBooking(ctxWithTimeout, bookingID)
	if err != nil {
		handler.serviceError(ctxWithTimeout, w, err)
		return
	}
	if b.RequesterID != claims.Subject {
		handler.httpError(ctxWithTimeout, w, http.StatusForbidden, "not a participant of this booking", errors.New("booking access denied"))
		return
	}

	sub, err := handler.svc.Resubmit(ctxWithTimeout, bookingID)
	if err != nil {
		handler.serviceError(ctxWithTimeout, w, err)
		return
	}

	handler.jsonResponse(ctxWithTimeout, w, http.StatusOK, createBookingResponse{
		BookingID:   sub.BookingID,
		RequestID:   sub.RequestID,
		Status:      booking.StatusPending.String(),
		NearbyCount: sub.Candidates,
	})
}

func (handler *APIHandler) bookingID(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("booking_id"))
	if id == "" {
		handler.httpError(ctx, w, http.StatusBadRequest, "booking_id is required", errors.New("missing booking_id"))
		return "", false
	}
	return id, true
}

// canView lets admins see everything and parties see their own bookings.
func canView(claims *jwt.Claims, b booking.Booking) bool {
	switch claims.Role {
	case user.RoleAdmin:
		return true
	case user.RoleUser:
		return b.RequesterID == claims.Subject
	case user.RoleMechanic:
		return b.MechanicID != "" && b.MechanicID == claims.Subject
	default:
		return false
	}
}
