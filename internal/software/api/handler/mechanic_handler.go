package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"roadside-dispatch/internal/domain/geo"
	"roadside-dispatch/internal/domain/mechanic"
)

type availabilityRequest struct {
	IsAvailable bool     `json:"is_available"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
}

type availabilityResponse struct {
	MechanicID  string     `json:"mechanic_id"`
	IsAvailable bool       `json:"is_available"`
	Location    *geo.Point `json:"location,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// --- Handler: POST /mechanics/{mechanic_id}/availability ---

func (handler *APIHandler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)

	mechanicID := strings.TrimSpace(r.PathValue("mechanic_id"))
	if mechanicID == "" {
		handler.httpError(ctx, w, http.StatusBadRequest, "mechanic_id is required", errors.New("missing mechanic_id"))
		return
	}

	var req availabilityRequest
	if !handler.decodeJSON(ctx, w, r, 16<<10, &req) {
		return
	}

	claims, ok := handler.claimsOr401(ctx, w, r)
	if !ok {
		return
	}
	if mechanicID != strings.TrimSpace(claims.Subject) {
		handler.httpError(ctx, w, http.StatusForbidden, "mechanic_id does not match token subject", errors.New("mechanic/token mismatch"))
		return
	}

	// coordinates come as a pair or not at all
	if (req.Latitude == nil) != (req.Longitude == nil) {
		handler.httpError(ctx, w, http.StatusBadRequest, "latitude and longitude must be sent together", errors.New("partial location"))
		return
	}
	a := mechanic.Availability{MechanicID: mechanicID, Available: req.IsAvailable}
	if req.Latitude != nil {
		a.Location = &geo.Point{Latitude: *req.Latitude, Longitude: *req.Longitude}
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := handler.svc.SetAvailability(ctxWithTimeout, a); err != nil {
		handler.serviceError(ctxWithTimeout, w, err)
		return
	}

	handler.jsonResponse(ctxWithTimeout, w, http.StatusOK, availabilityResponse{
		MechanicID:  mechanicID,
		IsAvailable: a.Available,
		Location:    a.Location,
		UpdatedAt:   time.Now().UTC(),
	})
}
