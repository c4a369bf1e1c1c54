package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"roadside-dispatch/internal/general/contracts"
)

type offerResponse struct {
	RequestID string `json:"request_id"`
	BookingID string `json:"booking_id,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// --- Handler: POST /dispatch/{request_id}/accept ---

func (handler *APIHandler) handleAccept(w http.ResponseWriter, r *http.Request) {
	handler.respondOffer(w, r, true)
}

// --- Handler: POST /dispatch/{request_id}/decline ---

func (handler *APIHandler) handleDecline(w http.ResponseWriter, r *http.Request) {
	handler.respondOffer(w, r, false)
}

// respondOffer is the REST twin of the mechanic socket's accept/decline frames.
func (handler *APIHandler) respondOffer(w http.ResponseWriter, r *http.Request, accept bool) {
	ctx := handler.withReqID(r.Context(), r)

	requestID := strings.TrimSpace(r.PathValue("request_id"))
	if requestID == "" {
		handler.httpError(ctx, w, http.StatusBadRequest, "request_id is required", errors.New("missing request_id"))
		return
	}

	claims, ok := handler.claimsOr401(ctx, w, r)
	if !ok {
		return
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := handler.svc.RespondOffer(ctxWithTimeout, strings.TrimSpace(claims.Subject), requestID, accept)
	body := offerResponse{RequestID: requestID, BookingID: res.BookingID, Status: res.Status}
	if err != nil {
		if !errors.Is(err, contracts.ErrRaceLoss) && !errors.Is(err, contracts.ErrStaleReference) {
			handler.serviceError(ctxWithTimeout, w, err)
			return
		}
		// losing a race is an answer, not a failure
		body.Error = err.Error()
		handler.logger.Debug(ctxWithTimeout, "offer_response_rejected", err.Error(), map[string]any{"request_id": requestID})
		handler.jsonResponse(ctxWithTimeout, w, http.StatusConflict, body)
		return
	}

	handler.jsonResponse(ctxWithTimeout, w, http.StatusOK, body)
}
