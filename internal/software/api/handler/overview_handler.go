package handler

import (
	"context"
	"net/http"
	"time"
)

// --- Handler: GET /admin/overview ---

func (handler *APIHandler) handleOverview(w http.ResponseWriter, r *http.Request) {
	// generate a context with request ID
	ctx := handler.withReqID(r.Context(), r)

	// bound service call
	ctxWithTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	handler.jsonResponse(ctxWithTimeout, w, http.StatusOK, handler.svc.GetSystemOverview(ctxWithTimeout))
}
