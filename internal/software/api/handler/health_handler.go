package handler

import (
	"encoding/json"
	"net/http"
)

// ----- Handler: GET /health -----

// handleHealth returns a minimal JSON health status payload.
// A broker outage turns it into a 503 so load balancers can tell.
func (handler *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := handler.svc.Health()

	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(health)
}
