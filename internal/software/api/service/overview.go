package service

import (
	"context"
	"time"
)

// Overview is a point-in-time snapshot of the real-time core.
type Overview struct {
	Timestamp        time.Time      `json:"timestamp"`
	Bookings         map[string]int `json:"bookings_by_status"`
	ActiveDispatches int            `json:"active_dispatches"`
	Calls            map[string]int `json:"call_sessions"`
	Bindings         map[string]int `json:"live_bindings"`
}

// GetSystemOverview collects in-memory counters from every component.
func (s *Service) GetSystemOverview(_ context.Context) Overview {
	res := Overview{
		Timestamp: s.now().UTC(),
		Bookings:  make(map[string]int),
		Calls:     make(map[string]int),
		Bindings:  make(map[string]int),
	}

	for status, n := range s.bookings.Counts() {
		res.Bookings[status.String()] = n
	}
	res.ActiveDispatches = s.dispatcher.Active()
	if s.calls != nil {
		for state, n := range s.calls.Counts() {
			res.Calls[string(state)] = n
		}
	}
	if s.bindings != nil {
		for topic, n := range s.bindings.Stats() {
			res.Bindings[string(topic)] = n
		}
	}
	return res
}

// Health is the liveness answer of GET /health.
type Health struct {
	Status string `json:"status"`
	Broker string `json:"broker,omitempty"`
}

// Health reports "degraded" while the broker connection is down.
func (s *Service) Health() Health {
	if s.broker == nil {
		return Health{Status: "ok"}
	}
	if !s.broker.Ready() {
		return Health{Status: "degraded", Broker: "down"}
	}
	return Health{Status: "ok", Broker: "up"}
}
