package geo

import "time"

// Sample is the most recent position reported by one party of a booking.
type Sample struct {
	Point      Point     `json:"point"`
	ReportedAt time.Time `json:"reported_at"`
}
