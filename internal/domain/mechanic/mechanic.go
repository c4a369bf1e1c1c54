package mechanic

import (
	"errors"
	"slices"
	"strings"
	"time"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/domain/geo"
)

// Mechanic is the dispatch-relevant view of a row in the `mechanics` table.
type Mechanic struct {
	ID           string
	Name         string
	Phone        string
	VehicleTypes []booking.VehicleType
	Available    bool
	Location     *geo.Point // nil until the mechanic first reports a position
	UpdatedAt    time.Time
}

var ErrIDRequired = errors.New("mechanic id is required")

// Availability is a mechanic going on or off duty, optionally with a position.
type Availability struct {
	MechanicID string
	Available  bool
	Location   *geo.Point
}

// Validate checks the id and, when present, the position.
func (a Availability) Validate() error {
	if strings.TrimSpace(a.MechanicID) == "" {
		return ErrIDRequired
	}
	if a.Location != nil {
		return a.Location.Validate()
	}
	return nil
}

// Serves reports whether the mechanic handles vt. An empty vt or an empty
// VehicleTypes list matches anything.
func (m Mechanic) Serves(vt booking.VehicleType) bool {
	if vt == "" || len(m.VehicleTypes) == 0 {
		return true
	}
	return slices.Contains(m.VehicleTypes, vt)
}

// Located returns the ranking view of m.
func (m Mechanic) Located() geo.Located {
	return geo.Located{ID: m.ID, Position: m.Location}
}
