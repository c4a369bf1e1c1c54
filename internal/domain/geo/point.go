package geo

import (
	"errors"
	"math"
	"sort"
)

// Point is a WGS84 position reported by a party or stored for a booking.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

var (
	ErrInvalidLatitude  = errors.New("latitude must be between -90 and 90")
	ErrInvalidLongitude = errors.New("longitude must be between -180 and 180")
	ErrNotANumber       = errors.New("coordinates must be finite numbers")
)

// Validate checks that both coordinates are finite and in range.
func (p Point) Validate() error {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) || math.IsInf(p.Latitude, 0) || math.IsInf(p.Longitude, 0) {
		return ErrNotANumber
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return ErrInvalidLatitude
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return ErrInvalidLongitude
	}
	return nil
}

// DistanceKM is the great-circle distance to other.
func (p Point) DistanceKM(other Point) float64 {
	return HaversineKM(p.Latitude, p.Longitude, other.Latitude, other.Longitude)
}

// haversine distance in kilometers
func HaversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0 // Earth radius in km
	a1 := lat1 * math.Pi / 180
	a2 := lat2 * math.Pi / 180
	da := (lat2 - lat1) * math.Pi / 180
	db := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(da/2)*math.Sin(da/2) +
		math.Cos(a1)*math.Cos(a2)*math.Sin(db/2)*math.Sin(db/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Located is anything with an id and an optional last known position.
type Located struct {
	ID       string
	Position *Point
}

// RankNearest orders candidates by distance to origin. Candidates without a
// position go last in their original order. A positive radiusKM drops
// positioned candidates farther than the radius; limit <= 0 means no limit.
func RankNearest(origin Point, candidates []Located, radiusKM float64, limit int) []string {
	type ranked struct {
		id   string
		dist float64
		idx  int
	}
	near := make([]ranked, 0, len(candidates))
	var unknown []string
	for i, c := range candidates {
		if c.Position == nil {
			unknown = append(unknown, c.ID)
			continue
		}
		d := origin.DistanceKM(*c.Position)
		if radiusKM > 0 && d > radiusKM {
			continue
		}
		near = append(near, ranked{id: c.ID, dist: d, idx: i})
	}
	sort.SliceStable(near, func(i, j int) bool { return near[i].dist < near[j].dist })

	out := make([]string, 0, len(near)+len(unknown))
	for _, r := range near {
		out = append(out, r.id)
	}
	out = append(out, unknown...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
