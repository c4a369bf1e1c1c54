package booking

import "math"

const (
	baseFare      = 50.0
	perKMRate     = 20.0
	perMinuteRate = 5.0
)

// StandardFare is base + distance + time, rounded to two decimals.
func StandardFare(b Booking) float64 {
	fare := baseFare + perKMRate*b.DistanceKM + perMinuteRate*b.ServiceMinutes()
	return math.Round(fare*100) / 100
}
