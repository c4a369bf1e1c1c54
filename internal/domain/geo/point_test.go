package geo

import (
	"math"
	"testing"
)

func TestPointValidate(t *testing.T) {
	cases := []struct {
		name string
		p    Point
		want error
	}{
		{"ok", Point{Latitude: 12.97, Longitude: 77.59}, nil},
		{"lat high", Point{Latitude: 91, Longitude: 0}, ErrInvalidLatitude},
		{"lon low", Point{Latitude: 0, Longitude: -181}, ErrInvalidLongitude},
		{"nan", Point{Latitude: math.NaN(), Longitude: 0}, ErrNotANumber},
	}
	for _, tc := range cases {
		if got := tc.p.Validate(); got != tc.want {
			t.Errorf("%s: Validate() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRankNearest(t *testing.T) {
	origin := Point{Latitude: 12.9716, Longitude: 77.5946}
	far := Point{Latitude: 13.0500, Longitude: 77.5946}
	near := Point{Latitude: 12.9720, Longitude: 77.5950}
	outside := Point{Latitude: 19.0760, Longitude: 72.8777}

	got := RankNearest(origin, []Located{
		{ID: "nolocation"},
		{ID: "far", Position: &far},
		{ID: "outside", Position: &outside},
		{ID: "near", Position: &near},
	}, 50, 0)

	want := []string{"near", "far", "nolocation"}
	if len(got) != len(want) {
		t.Fatalf("RankNearest = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("RankNearest[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if limited := RankNearest(origin, []Located{{ID: "a", Position: &near}, {ID: "b", Position: &far}}, 0, 1); len(limited) != 1 || limited[0] != "a" {
		t.Errorf("limited = %v, want [a]", limited)
	}
}
