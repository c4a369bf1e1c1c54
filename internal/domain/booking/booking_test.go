package booking

import (
	"errors"
	"testing"
	"time"

	"roadside-dispatch/internal/domain/geo"
)

var t0 = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

func newPending(t *testing.T) *Booking {
	t.Helper()
	b, err := New("b-1", "u-1", "flat tyre", geo.Point{Latitude: 12.97, Longitude: 77.59}, VehicleFourWheeler, t0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from  Status
		event Event
		to    Status
		ok    bool
	}{
		{StatusPending, EventMatch, StatusAccepted, true},
		{StatusPending, EventNoCandidates, StatusPending, true},
		{StatusPending, EventCancel, StatusCancelled, true},
		{StatusPending, EventArrive, "", false},
		{StatusAccepted, EventFirstLocation, StatusEnRoute, true},
		{StatusAccepted, EventArrive, StatusOnSite, true},
		{StatusAccepted, EventCancel, StatusCancelled, true},
		{StatusAccepted, EventComplete, "", false},
		{StatusEnRoute, EventArrive, StatusOnSite, true},
		{StatusEnRoute, EventCancel, StatusCancelled, true},
		{StatusEnRoute, EventFirstLocation, "", false},
		{StatusOnSite, EventComplete, StatusCompleted, true},
		{StatusOnSite, EventCancel, "", false},
		{StatusCompleted, EventCancel, "", false},
		{StatusCancelled, EventMatch, "", false},
	}
	for _, tc := range cases {
		got, ok := Next(tc.from, tc.event)
		if ok != tc.ok || got != tc.to {
			t.Errorf("Next(%s, %s) = %q, %v; want %q, %v", tc.from, tc.event, got, ok, tc.to, tc.ok)
		}
	}
}

func TestFirstMechanicLocationIsDerivedEnRoute(t *testing.T) {
	b := newPending(t)
	from := geo.Point{Latitude: 12.98, Longitude: 77.60}

	if changed, err := b.MechanicReported(from, t0); changed || err != nil {
		t.Fatalf("report while PENDING = %v, %v; want no change", changed, err)
	}
	if err := b.Assign("m-1", t0); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	changed, err := b.MechanicReported(from, t0.Add(time.Minute))
	if err != nil || !changed {
		t.Fatalf("first report = %v, %v; want EN_ROUTE", changed, err)
	}
	if b.Status != StatusEnRoute || b.DistanceKM <= 0 {
		t.Errorf("status = %s, distance = %v", b.Status, b.DistanceKM)
	}
	if changed, _ := b.MechanicReported(from, t0.Add(2*time.Minute)); changed {
		t.Error("second report must not transition again")
	}
}

func TestAssignedMechanicInvariant(t *testing.T) {
	b := newPending(t)
	if b.MechanicID != "" {
		t.Fatal("pending booking must not carry a mechanic")
	}
	if err := b.Assign("m-1", t0); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := b.Assign("m-2", t0); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("second Assign err = %v, want ErrInvalidStatusTransition", err)
	}
	if b.MechanicID != "m-1" {
		t.Errorf("MechanicID = %q, want m-1", b.MechanicID)
	}
}

func TestMechanicPresentExactlyWhenStatusHasOne(t *testing.T) {
	steps := map[Status]func(b *Booking) error{
		StatusPending:  func(b *Booking) error { return nil },
		StatusAccepted: func(b *Booking) error { return b.Assign("m-1", t0) },
		StatusEnRoute:  func(b *Booking) error {
			if err := b.Assign("m-1", t0); err != nil {
				return err
			}
			_, err := b.MechanicReported(geo.Point{Latitude: 12.98, Longitude: 77.60}, t0)
			return err
		},
		StatusOnSite: func(b *Booking) error {
			if err := b.Assign("m-1", t0); err != nil {
				return err
			}
			return b.Arrive("m-1", t0)
		},
		StatusCompleted: func(b *Booking) error {
			if err := b.Assign("m-1", t0); err != nil {
				return err
			}
			if err := b.Arrive("m-1", t0); err != nil {
				return err
			}
			return b.Complete("m-1", 0, t0)
		},
		StatusCancelled: func(b *Booking) error {
			if err := b.Assign("m-1", t0); err != nil {
				return err
			}
			return b.Cancel("mechanic broke down", t0)
		},
	}
	for status, reach := range steps {
		b := newPending(t)
		if err := reach(b); err != nil {
			t.Fatalf("reach %s: %v", status, err)
		}
		if b.Status != status {
			t.Fatalf("reached %s, want %s", b.Status, status)
		}
		if got := b.MechanicID != ""; got != status.HasMechanic() {
			t.Errorf("%s: mechanic set = %v, HasMechanic = %v", status, got, status.HasMechanic())
		}
	}
}

func TestEventFor(t *testing.T) {
	cases := []struct {
		target Status
		event  Event
		ok     bool
	}{
		{StatusOnSite, EventArrive, true},
		{StatusCompleted, EventComplete, true},
		{StatusCancelled, EventCancel, true},
		{StatusAccepted, "", false},
		{StatusEnRoute, "", false},
		{StatusPending, "", false},
	}
	for _, tc := range cases {
		event, ok := EventFor(tc.target)
		if event != tc.event || ok != tc.ok {
			t.Errorf("EventFor(%s) = %q, %v; want %q, %v", tc.target, event, ok, tc.event, tc.ok)
		}
	}
}

func TestOnSiteCannotBeCancelled(t *testing.T) {
	b := newPending(t)
	_ = b.Assign("m-1", t0)
	if err := b.Arrive("m-1", t0); err != nil {
		t.Fatalf("Arrive: %v", err)
	}
	if err := b.Cancel("changed mind", t0); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("Cancel on ON_SITE err = %v, want ErrInvalidStatusTransition", err)
	}
}

func TestTerminalIsClosed(t *testing.T) {
	b := newPending(t)
	if err := b.Cancel("nobody came", t0); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := b.Assign("m-1", t0); !errors.Is(err, ErrClosed) {
		t.Errorf("Assign after cancel err = %v, want ErrClosed", err)
	}
	if b.CancelReason != "nobody came" {
		t.Errorf("CancelReason = %q", b.CancelReason)
	}
}

func TestCompleteWrongMechanic(t *testing.T) {
	b := newPending(t)
	_ = b.Assign("m-1", t0)
	_ = b.Arrive("m-1", t0)
	if err := b.Complete("m-2", 10, t0); !errors.Is(err, ErrNotAssignedMechanic) {
		t.Errorf("Complete by m-2 err = %v, want ErrNotAssignedMechanic", err)
	}
}

func TestStandardFare(t *testing.T) {
	b := newPending(t)
	_ = b.Assign("m-1", t0)
	b.DistanceKM = 2.5
	enRoute := t0.Add(time.Minute)
	b.EnRouteAt = &enRoute
	done := enRoute.Add(12 * time.Minute)
	b.CompletedAt = &done

	// 50 + 20*2.5 + 5*12
	if got := StandardFare(*b); got != 160 {
		t.Errorf("StandardFare = %v, want 160", got)
	}
}
