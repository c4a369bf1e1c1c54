package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/domain/mechanic"
	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/contracts"
	"roadside-dispatch/internal/general/jwt"
	"roadside-dispatch/internal/general/logger"
	apisvc "roadside-dispatch/internal/software/api/service"
	bookingsvc "roadside-dispatch/internal/software/booking/service"
	dispatchsvc "roadside-dispatch/internal/software/dispatch/service"
)

type fakeService struct {
	bookings  map[string]booking.Booking
	created   []dispatchsvc.Request
	changes   []apisvc.StatusChange
	offerErr  error
	available []mechanic.Availability
	resubmits []string
	createErr error
	applyErr  error
	degraded  bool
}

func (f *fakeService) CreateBooking(_ context.Context, req dispatchsvc.Request) (dispatchsvc.Submission, error) {
	if f.createErr != nil {
		return dispatchsvc.Submission{}, f.createErr
	}
	f.created = append(f.created, req)
	return dispatchsvc.Submission{BookingID: "b-new", RequestID: "r-new", Candidates: 3}, nil
}

func (f *fakeService) GetBooking(_ context.Context, id string) (booking.Booking, error) {
	b, ok := f.bookings[id]
	if !ok {
		return booking.Booking{}, bookingsvc.ErrNotFound
	}
	return b, nil
}

func (f *fakeService) ApplyStatus(_ context.Context, change apisvc.StatusChange) (booking.Booking, error) {
	if f.applyErr != nil {
		return booking.Booking{}, f.applyErr
	}
	f.changes = append(f.changes, change)
	b := f.bookings[change.BookingID]
	b.Status = booking.Status(change.Status)
	return b, nil
}

func (f *fakeService) Resubmit(_ context.Context, bookingID string) (dispatchsvc.Submission, error) {
	f.resubmits = append(f.resubmits, bookingID)
	return dispatchsvc.Submission{BookingID: bookingID, RequestID: "r-2", Candidates: 1}, nil
}

func (f *fakeService) RespondOffer(_ context.Context, _, requestID string, accept bool) (dispatchsvc.Result, error) {
	res := dispatchsvc.Result{RequestID: requestID, BookingID: "b-1", Status: contracts.ResultDeclined}
	if accept {
		res.Status = contracts.ResultAccepted
	}
	if f.offerErr != nil {
		res.Status = contracts.ResultAlreadyTaken
		return res, f.offerErr
	}
	return res, nil
}

func (f *fakeService) SetAvailability(_ context.Context, a mechanic.Availability) error {
	f.available = append(f.available, a)
	return nil
}

func (f *fakeService) GetSystemOverview(context.Context) apisvc.Overview {
	return apisvc.Overview{ActiveDispatches: 2, Bookings: map[string]int{"PENDING": 1}}
}

func (f *fakeService) Health() apisvc.Health {
	if f.degraded {
		return apisvc.Health{Status: "degraded", Broker: "down"}
	}
	return apisvc.Health{Status: "ok", Broker: "up"}
}

type fixture struct {
	srv *httptest.Server
	svc *fakeService
	jwt *jwt.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	svc := &fakeService{bookings: map[string]booking.Booking{
		"b-1": {ID: "b-1", RequesterID: "u-1", MechanicID: "m-1", Status: booking.StatusAccepted},
		"b-2": {ID: "b-2", RequesterID: "u-2", Status: booking.StatusPending},
	}}
	mgr := jwt.NewManager("test-secret", time.Hour)
	mux := http.NewServeMux()
	NewAPIHandler(svc, logger.NewNop(), mgr, nil).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, svc: svc, jwt: mgr}
}

func (f *fixture) do(t *testing.T, method, path, subject string, role user.Role, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if subject != "" {
		token, _, err := f.jwt.IssueUserToken(subject, role)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestCreateBooking(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/bookings", "u-1", user.RoleUser, map[string]any{
		"latitude": 12.97, "longitude": 77.59, "problem": "flat tyre", "vehicle_type": "4W",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["booking_id"] != "b-new" || body["request_id"] != "r-new" || body["status"] != "PENDING" || body["nearby_count"] != float64(3) {
		t.Errorf("body = %v", body)
	}
	if len(f.svc.created) != 1 || f.svc.created[0].RequesterID != "u-1" || f.svc.created[0].VehicleType != booking.VehicleFourWheeler {
		t.Errorf("created = %+v", f.svc.created)
	}
}

func TestCreateBookingRejects(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name    string
		subject string
		role    user.Role
		body    any
		want    int
	}{
		{"no token", "", "", map[string]any{"problem": "x"}, http.StatusUnauthorized},
		{"mechanic role", "m-1", user.RoleMechanic, map[string]any{"problem": "x"}, http.StatusForbidden},
		{"foreign requester", "u-1", user.RoleUser, map[string]any{"problem": "x", "requester_id": "u-9"}, http.StatusForbidden},
		{"unknown field", "u-1", user.RoleUser, map[string]any{"problem": "x", "colour": "red"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/bookings", tc.subject, tc.role, tc.body)
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d (%v)", resp.StatusCode, tc.want, body)
			}
		})
	}

	f.svc.createErr = booking.ErrProblemRequired
	resp, _ := f.do(t, http.MethodPost, "/bookings", "u-1", user.RoleUser, map[string]any{"latitude": 1, "longitude": 1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("validation status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateBookingNeedsJSON(t *testing.T) {
	f := newFixture(t)
	token, _, _ := f.jwt.IssueUserToken("u-1", user.RoleUser)
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/bookings", bytes.NewReader([]byte("problem=x")))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", resp.StatusCode)
	}
}

func TestGetBookingAccess(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name    string
		path    string
		subject string
		role    user.Role
		want    int
	}{
		{"requester", "/bookings/b-1", "u-1", user.RoleUser, http.StatusOK},
		{"assigned mechanic", "/bookings/b-1", "m-1", user.RoleMechanic, http.StatusOK},
		{"admin", "/bookings/b-2", "a-1", user.RoleAdmin, http.StatusOK},
		{"other user", "/bookings/b-1", "u-2", user.RoleUser, http.StatusForbidden},
		{"unassigned mechanic", "/bookings/b-2", "m-1", user.RoleMechanic, http.StatusForbidden},
		{"missing", "/bookings/nope", "a-1", user.RoleAdmin, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodGet, tc.path, tc.subject, tc.role, nil)
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d (%v)", resp.StatusCode, tc.want, body)
			}
		})
	}

	_, body := f.do(t, http.MethodGet, "/bookings/b-1", "u-1", user.RoleUser, nil)
	if body["booking_id"] != "b-1" || body["status"] != "ACCEPTED" || body["mechanic_id"] != "m-1" {
		t.Errorf("body = %v", body)
	}
}

func TestStatusRoleRules(t *testing.T) {
	f := newFixture(t)

	// mechanic id defaults to the subject
	resp, body := f.do(t, http.MethodPost, "/bookings/b-1/status", "m-1", user.RoleMechanic, map[string]any{"status": "ON_SITE"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mechanic ON_SITE = %d (%v)", resp.StatusCode, body)
	}
	if got := f.svc.changes[len(f.svc.changes)-1]; got.MechanicID != "m-1" || got.Status != "ON_SITE" {
		t.Errorf("change = %+v", got)
	}

	resp, _ = f.do(t, http.MethodPost, "/bookings/b-1/status", "m-1", user.RoleMechanic, map[string]any{"status": "ON_SITE", "mechanic_id": "m-2"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("impersonating mechanic = %d, want 403", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/bookings/b-2/status", "m-1", user.RoleMechanic, map[string]any{"status": "CANCELLED"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("unassigned mechanic cancel = %d, want 403", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPost, "/bookings/b-1/status", "u-1", user.RoleUser, map[string]any{"status": "COMPLETED"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("user completing = %d, want 403", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/bookings/b-1/status", "u-2", user.RoleUser, map[string]any{"status": "CANCELLED"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign user cancel = %d, want 403", resp.StatusCode)
	}
	resp, body = f.do(t, http.MethodPost, "/bookings/b-1/status", "u-1", user.RoleUser, map[string]any{"status": "CANCELLED", "reason": "fixed it"})
	if resp.StatusCode != http.StatusOK || body["status"] != "CANCELLED" {
		t.Errorf("requester cancel = %d (%v)", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodPost, "/bookings/b-2/status", "a-1", user.RoleAdmin, map[string]any{"status": "CANCELLED"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("admin cancel = %d, want 200", resp.StatusCode)
	}
}

func TestStatusMapsTaxonomyToConflict(t *testing.T) {
	f := newFixture(t)
	f.svc.applyErr = contracts.ErrIllegalTransition
	resp, _ := f.do(t, http.MethodPost, "/bookings/b-1/status", "a-1", user.RoleAdmin, map[string]any{"status": "COMPLETED", "mechanic_id": "m-1"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("illegal transition = %d, want 409", resp.StatusCode)
	}

	f.svc.applyErr = apisvc.ErrUnsupportedStatus
	resp, _ = f.do(t, http.MethodPost, "/bookings/b-1/status", "a-1", user.RoleAdmin, map[string]any{"status": "PENDING"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unsupported status = %d, want 400", resp.StatusCode)
	}
}

func TestResubmitOwnBookingOnly(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/bookings/b-2/resubmit", "u-1", user.RoleUser, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign resubmit = %d, want 403", resp.StatusCode)
	}
	resp, body := f.do(t, http.MethodPost, "/bookings/b-2/resubmit", "u-2", user.RoleUser, nil)
	if resp.StatusCode != http.StatusOK || body["request_id"] != "r-2" {
		t.Errorf("resubmit = %d (%v)", resp.StatusCode, body)
	}
	if len(f.svc.resubmits) != 1 {
		t.Errorf("resubmits = %v", f.svc.resubmits)
	}
}

func TestOfferResponses(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/dispatch/r-1/accept", "m-1", user.RoleMechanic, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != contracts.ResultAccepted {
		t.Errorf("accept = %d (%v)", resp.StatusCode, body)
	}
	resp, body = f.do(t, http.MethodPost, "/dispatch/r-1/decline", "m-1", user.RoleMechanic, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != contracts.ResultDeclined {
		t.Errorf("decline = %d (%v)", resp.StatusCode, body)
	}

	f.svc.offerErr = contracts.ErrRaceLoss
	resp, body = f.do(t, http.MethodPost, "/dispatch/r-1/accept", "m-2", user.RoleMechanic, nil)
	if resp.StatusCode != http.StatusConflict || body["status"] != contracts.ResultAlreadyTaken {
		t.Errorf("late accept = %d (%v)", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodPost, "/dispatch/r-1/accept", "u-1", user.RoleUser, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("user accept = %d, want 403", resp.StatusCode)
	}
}

func TestAvailability(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/mechanics/m-1/availability", "m-1", user.RoleMechanic,
		map[string]any{"is_available": true, "latitude": 12.9, "longitude": 77.6})
	if resp.StatusCode != http.StatusOK || body["is_available"] != true {
		t.Fatalf("availability = %d (%v)", resp.StatusCode, body)
	}
	if len(f.svc.available) != 1 || f.svc.available[0].Location == nil || f.svc.available[0].Location.Latitude != 12.9 {
		t.Errorf("stored = %+v", f.svc.available)
	}

	resp, _ = f.do(t, http.MethodPost, "/mechanics/m-2/availability", "m-1", user.RoleMechanic, map[string]any{"is_available": true})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("other mechanic = %d, want 403", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/mechanics/m-1/availability", "m-1", user.RoleMechanic, map[string]any{"is_available": true, "latitude": 1.0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("half a location = %d, want 400", resp.StatusCode)
	}
}

func TestOverviewAndHealth(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/admin/overview", "u-1", user.RoleUser, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("user overview = %d, want 403", resp.StatusCode)
	}
	resp, body := f.do(t, http.MethodGet, "/admin/overview", "a-1", user.RoleAdmin, nil)
	if resp.StatusCode != http.StatusOK || body["active_dispatches"] != float64(2) {
		t.Errorf("overview = %d (%v)", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodGet, "/health", "", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d (%v)", resp.StatusCode, body)
	}

	f.svc.degraded = true
	resp, body = f.do(t, http.MethodGet, "/health", "", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || body["broker"] != "down" {
		t.Errorf("degraded health = %d (%v)", resp.StatusCode, body)
	}
}
