package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/domain/geo"
	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/contracts"
	"roadside-dispatch/internal/general/logger"
	"roadside-dispatch/internal/general/registry"
	"roadside-dispatch/internal/general/registry/registrytest"
	bookingsvc "roadside-dispatch/internal/software/booking/service"
)

type staticRanker []string

func (r staticRanker) RankCandidates(context.Context, CandidateQuery) ([]string, error) {
	return append([]string(nil), r...), nil
}

type directory map[string]MechanicProfile

func (d directory) Profile(_ context.Context, id string) (MechanicProfile, error) {
	p, ok := d[id]
	if !ok {
		return MechanicProfile{}, errors.New("unknown mechanic")
	}
	return p, nil
}

type fixture struct {
	reg       *registry.Registry
	bookings  *bookingsvc.Manager
	engine    *Engine
	requester *registrytest.Peer
	mechanics map[string]*registrytest.Peer
	bindings  map[string]registry.Binding
}

const bookingID = "b-1"

func newFixture(t *testing.T, cfg Config, candidates []string, online ...string) *fixture {
	t.Helper()
	reg := registry.New(logger.NewNop())
	mgr := bookingsvc.NewManager(logger.NewNop(), reg, bookingsvc.WithIDs(func() string { return bookingID }))
	n := 0
	eng := NewEngine(cfg, logger.NewNop(), mgr, staticRanker(candidates), reg,
		WithDirectory(directory{"m-b": {ID: "m-b", Name: "Bala", Phone: "+91-555"}}),
		WithRequestIDs(func() string { n++; return fmt.Sprintf("r-%d", n) }),
	)
	mgr.OnClosed(eng.Release)
	reg.OnTeardown(registry.TopicDispatch, eng.MechanicGone)

	f := &fixture{
		reg:       reg,
		bookings:  mgr,
		engine:    eng,
		requester: registrytest.NewPeer(),
		mechanics: make(map[string]*registrytest.Peer),
		bindings:  make(map[string]registry.Binding),
	}
	if _, err := reg.Subscribe(registry.TopicTracking, bookingID, user.PartyRequester, "u-1", f.requester); err != nil {
		t.Fatal(err)
	}
	if len(online) == 0 {
		online = candidates
	}
	for _, id := range online {
		p := registrytest.NewPeer()
		b, err := reg.Subscribe(registry.TopicDispatch, id, user.PartyMechanic, id, p)
		if err != nil {
			t.Fatal(err)
		}
		f.mechanics[id] = p
		f.bindings[id] = b
	}
	return f
}

func (f *fixture) submit(t *testing.T) Submission {
	t.Helper()
	sub, err := f.engine.Submit(context.Background(), Request{
		RequesterID: "u-1",
		Problem:     "engine won't start",
		Location:    geo.Point{Latitude: 12.97, Longitude: 77.59},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return sub
}

func (f *fixture) offers(id string) int {
	return f.mechanics[id].CountType(contracts.TypeNewRequest)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAtMostOneAcceptUnderConcurrency(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: time.Second, SkipOffline: true}, []string{"m-a"})
	sub := f.submit(t)

	// a second live connection for the same mechanic
	_, _ = f.reg.Subscribe(registry.TopicDispatch, "m-a", user.PartyMechanic, "m-a", registrytest.NewPeer())

	const racers = 16
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, racers)
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.engine.Accept(context.Background(), "m-a", sub.RequestID)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, contracts.ErrRaceLoss):
			t.Errorf("losing accept err = %v, want ErrRaceLoss", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
	b, _ := f.bookings.Get(sub.BookingID)
	if b.Status != booking.StatusAccepted || b.MechanicID != "m-a" {
		t.Errorf("booking = %s/%q, want ACCEPTED/m-a", b.Status, b.MechanicID)
	}
	if n := f.requester.CountType(contracts.TypeMechanicAssigned); n != 1 {
		t.Errorf("MECHANIC_ASSIGNED delivered %d times, want 1", n)
	}
}

func TestAcceptRacingTimeoutNeverDoubleResolves(t *testing.T) {
	for i := 0; i < 30; i++ {
		f := newFixture(t, Config{OfferTimeout: time.Millisecond, SkipOffline: true}, []string{"m-a"})
		sub := f.submit(t)
		time.Sleep(time.Duration(i%3) * time.Millisecond)
		_, err := f.engine.Accept(context.Background(), "m-a", sub.RequestID)

		accepted := 0
		for _, o := range f.engine.History(sub.BookingID) {
			if o.Outcome == OutcomeAccepted {
				accepted++
			}
		}
		b, _ := f.bookings.Get(sub.BookingID)
		if err == nil {
			if accepted != 1 || b.MechanicID != "m-a" {
				t.Fatalf("iteration %d: accepted=%d mechanic=%q", i, accepted, b.MechanicID)
			}
		} else if accepted != 0 || b.MechanicID != "" {
			t.Fatalf("iteration %d: lost accept but accepted=%d mechanic=%q", i, accepted, b.MechanicID)
		}
	}
}

func TestCascadeTimeoutThenDecline(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: 150 * time.Millisecond, SkipOffline: true}, []string{"m-a", "m-b", "m-c"})
	sub := f.submit(t)

	if f.offers("m-a") != 1 || f.offers("m-b") != 0 {
		t.Fatalf("first offer must go to m-a only")
	}
	waitFor(t, "offer to m-b", func() bool { return f.offers("m-b") == 1 })

	var withdrawn contracts.WSOfferWithdrawn
	if !f.mechanics["m-a"].Last(contracts.TypeOfferWithdrawn, &withdrawn) || withdrawn.Reason != contracts.ReasonTimeout {
		t.Errorf("m-a withdrawal = %+v, want reason timeout", withdrawn)
	}

	if _, err := f.engine.Decline(context.Background(), "m-b", sub.RequestID); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if f.offers("m-c") != 1 {
		t.Fatal("third offer must go to m-c")
	}
	if f.offers("m-a") != 1 || f.offers("m-b") != 1 {
		t.Errorf("offers a=%d b=%d, want one each", f.offers("m-a"), f.offers("m-b"))
	}

	got := f.engine.History(sub.BookingID)
	want := []Outcome{OutcomeExpired, OutcomeDeclined, OutcomePending}
	if len(got) != len(want) {
		t.Fatalf("history len = %d, want %d", len(got), len(want))
	}
	for i, o := range got {
		if o.Outcome != want[i] {
			t.Errorf("offer %d (%s) = %s, want %s", i, o.MechanicID, o.Outcome, want[i])
		}
	}
	_, _ = f.engine.Accept(context.Background(), "m-c", sub.RequestID)
}

func TestDeclineThenAcceptEndToEnd(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: time.Second, SkipOffline: true}, []string{"m-a", "m-b"})
	ctx := context.Background()
	sub := f.submit(t)

	res, err := f.engine.Decline(ctx, "m-a", sub.RequestID)
	if err != nil || res.Status != contracts.ResultDeclined {
		t.Fatalf("Decline = %+v, %v", res, err)
	}
	if f.offers("m-b") != 1 {
		t.Fatal("m-b must be offered after m-a declines")
	}
	res, err = f.engine.Accept(ctx, "m-b", sub.RequestID)
	if err != nil || res.Status != contracts.ResultAccepted {
		t.Fatalf("Accept = %+v, %v", res, err)
	}

	b, _ := f.bookings.Get(sub.BookingID)
	if b.Status != booking.StatusAccepted || b.MechanicID != "m-b" {
		t.Errorf("booking = %s/%q, want ACCEPTED/m-b", b.Status, b.MechanicID)
	}
	if n := f.requester.CountType(contracts.TypeMechanicAssigned); n != 1 {
		t.Fatalf("MECHANIC_ASSIGNED count = %d, want 1", n)
	}
	var assigned contracts.WSMechanicAssigned
	f.requester.Last(contracts.TypeMechanicAssigned, &assigned)
	if assigned.MechanicID != "m-b" || assigned.MechanicName != "Bala" {
		t.Errorf("assigned = %+v", assigned)
	}

	// a late accept from the decliner loses
	if _, err := f.engine.Accept(ctx, "m-a", sub.RequestID); !errors.Is(err, contracts.ErrRaceLoss) {
		t.Errorf("late accept err = %v, want ErrRaceLoss", err)
	}
	var late contracts.WSOfferResult
	if !f.mechanics["m-a"].Last(contracts.TypeAcceptResult, &late) || late.Status != contracts.ResultAlreadyTaken {
		t.Errorf("late accept result = %+v", late)
	}
	if n := f.requester.CountType(contracts.TypeMechanicAssigned); n != 1 {
		t.Errorf("MECHANIC_ASSIGNED count after late accept = %d, want 1", n)
	}
}

func TestAcceptClearsRequestFromPassedOverMechanics(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: time.Second, SkipOffline: true}, []string{"m-a", "m-b", "m-c"})
	ctx := context.Background()
	sub := f.submit(t)

	for _, id := range []string{"m-a", "m-b"} {
		if _, err := f.engine.Decline(ctx, id, sub.RequestID); err != nil {
			t.Fatalf("Decline(%s): %v", id, err)
		}
	}
	if _, err := f.engine.Accept(ctx, "m-c", sub.RequestID); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	for _, id := range []string{"m-a", "m-b"} {
		var w contracts.WSOfferWithdrawn
		if !f.mechanics[id].Last(contracts.TypeOfferWithdrawn, &w) || w.Reason != contracts.ReasonTaken || w.RequestID != sub.RequestID {
			t.Errorf("%s withdrawal = %+v, want reason taken", id, w)
		}
	}
	if f.mechanics["m-c"].CountType(contracts.TypeOfferWithdrawn) != 0 {
		t.Error("winner must not see a withdrawal")
	}
}

func TestAcceptCancelsTimer(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: 30 * time.Millisecond, SkipOffline: true}, []string{"m-a", "m-b"})
	sub := f.submit(t)
	if _, err := f.engine.Accept(context.Background(), "m-a", sub.RequestID); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if f.offers("m-b") != 0 {
		t.Error("a stale expiry advanced a resolved booking")
	}
	if f.mechanics["m-a"].CountType(contracts.TypeOfferWithdrawn) != 0 {
		t.Error("winner must not see a withdrawal")
	}
}

func TestExhaustedQueueStaysPendingAndCanResubmit(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: time.Second, SkipOffline: true}, []string{"m-a"})
	ctx := context.Background()
	sub := f.submit(t)

	_, _ = f.engine.Decline(ctx, "m-a", sub.RequestID)
	var none contracts.WSNoMechanicAccepted
	if !f.requester.Last(contracts.TypeNoMechanicAccepted, &none) || none.Message != contracts.MessageNoMechanic {
		t.Fatalf("requester frames = %v", f.requester.Types())
	}
	if b, _ := f.bookings.Get(sub.BookingID); b.Status != booking.StatusPending {
		t.Fatalf("status = %s, want PENDING", b.Status)
	}

	again, err := f.engine.Resubmit(ctx, sub.BookingID)
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if again.RequestID == sub.RequestID {
		t.Error("resubmission must use a new request id")
	}
	if _, err := f.engine.Resubmit(ctx, sub.BookingID); !errors.Is(err, ErrDispatchInProgress) {
		t.Errorf("Resubmit while offering err = %v", err)
	}
	if _, err := f.engine.Accept(ctx, "m-a", sub.RequestID); !errors.Is(err, contracts.ErrStaleReference) {
		t.Errorf("accept with old request id err = %v, want stale", err)
	}
	if _, err := f.engine.Accept(ctx, "m-a", again.RequestID); err != nil {
		t.Errorf("accept with new request id: %v", err)
	}
}

func TestPendingTTLCancels(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: time.Second, PendingTTL: 30 * time.Millisecond, SkipOffline: true}, nil)
	sub := f.submit(t)
	if !sub.Exhausted {
		t.Fatal("no candidates must exhaust immediately")
	}
	waitFor(t, "auto cancel", func() bool {
		b, _ := f.bookings.Get(sub.BookingID)
		return b.Status == booking.StatusCancelled
	})
	b, _ := f.bookings.Get(sub.BookingID)
	if b.CancelReason != contracts.ReasonNoMechanic {
		t.Errorf("reason = %q", b.CancelReason)
	}
}

func TestOfflineCandidatesAreSkipped(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: time.Second, SkipOffline: true}, []string{"m-offline", "m-a"}, "m-a")
	sub := f.submit(t)
	h := f.engine.History(sub.BookingID)
	if len(h) != 1 || h[0].MechanicID != "m-a" {
		t.Errorf("history = %+v, want a single offer to m-a", h)
	}
}

func TestMechanicDisconnectCountsAsDecline(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: time.Second, SkipOffline: true}, []string{"m-a", "m-b"})
	sub := f.submit(t)

	f.reg.Unsubscribe(f.bindings["m-a"].ID)
	if f.offers("m-b") != 1 {
		t.Fatal("m-b must be offered after m-a disconnects")
	}
	if h := f.engine.History(sub.BookingID); h[0].Outcome != OutcomeDeclined {
		t.Errorf("m-a outcome = %s, want DECLINED", h[0].Outcome)
	}
}

func TestCancelWithdrawsOpenOffer(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: time.Second, SkipOffline: true}, []string{"m-a"})
	ctx := context.Background()
	sub := f.submit(t)

	if _, err := f.bookings.Cancel(ctx, sub.BookingID, "found help"); err != nil {
		t.Fatal(err)
	}
	var w contracts.WSOfferWithdrawn
	if !f.mechanics["m-a"].Last(contracts.TypeOfferWithdrawn, &w) || w.Reason != contracts.ReasonCancelled {
		t.Errorf("withdrawal = %+v", w)
	}
	if _, err := f.engine.Accept(ctx, "m-a", sub.RequestID); !errors.Is(err, contracts.ErrStaleReference) {
		t.Errorf("accept after cancel err = %v, want stale", err)
	}
	if f.engine.Active() != 0 {
		t.Error("no dispatch may remain active")
	}
}

func TestAcceptBookingByBookingID(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: time.Second, SkipOffline: true}, []string{"m-a"})
	sub := f.submit(t)
	res, err := f.engine.AcceptBooking(context.Background(), "m-a", sub.BookingID)
	if err != nil || res.Status != contracts.ResultAccepted {
		t.Fatalf("AcceptBooking = %+v, %v", res, err)
	}
	if _, err := f.engine.AcceptBooking(context.Background(), "m-a", "nope"); !errors.Is(err, contracts.ErrStaleReference) {
		t.Errorf("unknown booking err = %v, want ErrStaleReference", err)
	}
}
