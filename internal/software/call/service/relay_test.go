package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"roadside-dispatch/internal/domain/geo"
	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/contracts"
	"roadside-dispatch/internal/general/logger"
	"roadside-dispatch/internal/general/registry"
	"roadside-dispatch/internal/general/registry/registrytest"
	bookingsvc "roadside-dispatch/internal/software/booking/service"
)

type memLogs struct {
	mu   sync.Mutex
	logs []CallLog
}

func (m *memLogs) Record(_ context.Context, l CallLog) {
	m.mu.Lock()
	m.logs = append(m.logs, l)
	m.mu.Unlock()
}

func (m *memLogs) outcomes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, l := range m.logs {
		out = append(out, l.Outcome)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	relay     *Relay
	bookings  *bookingsvc.Manager
	reg       *registry.Registry
	clock     *clock
	logs      *memLogs
	id        string
	requester *registrytest.Peer
	mechanic  *registrytest.Peer
	bindings  map[user.Party]registry.Binding
}

func newFixture(t *testing.T, cfg Config, paired bool) *fixture {
	t.Helper()
	reg := registry.New(logger.NewNop())
	mgr := bookingsvc.NewManager(logger.NewNop(), reg)
	clk := &clock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	logs := &memLogs{}
	relay := NewRelay(cfg, logger.NewNop(), mgr, reg, WithClock(clk.Now), WithLogSink(logs))
	mgr.OnClosed(relay.Close)
	reg.OnTeardown(registry.TopicCall, relay.PartyLeft)

	ctx := context.Background()
	b, err := mgr.Create(ctx, bookingsvc.NewBooking{RequesterID: "u-1", Problem: "tow", Location: geo.Point{Latitude: 1, Longitude: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if paired {
		if _, err := mgr.Assign(ctx, b.ID, "m-1"); err != nil {
			t.Fatal(err)
		}
	}
	f := &fixture{
		relay: relay, bookings: mgr, reg: reg, clock: clk, logs: logs, id: b.ID,
		requester: registrytest.NewPeer(), mechanic: registrytest.NewPeer(),
		bindings: make(map[user.Party]registry.Binding),
	}
	f.bindings[user.PartyRequester], _ = reg.Subscribe(registry.TopicCall, b.ID, user.PartyRequester, "u-1", f.requester)
	f.bindings[user.PartyMechanic], _ = reg.Subscribe(registry.TopicCall, b.ID, user.PartyMechanic, "m-1", f.mechanic)
	return f
}

func (f *fixture) send(t *testing.T, from user.Party, frame string) error {
	t.Helper()
	return f.relay.Handle(context.Background(), f.id, from, []byte(frame))
}

func (f *fixture) activate(t *testing.T) {
	t.Helper()
	if err := f.send(t, user.PartyRequester, `{"type":"start_call","sender":"user"}`); err != nil {
		t.Fatalf("start_call: %v", err)
	}
	if err := f.send(t, user.PartyMechanic, `{"type":"accept_call","sender":"mechanic"}`); err != nil {
		t.Fatalf("accept_call: %v", err)
	}
}

func TestStartCallNeverNotifiesSender(t *testing.T) {
	f := newFixture(t, Config{}, true)
	second := registrytest.NewPeer()
	_, _ = f.reg.Subscribe(registry.TopicCall, f.id, user.PartyRequester, "u-1", second)

	if err := f.send(t, user.PartyRequester, `{"type":"start_call","sender":"user"}`); err != nil {
		t.Fatal(err)
	}
	if f.requester.CountType(contracts.TypeIncomingCall)+second.CountType(contracts.TypeIncomingCall) != 0 {
		t.Error("caller received its own incoming_call")
	}
	var in contracts.WSCallSignal
	if !f.mechanic.Last(contracts.TypeIncomingCall, &in) || in.From != "user" || in.BookingID != f.id {
		t.Errorf("callee incoming_call = %+v", in)
	}
	if f.mechanic.CountType(contracts.TypeIncomingCall) != 1 {
		t.Error("callee must be notified exactly once")
	}
}

func TestSecondStartCallIsBusy(t *testing.T) {
	f := newFixture(t, Config{}, true)
	_ = f.send(t, user.PartyRequester, `{"type":"start_call"}`)
	first, _ := f.relay.Session(f.id)

	if err := f.send(t, user.PartyMechanic, `{"type":"start_call"}`); !errors.Is(err, ErrBusy) {
		t.Errorf("second start_call while RINGING err = %v, want ErrBusy", err)
	}
	_ = f.send(t, user.PartyMechanic, `{"type":"accept_call"}`)
	if err := f.send(t, user.PartyRequester, `{"type":"start_call"}`); !errors.Is(err, ErrBusy) {
		t.Errorf("start_call while ACTIVE err = %v, want ErrBusy", err)
	}

	now, _ := f.relay.Session(f.id)
	if now.ID != first.ID || now.State != StateActive {
		t.Errorf("session = %+v, want the original one ACTIVE", now)
	}
	if n := f.requester.CountType(contracts.TypeIncomingCall); n != 0 {
		t.Errorf("requester got %d incoming_call", n)
	}
}

func TestAcceptRules(t *testing.T) {
	f := newFixture(t, Config{}, true)
	if err := f.send(t, user.PartyMechanic, `{"type":"accept_call"}`); !errors.Is(err, ErrNoSession) {
		t.Errorf("accept from IDLE err = %v", err)
	}
	_ = f.send(t, user.PartyRequester, `{"type":"start_call"}`)
	if err := f.send(t, user.PartyRequester, `{"type":"accept_call"}`); !errors.Is(err, ErrNotCallee) {
		t.Errorf("caller accepting err = %v, want ErrNotCallee", err)
	}
	if err := f.send(t, user.PartyMechanic, `{"type":"accept_call"}`); err != nil {
		t.Fatal(err)
	}
	if f.requester.CountType(contracts.TypeAcceptCall) != 1 {
		t.Error("caller must receive accept_call")
	}
	if err := f.send(t, user.PartyMechanic, `{"type":"reject_call"}`); !errors.Is(err, contracts.ErrIllegalTransition) {
		t.Errorf("reject while ACTIVE err = %v", err)
	}
}

func TestRejectDestroysSession(t *testing.T) {
	f := newFixture(t, Config{}, true)
	_ = f.send(t, user.PartyRequester, `{"type":"start_call"}`)
	if err := f.send(t, user.PartyMechanic, `{"type":"reject_call","sender":"mechanic"}`); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.relay.Session(f.id); ok {
		t.Error("session must be destroyed on reject")
	}
	if f.requester.CountType(contracts.TypeRejectCall) != 1 || f.mechanic.CountType(contracts.TypeRejectCall) != 0 {
		t.Error("reject_call goes to the other party only")
	}
	if err := f.send(t, user.PartyMechanic, `{"type":"start_call"}`); err != nil {
		t.Errorf("a new call after reject: %v", err)
	}
}

func TestNegotiationForwardedVerbatimWhileActive(t *testing.T) {
	f := newFixture(t, Config{}, true)
	f.activate(t)

	frame := `{"type":"offer","sender":"user","sdp":{"type":"offer","sdp":"v=0\r\n"},"extra":[1,2]}`
	if err := f.send(t, user.PartyRequester, frame); err != nil {
		t.Fatal(err)
	}
	frames := f.mechanic.Frames()
	if last := frames[len(frames)-1]; !bytes.Equal(last, []byte(frame)) {
		t.Errorf("forwarded %s, want %s", last, frame)
	}
	if f.requester.CountType(contracts.TypeOffer) != 0 {
		t.Error("sender must not receive its own offer")
	}
}

func TestCallerDisconnectEndsCall(t *testing.T) {
	f := newFixture(t, Config{}, true)
	f.activate(t)

	f.reg.Unsubscribe(f.bindings[user.PartyRequester].ID)

	var end contracts.WSCallSignal
	if !f.mechanic.Last(contracts.TypeEndCall, &end) || end.Reason != contracts.ReasonDisconnected {
		t.Fatalf("callee end_call = %+v", end)
	}
	if _, ok := f.relay.Session(f.id); ok {
		t.Fatal("session must be destroyed")
	}

	rejoined := registrytest.NewPeer()
	_, _ = f.reg.Subscribe(registry.TopicCall, f.id, user.PartyRequester, "u-1", rejoined)
	if err := f.send(t, user.PartyMechanic, `{"type":"offer","sdp":"x"}`); err != nil {
		t.Errorf("offer without session err = %v, want silent drop", err)
	}
	if len(rejoined.Frames()) != 0 {
		t.Error("offer after teardown must be dropped")
	}
	if got := f.logs.outcomes(); len(got) != 1 || got[0] != contracts.ReasonDisconnected {
		t.Errorf("call logs = %v", got)
	}
}

func TestCalleeDisconnectWhileRingingRejects(t *testing.T) {
	f := newFixture(t, Config{}, true)
	_ = f.send(t, user.PartyRequester, `{"type":"start_call"}`)
	f.reg.Unsubscribe(f.bindings[user.PartyMechanic].ID)

	var rej contracts.WSCallSignal
	if !f.requester.Last(contracts.TypeRejectCall, &rej) || rej.Reason != contracts.ReasonDisconnected {
		t.Errorf("caller reject_call = %+v", rej)
	}
}

func TestNegotiationGraceWindowIsTwoSeconds(t *testing.T) {
	if DefaultNegotiationGrace != 2*time.Second {
		t.Fatalf("DefaultNegotiationGrace = %v, want 2s", DefaultNegotiationGrace)
	}

	t.Run("within window is flushed on accept", func(t *testing.T) {
		f := newFixture(t, Config{}, true)
		_ = f.send(t, user.PartyRequester, `{"type":"start_call"}`)
		early := `{"type":"ice-candidate","candidate":{"candidate":"a=1"}}`
		_ = f.send(t, user.PartyRequester, early)
		if f.mechanic.CountType(contracts.TypeICECandidate) != 0 {
			t.Fatal("negotiation must not pass while RINGING")
		}
		f.clock.Advance(2 * time.Second)
		_ = f.send(t, user.PartyMechanic, `{"type":"accept_call"}`)

		frames := f.mechanic.Frames()
		if !bytes.Equal(frames[len(frames)-1], []byte(early)) {
			t.Errorf("early candidate not flushed: %v", f.mechanic.Types())
		}
	})

	t.Run("past window is dropped", func(t *testing.T) {
		f := newFixture(t, Config{}, true)
		_ = f.send(t, user.PartyRequester, `{"type":"start_call"}`)
		_ = f.send(t, user.PartyRequester, `{"type":"offer","sdp":"late"}`)
		f.clock.Advance(2*time.Second + time.Millisecond)
		_ = f.send(t, user.PartyMechanic, `{"type":"accept_call"}`)
		if f.mechanic.CountType(contracts.TypeOffer) != 0 {
			t.Error("negotiation older than the grace window must be dropped")
		}
	})
}

func TestRingTimeout(t *testing.T) {
	f := newFixture(t, Config{RingTimeout: 20 * time.Millisecond}, true)
	_ = f.send(t, user.PartyRequester, `{"type":"start_call"}`)

	deadline := time.Now().Add(2 * time.Second)
	for f.requester.CountType(contracts.TypeEndCall) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no end_call after ring timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
	var end contracts.WSCallSignal
	f.mechanic.Last(contracts.TypeEndCall, &end)
	if end.Reason != contracts.ReasonNoAnswer {
		t.Errorf("reason = %q, want no_answer", end.Reason)
	}
	if _, ok := f.relay.Session(f.id); ok {
		t.Error("session must be destroyed after ring timeout")
	}
}

func TestCallsGatedOnBooking(t *testing.T) {
	f := newFixture(t, Config{}, false)
	if err := f.send(t, user.PartyRequester, `{"type":"start_call"}`); !errors.Is(err, contracts.ErrIllegalTransition) {
		t.Errorf("start_call on PENDING err = %v, want illegal", err)
	}
}

func TestSenderMustMatchConnection(t *testing.T) {
	f := newFixture(t, Config{}, true)
	if err := f.send(t, user.PartyRequester, `{"type":"start_call","sender":"mechanic"}`); !errors.Is(err, ErrSenderMismatch) {
		t.Errorf("spoofed sender err = %v", err)
	}
}

func TestBookingCloseEndsCall(t *testing.T) {
	f := newFixture(t, Config{}, true)
	f.activate(t)
	if _, err := f.bookings.Cancel(context.Background(), f.id, "resolved"); err != nil {
		t.Fatal(err)
	}
	for _, p := range []*registrytest.Peer{f.requester, f.mechanic} {
		var end contracts.WSCallSignal
		if !p.Last(contracts.TypeEndCall, &end) || end.Reason != contracts.ReasonBookingClosed {
			t.Errorf("end_call = %+v, want booking_closed", end)
		}
	}
	if got := f.logs.outcomes(); len(got) != 1 || got[0] != contracts.ReasonBookingClosed {
		t.Errorf("call logs = %v", got)
	}
}
