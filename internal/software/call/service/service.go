package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/contracts"
	"roadside-dispatch/internal/general/keyed"
	"roadside-dispatch/internal/general/logger"
	"roadside-dispatch/internal/general/registry"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultNegotiationGrace = 2 * time.Second
	DefaultRingTimeout      = 30 * time.Second
	DefaultMaxBuffered      = 32
)

var (
	ErrBusy           = fmt.Errorf("call already in progress: %w", contracts.ErrIllegalTransition)
	ErrNoSession      = fmt.Errorf("no call in progress: %w", contracts.ErrIllegalTransition)
	ErrNotCallee      = fmt.Errorf("only the callee can accept: %w", contracts.ErrIllegalTransition)
	ErrSenderMismatch = errors.New("sender does not match the connection")
	ErrUnknownType    = errors.New("unknown call message type")
)

// State of a booking's call.
type State string

const (
	StateIdle    State = "IDLE"
	StateRinging State = "RINGING"
	StateActive  State = "ACTIVE"
)

// Session is the single call a booking may have at a time.
type Session struct {
	ID         string
	BookingID  string
	State      State
	Caller     user.Party
	Callee     user.Party
	StartedAt  time.Time
	AnsweredAt *time.Time
}

// CallLog is written once per session when it ends.
type CallLog struct {
	BookingID  string
	CallID     string
	Caller     string
	Callee     string
	StartedAt  time.Time
	AnsweredAt *time.Time
	EndedAt    time.Time
	EndedBy    string
	Outcome    string
}

// LogSink stores call logs. Record must not block.
type LogSink interface {
	Record(ctx context.Context, l CallLog)
}

// Bookings gates calls on the booking being paired.
type Bookings interface {
	Get(id string) (booking.Booking, error)
}

// Notifier reaches one side of a booking's call channel. Negotiation frames go
// through SendRawToParty untouched.
type Notifier interface {
	SendToParty(topic registry.Topic, key string, party user.Party, msg any) int
	SendRawToParty(topic registry.Topic, key string, party user.Party, payload []byte) int
}

// Config tunes the handshake. ICEServers ride along on incoming_call and accept_call.
type Config struct {
	NegotiationGrace time.Duration
	RingTimeout      time.Duration
	MaxBuffered      int
	ICEServers       []webrtc.ICEServer
}

type buffered struct {
	from    user.Party
	payload []byte
	at      time.Time
}

type slot struct {
	session   *Session
	pending   []buffered
	ringTimer *time.Timer
}

// Relay runs the ring/accept handshake per booking and forwards negotiation
// frames between the two parties once the call is answered.
type Relay struct {
	cfg      Config
	logger   *logger.Logger
	bookings Bookings
	notifier Notifier
	logs     LogSink
	now      func() time.Time
	newID    func() string

	locks *keyed.Mutex

	mu    sync.Mutex
	slots map[string]*slot
}

type Option func(*Relay)

func WithClock(now func() time.Time) Option { return func(r *Relay) { r.now = now } }
func WithLogSink(s LogSink) Option          { return func(r *Relay) { r.logs = s } }
func WithCallIDs(next func() string) Option { return func(r *Relay) { r.newID = next } }

// NewRelay builds a call relay; zero durations fall back to the defaults.
func NewRelay(cfg Config, log *logger.Logger, bookings Bookings, notifier Notifier, opts ...Option) *Relay {
	if cfg.NegotiationGrace <= 0 {
		cfg.NegotiationGrace = DefaultNegotiationGrace
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = DefaultMaxBuffered
	}
	r := &Relay{
		cfg:      cfg,
		logger:   log,
		bookings: bookings,
		notifier: notifier,
		now:      time.Now,
		newID:    uuid.NewString,
		locks:    keyed.New(),
		slots:    make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Session returns a copy of the booking's current call, if any.
func (r *Relay) Session(bookingID string) (Session, bool) {
	unlock := r.locks.Lock(bookingID)
	defer unlock()
	s := r.slot(bookingID)
	if s == nil {
		return Session{}, false
	}
	return *s.session, true
}

// Counts reports live sessions per state.
func (r *Relay) Counts() map[State]int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.slots))
	for id := range r.slots {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	out := make(map[State]int)
	for _, id := range ids {
		if s, ok := r.Session(id); ok {
			out[s.State]++
		}
	}
	return out
}

func (r *Relay) slot(bookingID string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[bookingID]
}

func (r *Relay) bookingCtx(bookingID string) context.Context {
	return r.logger.WithBookingID(context.Background(), bookingID)
}
