package service

import (
	"context"
	"sync"
	"time"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/domain/geo"
	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/logger"
	"roadside-dispatch/internal/general/registry"
	bookingsvc "roadside-dispatch/internal/software/booking/service"

	"github.com/google/uuid"
)

// Bookings is what the engine needs from the booking manager.
type Bookings interface {
	Create(ctx context.Context, in bookingsvc.NewBooking) (booking.Booking, error)
	Get(id string) (booking.Booking, error)
	Assign(ctx context.Context, id, mechanicID string) (booking.Booking, error)
	NoCandidates(ctx context.Context, id string) (booking.Booking, error)
	Cancel(ctx context.Context, id, reason string) (booking.Booking, error)
}

// Notifier is the slice of the channel registry the engine uses.
type Notifier interface {
	SendToParty(topic registry.Topic, key string, party user.Party, msg any) int
	BroadcastTo(topic registry.Topic, keys []string, msg any) int
	Count(topic registry.Topic, key string, party user.Party) int
}

// Ranker orders candidate mechanics for a booking, best first.
type Ranker interface {
	RankCandidates(ctx context.Context, q CandidateQuery) ([]string, error)
}

// CandidateQuery narrows the ranking.
type CandidateQuery struct {
	Location    geo.Point
	VehicleType booking.VehicleType
	RadiusKM    float64
	Limit       int
}

// Directory resolves mechanic details for the assignment notice.
type Directory interface {
	Profile(ctx context.Context, mechanicID string) (MechanicProfile, error)
}

// MechanicProfile is what the requester learns about the winning mechanic.
// Location is nil when the mechanic never reported one.
type MechanicProfile struct {
	ID       string
	Name     string
	Phone    string
	Location *geo.Point
}

// Config tunes the cascade. SkipOffline passes over candidates with no live
// dispatch binding instead of waiting out their offer timer.
type Config struct {
	OfferTimeout   time.Duration
	PendingTTL     time.Duration // 0 keeps exhausted bookings open
	SearchRadiusKM float64
	MaxCandidates  int
	SkipOffline    bool
}

// Outcome of a single offer.
type Outcome string

const (
	OutcomePending  Outcome = "PENDING"
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeDeclined Outcome = "DECLINED"
	OutcomeExpired  Outcome = "EXPIRED"
)

// Offer is one time-boxed proposal of a booking to one mechanic.
type Offer struct {
	BookingID  string
	MechanicID string
	OfferedAt  time.Time
	ExpiresAt  time.Time
	Outcome    Outcome

	seq   int
	timer *time.Timer
}

type phase int

const (
	phaseOffering phase = iota
	phaseExhausted
	phaseAssigned
	phaseAborted
)

// attempt is the dispatch state of one booking. Every field is guarded by mu,
// which is taken before any booking lock.
type attempt struct {
	mu sync.Mutex

	bookingID   string
	requestID   string
	requesterID string
	problem     string
	location    geo.Point
	locText     string
	vehicleType booking.VehicleType

	queue        []string
	offers       []*Offer
	current      *Offer
	phase        phase
	winner       string
	pendingTimer *time.Timer
}

// Engine runs the candidate cascade for every PENDING booking.
type Engine struct {
	cfg       Config
	logger    *logger.Logger
	bookings  Bookings
	ranker    Ranker
	directory Directory
	notifier  Notifier
	now       func() time.Time
	newID     func() string

	mu        sync.Mutex
	byBooking map[string]*attempt
	byRequest map[string]*attempt
}

type Option func(*Engine)

func WithDirectory(d Directory) Option         { return func(e *Engine) { e.directory = d } }
func WithClock(now func() time.Time) Option    { return func(e *Engine) { e.now = now } }
func WithRequestIDs(next func() string) Option { return func(e *Engine) { e.newID = next } }

// NewEngine builds a dispatch engine. OfferTimeout defaults to five seconds.
func NewEngine(cfg Config, log *logger.Logger, bookings Bookings, ranker Ranker, notifier Notifier, opts ...Option) *Engine {
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = 5 * time.Second
	}
	e := &Engine{
		cfg:       cfg,
		logger:    log,
		bookings:  bookings,
		ranker:    ranker,
		notifier:  notifier,
		now:       time.Now,
		newID:     uuid.NewString,
		byBooking: make(map[string]*attempt),
		byRequest: make(map[string]*attempt),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) lookupRequest(requestID string) *attempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byRequest[requestID]
}

func (e *Engine) lookupBooking(bookingID string) *attempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byBooking[bookingID]
}

func (e *Engine) register(a *attempt, requestID string) {
	e.mu.Lock()
	e.byBooking[a.bookingID] = a
	e.byRequest[requestID] = a
	e.mu.Unlock()
}

func (e *Engine) snapshot() []*attempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*attempt, 0, len(e.byBooking))
	for _, a := range e.byBooking {
		out = append(out, a)
	}
	return out
}

// History returns a copy of the offers made for a booking, oldest first.
func (e *Engine) History(bookingID string) []Offer {
	a := e.lookupBooking(bookingID)
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Offer, 0, len(a.offers))
	for _, o := range a.offers {
		c := *o
		c.timer = nil
		out = append(out, c)
	}
	return out
}

// Active counts bookings with an offer currently out.
func (e *Engine) Active() int {
	n := 0
	for _, a := range e.snapshot() {
		a.mu.Lock()
		if a.phase == phaseOffering && a.current != nil {
			n++
		}
		a.mu.Unlock()
	}
	return n
}

func (e *Engine) bookingCtx(bookingID string) context.Context {
	return e.logger.WithBookingID(context.Background(), bookingID)
}
