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
)

var (
	ErrNotFound       = fmt.Errorf("booking not found: %w", contracts.ErrStaleReference)
	ErrNotParticipant = errors.New("not a participant of this booking")
)

// Notifier is the slice of the channel registry the manager talks to.
type Notifier interface {
	SendToParty(topic registry.Topic, key string, party user.Party, msg any) int
	CloseKey(topic registry.Topic, key string) int
}

// Journal receives every committed snapshot. Record must not block.
type Journal interface {
	Record(ctx context.Context, b booking.Booking)
}

// FareFunc prices a booking at completion.
type FareFunc func(b booking.Booking) float64

// ClosedFunc runs once a booking reaches COMPLETED or CANCELLED, after the
// booking lock is released and before its channels are closed.
type ClosedFunc func(ctx context.Context, b booking.Booking)

// Manager owns every booking's state and is the only writer of it.
// Transitions for one booking are serialized; different bookings never wait
// on each other.
type Manager struct {
	logger    *logger.Logger
	notifier  Notifier
	journal   Journal
	fare      FareFunc
	now       func() time.Time
	newID     func() string
	retention time.Duration

	locks *keyed.Mutex

	mu       sync.RWMutex
	bookings map[string]*booking.Booking
	onClosed []ClosedFunc
}

type Option func(*Manager)

func WithJournal(j Journal) Option          { return func(m *Manager) { m.journal = j } }
func WithFare(f FareFunc) Option            { return func(m *Manager) { m.fare = f } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }
func WithIDs(next func() string) Option     { return func(m *Manager) { m.newID = next } }

// WithRetention sets how long archived bookings stay readable.
func WithRetention(d time.Duration) Option { return func(m *Manager) { m.retention = d } }

func NewManager(log *logger.Logger, notifier Notifier, opts ...Option) *Manager {
	m := &Manager{
		logger:    log,
		notifier:  notifier,
		journal:   nopJournal{},
		fare:      booking.StandardFare,
		now:       time.Now,
		newID:     uuid.NewString,
		retention: 30 * time.Minute,
		locks:     keyed.New(),
		bookings:  make(map[string]*booking.Booking),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnClosed registers fn for terminal transitions.
func (m *Manager) OnClosed(fn ClosedFunc) {
	m.mu.Lock()
	m.onClosed = append(m.onClosed, fn)
	m.mu.Unlock()
}

// Get returns a copy of the booking.
func (m *Manager) Get(id string) (booking.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return booking.Booking{}, ErrNotFound
	}
	return *b, nil
}

// Counts reports bookings held in memory per status.
func (m *Manager) Counts() map[booking.Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[booking.Status]int)
	for _, b := range m.bookings {
		out[b.Status]++
	}
	return out
}

// Participant checks that subject may bind to the booking's channels as party.
// The mechanic side only exists once the booking is matched.
func (m *Manager) Participant(id string, party user.Party, subject string) (booking.Booking, error) {
	b, err := m.Get(id)
	if err != nil {
		return booking.Booking{}, err
	}
	if b.Status.Terminal() {
		return booking.Booking{}, fmt.Errorf("booking %s is %s: %w", id, b.Status, contracts.ErrStaleReference)
	}
	switch party {
	case user.PartyRequester:
		if subject != b.RequesterID {
			return booking.Booking{}, ErrNotParticipant
		}
	case user.PartyMechanic:
		if !b.Status.HasMechanic() || subject != b.MechanicID {
			return booking.Booking{}, ErrNotParticipant
		}
	default:
		return booking.Booking{}, ErrNotParticipant
	}
	return b, nil
}

// Run prunes archived bookings past retention until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.prune(); n > 0 {
				m.logger.Debug(ctx, "bookings_pruned", "archived bookings dropped from memory", map[string]any{"count": n})
			}
		}
	}
}

func (m *Manager) prune() int {
	cutoff := m.now().Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, b := range m.bookings {
		if b.Status.Terminal() && b.UpdatedAt.Before(cutoff) {
			delete(m.bookings, id)
			n++
		}
	}
	return n
}

// errUnchanged lets fn leave the booking as it was without committing or journaling.
var errUnchanged = errors.New("booking unchanged")

// mutate runs fn on a copy of the booking under its lock and commits it on success.
// send runs under the same lock with the committed snapshot.
func (m *Manager) mutate(ctx context.Context, id string, fn func(b *booking.Booking, now time.Time) error, send func(b booking.Booking)) (booking.Booking, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	current, err := m.Get(id)
	if err != nil {
		return booking.Booking{}, err
	}
	work := current
	if err := fn(&work, m.now()); err != nil {
		if errors.Is(err, errUnchanged) {
			return current, nil
		}
		return current, classify(id, err)
	}

	m.mu.Lock()
	m.bookings[id] = &work
	m.mu.Unlock()

	m.journal.Record(ctx, work)
	if send != nil {
		send(work)
	}
	return work, nil
}

// closeChannels runs the closed hooks then drops every booking-scoped binding.
// Callers must not hold the booking lock.
func (m *Manager) closeChannels(ctx context.Context, b booking.Booking) {
	m.mu.RLock()
	hooks := append([]ClosedFunc(nil), m.onClosed...)
	m.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, b)
	}
	m.notifier.CloseKey(registry.TopicTracking, b.ID)
	m.notifier.CloseKey(registry.TopicCall, b.ID)
}

func (m *Manager) sendBoth(bookingID string, msg any) {
	m.notifier.SendToParty(registry.TopicTracking, bookingID, user.PartyRequester, msg)
	m.notifier.SendToParty(registry.TopicTracking, bookingID, user.PartyMechanic, msg)
}

func classify(id string, err error) error {
	switch {
	case errors.Is(err, booking.ErrClosed):
		return fmt.Errorf("booking %s: %w", id, contracts.ErrStaleReference)
	case errors.Is(err, booking.ErrInvalidStatusTransition),
		errors.Is(err, booking.ErrNotAssignedMechanic),
		errors.Is(err, booking.ErrMechanicRequired):
		return fmt.Errorf("%w: %w", contracts.ErrIllegalTransition, err)
	default:
		return err
	}
}

type nopJournal struct{}

func (nopJournal) Record(context.Context, booking.Booking) {}
