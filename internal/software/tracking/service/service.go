package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/domain/geo"
	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/contracts"
	"roadside-dispatch/internal/general/logger"
	"roadside-dispatch/internal/general/registry"

	"golang.org/x/time/rate"
)

// Bookings is what the relay needs from the booking manager.
type Bookings interface {
	Get(id string) (booking.Booking, error)
	MechanicLocation(ctx context.Context, id string, at geo.Point) (booking.Booking, bool, error)
}

// Notifier delivers frames to one side of a booking's tracking channel.
type Notifier interface {
	SendToParty(topic registry.Topic, key string, party user.Party, msg any) int
}

// LatestStore keeps one sample per booking and party.
type LatestStore interface {
	Put(ctx context.Context, bookingID string, party user.Party, s geo.Sample) error
	Get(ctx context.Context, bookingID string, party user.Party) (geo.Sample, bool, error)
	Delete(ctx context.Context, bookingID string) error
}

// Config tunes the relay.
type Config struct {
	MinInterval time.Duration // 0 disables throttling
}

// Relay forwards position reports between the two parties of a paired booking.
type Relay struct {
	cfg      Config
	logger   *logger.Logger
	bookings Bookings
	notifier Notifier
	store    LatestStore
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRelay builds a location relay. A nil store keeps the latest samples in
// process memory.
func NewRelay(cfg Config, log *logger.Logger, bookings Bookings, notifier Notifier, store LatestStore) *Relay {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Relay{
		cfg:      cfg,
		logger:   log,
		bookings: bookings,
		notifier: notifier,
		store:    store,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Report handles one position from one party and returns how many of the
// counterpart's bindings received it. Reports outside ACCEPTED, EN_ROUTE and
// ON_SITE, and reports for closed bookings, are dropped without an error.
func (r *Relay) Report(ctx context.Context, bookingID string, from user.Party, at geo.Point) (int, error) {
	if err := at.Validate(); err != nil {
		return 0, err
	}
	if !from.Valid() {
		return 0, user.ErrInvalidParty
	}
	if !r.allow(bookingID, from) {
		return 0, nil
	}

	var (
		b   booking.Booking
		err error
	)
	if from == user.PartyMechanic {
		b, _, err = r.bookings.MechanicLocation(ctx, bookingID, at)
	} else {
		b, err = r.bookings.Get(bookingID)
	}
	if err != nil {
		if errors.Is(err, contracts.ErrStaleReference) {
			r.logger.Debug(ctx, "location_dropped", "report for closed booking", map[string]any{"party": from})
			return 0, nil
		}
		return 0, err
	}
	if !b.Status.Paired() {
		r.logger.Debug(ctx, "location_dropped", "report outside the tracking window", map[string]any{
			"party":  from,
			"status": b.Status,
		})
		return 0, nil
	}

	sample := geo.Sample{Point: at, ReportedAt: r.now().UTC()}
	if err := r.store.Put(ctx, bookingID, from, sample); err != nil {
		r.logger.Error(ctx, "location_store_failed", "latest sample not stored", err, map[string]any{"party": from})
	}
	return r.notifier.SendToParty(registry.TopicTracking, bookingID, from.Other(), update(b, from, sample)), nil
}

// CatchUp sends the counterpart's latest sample to a party that just bound.
func (r *Relay) CatchUp(ctx context.Context, bookingID string, party user.Party) {
	b, err := r.bookings.Get(bookingID)
	if err != nil || !b.Status.Paired() {
		return
	}
	other := party.Other()
	sample, ok, err := r.store.Get(ctx, bookingID, other)
	if err != nil {
		r.logger.Error(ctx, "location_catchup_failed", "latest sample not readable", err, nil)
		return
	}
	if ok {
		r.notifier.SendToParty(registry.TopicTracking, bookingID, party, update(b, other, sample))
	}
}

// Forget drops everything kept for a closed booking. It is registered as a
// booking-closed hook.
func (r *Relay) Forget(ctx context.Context, b booking.Booking) {
	r.mu.Lock()
	delete(r.limiters, limiterKey(b.ID, user.PartyRequester))
	delete(r.limiters, limiterKey(b.ID, user.PartyMechanic))
	r.mu.Unlock()

	if err := r.store.Delete(ctx, b.ID); err != nil {
		r.logger.Error(ctx, "location_forget_failed", "latest samples not removed", err, nil)
	}
}

func (r *Relay) allow(bookingID string, from user.Party) bool {
	if r.cfg.MinInterval <= 0 {
		return true
	}
	key := limiterKey(bookingID, from)
	r.mu.Lock()
	lim, ok := r.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(r.cfg.MinInterval), 1)
		r.limiters[key] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}

func limiterKey(bookingID string, party user.Party) string {
	return bookingID + "/" + party.String()
}

func update(b booking.Booking, sender user.Party, s geo.Sample) contracts.WSLocationUpdate {
	return contracts.WSLocationUpdate{
		Type:       contracts.TypeLocationUpdate,
		BookingID:  b.ID,
		Sender:     sender.String(),
		Latitude:   s.Point.Latitude,
		Longitude:  s.Point.Longitude,
		Status:     b.Status.String(),
		ReportedAt: s.ReportedAt,
	}
}
