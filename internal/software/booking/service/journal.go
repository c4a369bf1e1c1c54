package service

import (
	"context"
	"errors"
	"time"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/general/contracts"
	"roadside-dispatch/internal/general/logger"
)

var errJournalFull = errors.New("journal queue full")

// SnapshotStore persists the latest state of a booking.
type SnapshotStore interface {
	SaveBooking(ctx context.Context, b booking.Booking) error
}

// StatusPublisher announces a booking's status to other services.
type StatusPublisher interface {
	PublishBookingStatus(ctx context.Context, msg contracts.BookingStatusMessage) error
}

// AsyncJournal writes snapshots on its own goroutine so that booking locks
// never wait on the database or the broker. Snapshots are written in the
// order they were recorded.
type AsyncJournal struct {
	logger *logger.Logger
	store  SnapshotStore
	pub    StatusPublisher
	queue  chan booking.Booking
}

func NewAsyncJournal(log *logger.Logger, store SnapshotStore, pub StatusPublisher, buffer int) *AsyncJournal {
	if buffer <= 0 {
		buffer = 256
	}
	return &AsyncJournal{logger: log, store: store, pub: pub, queue: make(chan booking.Booking, buffer)}
}

// Record enqueues a snapshot; a full queue drops it with an error log.
func (j *AsyncJournal) Record(ctx context.Context, b booking.Booking) {
	select {
	case j.queue <- b:
	default:
		j.logger.Error(ctx, "journal_overflow", "booking snapshot dropped", errJournalFull, map[string]any{
			"booking_id": b.ID,
			"status":     b.Status,
		})
	}
}

// Run drains the queue until ctx is done, then flushes what is left.
func (j *AsyncJournal) Run(ctx context.Context) error {
	for {
		select {
		case b := <-j.queue:
			j.write(ctx, b)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case b := <-j.queue:
					j.write(flushCtx, b)
				default:
					return nil
				}
			}
		}
	}
}

func (j *AsyncJournal) write(ctx context.Context, b booking.Booking) {
	if j.store != nil {
		if err := j.store.SaveBooking(ctx, b); err != nil {
			j.logger.Error(ctx, "booking_persist_failed", "failed to persist booking snapshot", err, map[string]any{
				"booking_id": b.ID,
				"status":     b.Status,
			})
		}
	}
	if j.pub != nil {
		msg := contracts.BookingStatusMessage{
			BookingID:   b.ID,
			Status:      b.Status.String(),
			RequesterID: b.RequesterID,
			MechanicID:  b.MechanicID,
			Fare:        b.Fare,
			Reason:      b.CancelReason,
			Timestamp:   b.UpdatedAt,
			Envelope: contracts.Envelope{
				CorrelationID: b.ID,
				Producer:      contracts.ProducerRealtimeService,
				SentAt:        time.Now().UTC(),
			},
		}
		if err := j.pub.PublishBookingStatus(ctx, msg); err != nil {
			j.logger.Error(ctx, "booking_status_publish_failed", "failed to publish booking status", err, map[string]any{
				"booking_id": b.ID,
				"status":     b.Status,
			})
		}
	}
}
