package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roadside-dispatch/internal/general/config"
	"roadside-dispatch/internal/general/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const CallLogsCollection = "call_logs"

var errQueueFull = errors.New("call log queue full")

// Connect opens a client and pings the primary.
func Connect(ctx context.Context, cfg *config.Config, log *logger.Logger) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(cfg.Mongo.URI).SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	log.Info(ctx, "mongo_connected", "Connected to MongoDB", map[string]any{"database": cfg.Mongo.Database})
	return client, nil
}

// CallLog is one finished call as stored in call_logs.
type CallLog struct {
	BookingID  string     `bson:"booking_id"`
	CallID     string     `bson:"call_id"`
	Caller     string     `bson:"caller"`
	Callee     string     `bson:"callee"`
	StartedAt  time.Time  `bson:"started_at"`
	AnsweredAt *time.Time `bson:"answered_at,omitempty"`
	EndedAt    time.Time  `bson:"ended_at"`
	EndedBy    string     `bson:"ended_by,omitempty"`
	Outcome    string     `bson:"outcome"`
}

type inserter interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// CallLogWriter inserts call logs from a single goroutine so the call relay
// never waits on Mongo.
type CallLogWriter struct {
	logger *logger.Logger
	coll   inserter
	queue  chan CallLog
}

func NewCallLogWriter(log *logger.Logger, db *mongo.Database, buffer int) *CallLogWriter {
	return newCallLogWriter(log, db.Collection(CallLogsCollection), buffer)
}

func newCallLogWriter(log *logger.Logger, coll inserter, buffer int) *CallLogWriter {
	if buffer <= 0 {
		buffer = 128
	}
	return &CallLogWriter{logger: log, coll: coll, queue: make(chan CallLog, buffer)}
}

// EnsureIndexes adds the booking lookup index.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(CallLogsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "booking_id", Value: 1}, {Key: "ended_at", Value: -1}},
	})
	return err
}

// Enqueue never blocks; when the queue is full the log is dropped.
func (w *CallLogWriter) Enqueue(ctx context.Context, l CallLog) {
	select {
	case w.queue <- l:
	default:
		w.logger.Error(ctx, "call_log_overflow", "call log dropped", errQueueFull, map[string]any{
			"booking_id": l.BookingID,
			"call_id":    l.CallID,
		})
	}
}

// Run inserts queued logs until ctx is done, then flushes the rest.
func (w *CallLogWriter) Run(ctx context.Context) error {
	for {
		select {
		case l := <-w.queue:
			w.insert(ctx, l)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case l := <-w.queue:
					w.insert(flushCtx, l)
				default:
					return nil
				}
			}
		}
	}
}

func (w *CallLogWriter) insert(ctx context.Context, l CallLog) {
	if _, err := w.coll.InsertOne(ctx, l); err != nil {
		w.logger.Error(ctx, "call_log_insert_failed", "failed to store call log", err, map[string]any{
			"booking_id": l.BookingID,
			"call_id":    l.CallID,
			"outcome":    l.Outcome,
		})
	}
}
