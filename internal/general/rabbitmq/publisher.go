package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"roadside-dispatch/internal/general/contracts"

	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// BookingPublisher announces booking transitions on the booking topic exchange.
type BookingPublisher struct {
	client *Client
	now    func() time.Time
}

// NewBookingPublisher publishes through client's confirming channel.
func NewBookingPublisher(client *Client) *BookingPublisher {
	return &BookingPublisher{client: client, now: time.Now}
}

// PublishBookingStatus sends msg with routing key booking.status.{STATUS}.
func (p *BookingPublisher) PublishBookingStatus(ctx context.Context, msg contracts.BookingStatusMessage) error {
	// fill envelope defaults
	if msg.Producer == "" {
		msg.Producer = contracts.ProducerRealtimeService
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = p.now().UTC()
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = msg.BookingID
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal booking status: %w", err)
	}
	return p.client.PublishMessage(ctx, contracts.ExchangeBookingTopic, StatusRoutingKey(msg.Status), body)
}

// StatusRoutingKey is the routing key for a booking status event.
func StatusRoutingKey(status string) string {
	return contracts.RouteBookingStatusPrefix + status
}

// PublishMessage publishes a persistent JSON message and waits for the broker confirm.
func (client *Client) PublishMessage(ctx context.Context, exchange, routingKey string, body []byte) error {
	// snapshot the publish channel under the read lock
	client.mu.RLock()
	ch := client.pubChan
	conn := client.conn
	client.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return errors.New("rabbitmq: connection is not open")
	}
	if ch == nil || ch.IsClosed() {
		return errors.New("rabbitmq: publish channel is not open")
	}

	// one publish in flight at a time so confirms line up with publishes
	client.pubMu.Lock()
	defer client.pubMu.Unlock()
	confirms := client.pubConfirms

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := ch.PublishWithContext(ctx, exchange, routingKey, true /* mandatory */, false, /* immediate */
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	); err != nil {
		return err
	}

	// wait for the broker ack
	select {
	case c, ok := <-confirms:
		if !ok {
			return errors.New("rabbitmq: confirm stream closed")
		}
		if !c.Ack {
			return fmt.Errorf("rabbitmq: publish not acknowledged")
		}
	case <-ctx.Done():
		// consume the late confirm so the next publish reads its own
		select {
		case c, ok := <-confirms:
			if ok && !c.Ack {
				return fmt.Errorf("rabbitmq: publish not acknowledged after timeout")
			}
		case <-time.After(2 * time.Second):
		}
		return ctx.Err()
	}

	return nil
}
