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

// ErrPoison marks a delivery that can never be handled; it is dropped
// instead of requeued.
var ErrPoison = errors.New("rabbitmq: undecodable message")

// newConsumerChannel opens a consumer channel with its own prefetch.
func (client *Client) newConsumerChannel(prefetch int) (*amqp.Channel, error) {
	// snapshot the current connection
	client.mu.RLock()
	conn := client.conn
	client.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, errors.New("rabbitmq: connection is not ready")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}

	// bound unacked deliveries per consumer
	if prefetch < 0 {
		prefetch = 1
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("rabbitmq: set QoS (prefetch=%d): %w", prefetch, err)
		}
	}

	return ch, nil
}

// Consume starts consuming messages from a queue with manual acks. A handler
// error nacks without requeue.
func (client *Client) Consume(
	ctx context.Context,
	queue string,
	consumerTag string,
	prefetch int,
	handler func(context.Context, amqp.Delivery) error,
) error {
	ch, err := client.newConsumerChannel(prefetch)
	if err != nil {
		return err
	}
	defer ch.Close()

	// manual acks
	deliveries, err := ch.Consume(
		queue,
		consumerTag,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("rabbitmq: consume(%s): %w", queue, err)
	}

	// a closed channel ends this consumer; the caller reopens it
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			if consumerTag != "" {
				_ = ch.Cancel(consumerTag, false)
			}
			return nil

		case cerr := <-chClosed:
			if cerr != nil {
				return fmt.Errorf("rabbitmq: channel closed while consuming %s: %w", queue, cerr)
			}
			return nil

		case d, ok := <-deliveries:
			if !ok {
				return nil
			}

			// every delivery gets its own deadline
			hCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := handler(hCtx, d)
			cancel()

			if err != nil {
				_ = d.Nack(false, false) // dropped, not requeued
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// ConsumeBookingCommands decodes booking.command.* messages and hands them to handle.
// It returns when ctx is done or the channel dies; callers loop to survive reconnects.
func (client *Client) ConsumeBookingCommands(ctx context.Context, prefetch int, handle func(context.Context, contracts.BookingCommand) error) error {
	return client.Consume(ctx, contracts.QueueBookingCommands, "realtime-booking-commands", prefetch,
		func(ctx context.Context, d amqp.Delivery) error {
			cmd, err := DecodeBookingCommand(d.Body, d.RoutingKey)
			if err != nil {
				return err
			}
			return handle(ctx, cmd)
		})
}

// DecodeBookingCommand parses a command body. When the body carries no status
// the routing key suffix is used.
func DecodeBookingCommand(body []byte, routingKey string) (contracts.BookingCommand, error) {
	var cmd contracts.BookingCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: %v", ErrPoison, err)
	}
	if cmd.Status == "" && len(routingKey) > len(contracts.RouteBookingCommandPrefix) {
		cmd.Status = routingKey[len(contracts.RouteBookingCommandPrefix):]
	}
	if cmd.BookingID == "" || cmd.Status == "" {
		return cmd, fmt.Errorf("%w: booking_id and status are required", ErrPoison)
	}
	return cmd, nil
}
