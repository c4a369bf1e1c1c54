package rabbitmq

import (
	"fmt"

	"roadside-dispatch/internal/general/contracts"

	amqp "github.com/rabbitmq/amqp091-go"
)

type binding struct {
	queue      string
	exchange   string
	routingKey string
}

// bookingBindings routes status events and inbound commands through the
// single booking topic exchange.
var bookingBindings = []binding{
	{contracts.QueueBookingStatus, contracts.ExchangeBookingTopic, contracts.RouteBookingStatusPrefix + "*"},
	{contracts.QueueBookingCommands, contracts.ExchangeBookingTopic, contracts.RouteBookingCommandPrefix + "*"},
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(contracts.ExchangeBookingTopic, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", contracts.ExchangeBookingTopic, err)
	}

	for _, b := range bookingBindings {
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", b.queue, err)
		}
		if err := ch.QueueBind(b.queue, b.routingKey, b.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}
