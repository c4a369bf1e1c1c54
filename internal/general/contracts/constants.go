package contracts

// Exchanges
const (
	ExchangeBookingTopic = "booking_topic"
)

// Queues
const (
	QueueBookingStatus   = "booking_status"
	QueueBookingCommands = "booking_commands"
)

// Routing patterns
const (
	RouteBookingStatusPrefix  = "booking.status."  // {status}
	RouteBookingCommandPrefix = "booking.command." // {status}
)

// Producer names
const (
	ProducerRealtimeService = "realtime-service"
)
