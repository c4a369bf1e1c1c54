package booking

// Event drives a transition of the booking state machine.
type Event string

const (
	EventMatch         Event = "MATCH"
	EventNoCandidates  Event = "NO_CANDIDATES"
	EventFirstLocation Event = "FIRST_MECHANIC_LOCATION"
	EventArrive        Event = "ARRIVE"
	EventComplete      Event = "COMPLETE"
	EventCancel        Event = "CANCEL"
)

func (event Event) String() string {
	return string(event)
}

// transitions is the complete table; anything missing is illegal.
var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventMatch:        StatusAccepted,
		EventNoCandidates: StatusPending,
		EventCancel:       StatusCancelled,
	},
	StatusAccepted: {
		EventFirstLocation: StatusEnRoute,
		EventArrive:        StatusOnSite,
		EventCancel:        StatusCancelled,
	},
	StatusEnRoute: {
		EventArrive: StatusOnSite,
		EventCancel: StatusCancelled,
	},
	StatusOnSite: {
		EventComplete: StatusCompleted,
	},
}

// Next returns the state reached from status on event.
func Next(status Status, event Event) (Status, bool) {
	next, ok := transitions[status][event]
	return next, ok
}

// EventFor maps a requested target status onto the event that reaches it.
// ACCEPTED has no direct event here because matching goes through dispatch.
func EventFor(target Status) (Event, bool) {
	switch target {
	case StatusOnSite:
		return EventArrive, true
	case StatusCompleted:
		return EventComplete, true
	case StatusCancelled:
		return EventCancel, true
	default:
		return "", false
	}
}
