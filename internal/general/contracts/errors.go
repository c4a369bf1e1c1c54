package contracts

import "errors"

// Failure classes shared by every real-time component. Component errors wrap
// one of these so transports can pick a reply with errors.Is.
var (
	// ErrStaleReference: the booking, offer or call is already resolved or unknown.
	ErrStaleReference = errors.New("already resolved")
	// ErrIllegalTransition: the event is not valid in the current state.
	ErrIllegalTransition = errors.New("not allowed in current state")
	// ErrRaceLoss: another mechanic accepted first.
	ErrRaceLoss = errors.New("request already taken")
)
