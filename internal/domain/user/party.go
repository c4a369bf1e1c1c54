package user

import (
	"errors"
	"strings"
)

// Party is one of the two sides of a booking as seen on the real-time channels.
type Party string

const (
	PartyRequester Party = "user"
	PartyMechanic  Party = "mechanic"
)

var ErrInvalidParty = errors.New("invalid party")

// ParseParty accepts the wire names ("user", "mechanic") and "requester".
func ParseParty(s string) (Party, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "requester":
		return PartyRequester, nil
	case "mechanic":
		return PartyMechanic, nil
	default:
		return "", ErrInvalidParty
	}
}

func (p Party) Valid() bool { return p == PartyRequester || p == PartyMechanic }

func (p Party) String() string { return string(p) }

// Other returns the counterpart on the same booking.
func (p Party) Other() Party {
	if p == PartyMechanic {
		return PartyRequester
	}
	return PartyMechanic
}

// PartyForRole maps an authenticated role onto a booking party.
func PartyForRole(role Role) (Party, error) {
	switch role {
	case RoleUser:
		return PartyRequester, nil
	case RoleMechanic:
		return PartyMechanic, nil
	default:
		return "", ErrInvalidParty
	}
}
