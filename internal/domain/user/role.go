package user

import (
	"errors"
	"strings"
)

// Role is the role carried in an access token.
type Role string

const (
	RoleUser     Role = "USER"
	RoleMechanic Role = "MECHANIC"
	RoleAdmin    Role = "ADMIN"
)

var ErrInvalidRole = errors.New("invalid role")

// ParseRole normalizes (uppercases+trims) and validates a role string.
func ParseRole(s string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(s)))
	if role.Valid() {
		return role, nil
	}
	return "", ErrInvalidRole
}

// Valid reports whether role is one of the allowed role constants.
func (role Role) Valid() bool {
	switch role {
	case RoleUser, RoleMechanic, RoleAdmin:
		return true
	default:
		return false
	}
}

// String returns the string representation of the Role.
func (role Role) String() string {
	return string(role)
}

// Convenience helpers.
func (role Role) IsUser() bool     { return role == RoleUser }
func (role Role) IsMechanic() bool { return role == RoleMechanic }
func (role Role) IsAdmin() bool    { return role == RoleAdmin }
