package jwt

import (
	"time"

	"roadside-dispatch/internal/domain/user"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload: subject is the requester or mechanic id.
type Claims struct {
	Role user.Role `json:"role"`
	jwtlib.RegisteredClaims
}

var _ jwtlib.Claims = (*Claims)(nil)

// NewUserClaims constructs claims for a requester, mechanic or admin.
func NewUserClaims(subject string, role user.Role, ttl time.Duration, now time.Time) *Claims {
	now = now.UTC()
	return &Claims{
		Role: role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwtlib.NewNumericDate(now),
		},
	}
}

// Party maps the role onto the booking party it speaks for.
// Admins do not act as a party.
func (c *Claims) Party() (user.Party, error) {
	return user.PartyForRole(c.Role)
}
