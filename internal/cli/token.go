package cli

import (
	"fmt"
	"time"

	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/jwt"
)

// GenerateUserToken mints a JWT for a requester, mechanic or admin.
//
// Typical use (dev-only):
//
//	token, _, err := cli.GenerateUserToken(secret, "m-42", "MECHANIC", 2*time.Hour)
//
// Keep this package dev/internal only. Do not call it from production code paths.
func GenerateUserToken(secret, userID, roleStr string, ttl time.Duration) (string, jwt.Claims, error) {
	role, err := user.ParseRole(roleStr)
	if err != nil {
		return "", jwt.Claims{}, fmt.Errorf("invalid role %q: %w", roleStr, err)
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}

	mgr := jwt.NewManager(secret, ttl)

	token, claims, err := mgr.IssueUserToken(userID, role)
	if err != nil {
		return "", jwt.Claims{}, fmt.Errorf("issue token: %w", err)
	}

	return token, *claims, nil
}
