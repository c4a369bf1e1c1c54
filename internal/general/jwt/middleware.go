package jwt

import (
	"encoding/json"
	"net/http"

	"roadside-dispatch/internal/domain/user"
)

// AuthMiddlewareFunc validates bearer tokens on HTTP routes and injects the claims.
func AuthMiddlewareFunc(mgr *Manager, allowedRoles ...user.Role) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			raw, err := FromAuthorization(r)
			if err != nil {
				authError(w, http.StatusUnauthorized, err)
				return
			}

			_, claims, err := mgr.ParseAndValidate(raw)
			if err != nil {
				authError(w, http.StatusUnauthorized, err)
				return
			}

			if err := RoleAllowed(claims, allowedRoles...); err != nil {
				authError(w, http.StatusForbidden, err)
				return
			}

			next(w, r.WithContext(InjectClaims(r.Context(), claims)))
		}
	}
}

// RequireClaims extracts JWT claims from the request context.
func RequireClaims(r *http.Request) *Claims {
	c, _ := FromContext(r.Context())
	return c
}

func authError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
