// Package middleware carries the HTTP cross-cutting concerns of the ops API:
// request logging, Prometheus counters, service-token auth, and rate limiting.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/technosupport/ts-parkops/internal/tokens"
)

type TokenValidator interface {
	Validate(tokenString string) (*tokens.Claims, error)
}

type ctxKey int

const serviceKey ctxKey = iota

// ServiceFrom returns the authenticated service name, if any.
func ServiceFrom(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(serviceKey).(string)
	return s, ok
}

// WithService injects a service name; tests use this to fake auth.
func WithService(ctx context.Context, service string) context.Context {
	return context.WithValue(ctx, serviceKey, service)
}

type ServiceAuth struct {
	tokens    TokenValidator
	blacklist tokens.Blacklist
}

// NewServiceAuth builds the bearer-token gate. blacklist may be nil when no
// Redis is configured; revocation checks are then skipped.
func NewServiceAuth(t TokenValidator, b tokens.Blacklist) *ServiceAuth {
	return &ServiceAuth{tokens: t, blacklist: b}
}

func (m *ServiceAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := m.tokens.Validate(parts[1])
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if m.blacklist != nil {
			revoked, err := m.blacklist.IsRevoked(r.Context(), claims.ID)
			if err != nil {
				// Fail closed on blacklist errors.
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if revoked {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(WithService(r.Context(), claims.Service)))
	})
}
