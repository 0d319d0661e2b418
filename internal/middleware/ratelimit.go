package middleware

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/technosupport/ts-parkops/internal/ratelimit"
)

type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	config  ratelimit.LimitConfig
}

func NewRateLimitMiddleware(l *ratelimit.Limiter, c ratelimit.LimitConfig) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: l, config: c}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host
}

// Limit throttles per client IP. Redis failures fail open: the ops API keeps
// serving, only without throttling.
func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := fmt.Sprintf("rl:ip:%s", m.limiter.HashIP(clientIP(r)))

		decision, err := m.limiter.Check(r.Context(), key, m.config)
		if err != nil {
			log.Printf("[WARN] [ratelimit] redis error, failing open: %v", err)
			next.ServeHTTP(w, r)
			return
		}

		writeRateLimitHeaders(w, decision)
		if !decision.Allowed {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}
