package middleware

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-parkops/internal/metrics"
)

// Metrics counts requests by method, route pattern, and status class. It must
// run inside the chi router so the route pattern has been resolved.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(
			r.Method, route, fmt.Sprintf("%dxx", rw.status/100)).Inc()
	})
}
