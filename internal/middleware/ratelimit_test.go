package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-parkops/internal/middleware"
	"github.com/technosupport/ts-parkops/internal/ratelimit"
)

func TestRateLimit_PerIP(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	limiter := ratelimit.NewLimiter(rdb, "salt")
	mw := middleware.NewRateLimitMiddleware(limiter, ratelimit.LimitConfig{Rate: 2, Window: time.Second})

	handler := mw.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "1.2.3.4:1234"

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != 200 {
			t.Errorf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 429 {
		t.Errorf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Error("expected remaining 0")
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// A different IP has its own window.
	other := httptest.NewRequest("GET", "/", nil)
	other.RemoteAddr = "5.6.7.8:1234"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, other)
	if w.Code != 200 {
		t.Errorf("expected 200 for fresh IP, got %d", w.Code)
	}
}

func TestRateLimit_RedisDown_FailOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	limiter := ratelimit.NewLimiter(rdb, "salt")
	mw := middleware.NewRateLimitMiddleware(limiter, ratelimit.LimitConfig{Rate: 1, Window: time.Second})

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()

	mw.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	})).ServeHTTP(w, req)

	if w.Code != 200 {
		t.Errorf("expected 200 when redis is down, got %d", w.Code)
	}
}
