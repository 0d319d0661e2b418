package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-parkops/internal/ratelimit"
)

func TestFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	l := ratelimit.NewLimiter(rdb, "salt")
	cfg := ratelimit.LimitConfig{Rate: 2, Window: time.Second}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Check(ctx, "rl:test", cfg)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	d, err := l.Check(ctx, "rl:test", cfg)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed {
		t.Error("third request should be blocked")
	}
	if d.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", d.Remaining)
	}

	// Window expiry resets the counter.
	mr.FastForward(2 * time.Second)
	d, err = l.Check(ctx, "rl:test", cfg)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed {
		t.Error("request after window reset should be allowed")
	}
}

func TestRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	l := ratelimit.NewLimiter(rdb, "salt")

	_, err := l.Check(context.Background(), "rl:test", ratelimit.LimitConfig{Rate: 1, Window: time.Second})
	if err != ratelimit.ErrRedisUnavailable {
		t.Errorf("expected ErrRedisUnavailable, got %v", err)
	}
}

func TestHashIPStable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	l := ratelimit.NewLimiter(rdb, "salt")
	if l.HashIP("1.2.3.4") != l.HashIP("1.2.3.4") {
		t.Error("same IP should hash to the same value")
	}
	if l.HashIP("1.2.3.4") == l.HashIP("1.2.3.5") {
		t.Error("different IPs should hash differently")
	}
}
