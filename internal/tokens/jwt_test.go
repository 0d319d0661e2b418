package tokens_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-parkops/internal/tokens"
)

func TestTokenGeneration(t *testing.T) {
	mgr := tokens.NewManager("test-secret-key")

	token, err := mgr.Generate("capture-agent", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	claims, err := mgr.Validate(token)
	if err != nil {
		t.Fatalf("Failed to validate token: %v", err)
	}

	if claims.Service != "capture-agent" {
		t.Errorf("Expected service capture-agent, got %s", claims.Service)
	}
	if claims.ID == "" {
		t.Error("Expected a jti to be set")
	}
}

func TestInvalidSignature(t *testing.T) {
	mgr1 := tokens.NewManager("secret-1")
	mgr2 := tokens.NewManager("secret-2")

	token, _ := mgr1.Generate("svc", time.Hour)
	_, err := mgr2.Validate(token)
	if err == nil {
		t.Error("Expected validation error for wrong signature")
	}
}

func TestExpiredToken(t *testing.T) {
	mgr := tokens.NewManager("test-secret-key")

	token, err := mgr.Generate("svc", time.Nanosecond)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := mgr.Validate(token); err == nil {
		t.Error("Expected validation error for expired token")
	}
}

func TestBlacklistRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bl := tokens.NewRedisBlacklist(client)
	ctx := context.Background()

	revoked, err := bl.IsRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if revoked {
		t.Error("jti should not be revoked yet")
	}

	if err := bl.Revoke(ctx, "jti-1", time.Minute); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	revoked, err = bl.IsRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if !revoked {
		t.Error("jti should be revoked")
	}
}
