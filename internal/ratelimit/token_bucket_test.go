package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiterCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewLimiter(client, 2, 1, time.Minute)

	allowed, _, err := limiter.AllowUser(ctx, "alice")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = limiter.AllowUser(ctx, "alice")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, remaining, _ := limiter.AllowUser(ctx, "alice")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if remaining >= 1 {
		t.Fatalf("remaining = %f, want bucket drained", remaining)
	}

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
}

func TestLimiterIsolatesUsers(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewLimiter(client, 1, 1, time.Minute)

	if allowed, _, _ := limiter.AllowUser(ctx, "alice"); !allowed {
		t.Fatalf("alice's first request should pass")
	}
	if allowed, _, _ := limiter.AllowUser(ctx, "alice"); allowed {
		t.Fatalf("alice's bucket should be empty")
	}
	if allowed, _, _ := limiter.AllowUser(ctx, "bob"); !allowed {
		t.Fatalf("bob must not be affected by alice's bucket")
	}
}
