package ratelimit

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestSubmissionLimiter(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewSubmissionLimiter(client, 2, 1)

	allowed, _, err := limiter.AllowClient(ctx, "10.0.0.1")
	if err != nil || !allowed {
		t.Fatalf("expected first submission allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = limiter.AllowClient(ctx, "10.0.0.1")
	if !allowed {
		t.Fatalf("expected second submission allowed")
	}
	allowed, _, _ = limiter.AllowClient(ctx, "10.0.0.1")
	if allowed {
		t.Fatalf("expected third submission rejected")
	}

	// Another client has its own bucket.
	allowed, _, _ = limiter.AllowClient(ctx, "10.0.0.2")
	if !allowed {
		t.Fatalf("expected distinct client to be allowed")
	}

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
}
