package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T, capacity int, refillPerSecond float64) *TokenBucket {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refillPerSecond, time.Minute)
}

func TestAllowDrainsCapacity(t *testing.T) {
	ctx := context.Background()
	b := newTestBucket(t, 3, 0.001)

	for i := 0; i < 3; i++ {
		allowed, _, err := b.Allow(ctx, Catalog)
		if err != nil {
			t.Fatal(err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed within capacity", i+1)
		}
	}

	allowed, _, err := b.Allow(ctx, Catalog)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("request beyond capacity should be denied")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	b := newTestBucket(t, 1, 0.001)

	if allowed, _, _ := b.Allow(ctx, Catalog); !allowed {
		t.Fatal("first catalog token should be available")
	}
	if allowed, _, _ := b.Allow(ctx, Catalog); allowed {
		t.Fatal("catalog bucket should be empty")
	}
	if allowed, _, _ := b.Allow(ctx, Dependency("images")); !allowed {
		t.Fatal("draining catalog must not touch the images bucket")
	}
}

func TestTokensRefillOverTime(t *testing.T) {
	ctx := context.Background()
	b := newTestBucket(t, 1, 50) // 50 tokens/s so the test stays fast

	if allowed, _, _ := b.Allow(ctx, Catalog); !allowed {
		t.Fatal("first token should be available")
	}
	if allowed, _, _ := b.Allow(ctx, Catalog); allowed {
		t.Fatal("bucket should be empty immediately after draining")
	}

	time.Sleep(50 * time.Millisecond)
	allowed, _, err := b.Allow(ctx, Catalog)
	if err != nil {
		t.Fatal(err)
	}
	if !allowed {
		t.Fatal("token should have refilled")
	}
}

func TestWaitBlocksUntilToken(t *testing.T) {
	ctx := context.Background()
	b := newTestBucket(t, 1, 20)

	if err := b.Wait(ctx, Catalog); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := b.Wait(ctx, Catalog); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("second Wait returned after %v, expected it to block for a refill", elapsed)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	b := newTestBucket(t, 1, 0.001)
	ctx := context.Background()

	if err := b.Wait(ctx, Catalog); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := b.Wait(ctx, Catalog); err == nil {
		t.Fatal("Wait should fail when the context ends before a token appears")
	}
}
