// Package ratelimit paces calls toward external dependencies. The bucket
// lives in Redis keyed by dependency name, so the courtesy limit holds even
// if more than one worker process is ever deployed.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dependency names an external service whose courtesy limit the bucket
// enforces.
type Dependency string

// Catalog is the external music catalog service, limited to one request per
// second.
const Catalog Dependency = "catalog"

func bucketKey(dep Dependency) string {
	return "enrich:limiter:" + string(dep)
}

// TokenBucket is a distributed token bucket.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket. For the catalog service the deployment
// uses capacity 1, refill 1/s: one request per second, no bursts.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes a single token for the dependency if one is available,
// returning the tokens left afterwards.
func (b *TokenBucket) Allow(ctx context.Context, dep Dependency) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{bucketKey(dep)}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", dep, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return false, 0, fmt.Errorf("token bucket %s: unexpected reply %v", dep, res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed == 1, tokens, nil
}

// Wait blocks until a token is available for the dependency or the context
// ends.
func (b *TokenBucket) Wait(ctx context.Context, dep Dependency) error {
	for {
		allowed, _, err := b.Allow(ctx, dep)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.pollDelay()):
		}
	}
}

func (b *TokenBucket) pollDelay() time.Duration {
	if b.refill <= 0 {
		return 100 * time.Millisecond
	}
	d := time.Duration(float64(time.Second) / b.refill / 4)
	if d < 10*time.Millisecond {
		return 10 * time.Millisecond
	}
	if d > time.Second {
		return time.Second
	}
	return d
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
