// Package ratelimit throttles the enqueue API per client with a Redis
// token bucket, shared across API replicas.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces limiter state alongside the queue keys.
const keyPrefix = "pipeline:ratelimit:"

// Limiter admits or rejects one request for a client.
type Limiter interface {
	Allow(ctx context.Context, clientID string) (bool, error)
}

// TokenBucket is a distributed token bucket. Each client gets its own
// bucket of capacity tokens, refilled at refill tokens per second.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64
	ttl      time.Duration
}

// NewTokenBucket builds a bucket limiter. ttl bounds how long an idle
// client's bucket lingers in Redis.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes one token for clientID if available.
func (b *TokenBucket) Allow(ctx context.Context, clientID string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client,
		[]string{keyPrefix + clientID},
		b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit check for %s: %w", clientID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 1 {
		return false, fmt.Errorf("rate limit check for %s: unexpected script reply %v", clientID, res)
	}
	allowed, _ := arr[0].(int64)
	return allowed == 1, nil
}

// Unlimited admits everything; the memory backend runs without Redis.
type Unlimited struct{}

func (Unlimited) Allow(ctx context.Context, clientID string) (bool, error) { return true, nil }

// The script refills lazily from the elapsed wall time, so idle buckets
// cost nothing between requests. Time comes from the caller, not Redis.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
