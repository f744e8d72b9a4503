package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBucket(t *testing.T, capacity int) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, 1, time.Minute)
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	b := testBucket(t, 2)

	for i := 0; i < 2; i++ {
		allowed, err := b.Allow(ctx, "client-a")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d within capacity", i)
	}

	allowed, err := b.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, allowed, "bucket drained")
}

func TestTokenBucketPerClientIsolation(t *testing.T) {
	ctx := context.Background()
	b := testBucket(t, 1)

	allowed, err := b.Allow(ctx, "client-a")
	require.NoError(t, err)
	require.True(t, allowed)

	// A different client has its own bucket.
	allowed, err = b.Allow(ctx, "client-b")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestUnlimited(t *testing.T) {
	allowed, err := Unlimited{}.Allow(context.Background(), "anyone")
	require.NoError(t, err)
	assert.True(t, allowed)
}
