// Package fallback tries an ordered list of interchangeable providers for
// one logical operation, with per-attempt timeout, retry, and result
// caching.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"

	"docforge/internal/faults"
	"docforge/internal/telemetry"
)

// Provider is one interchangeable way to satisfy the operation.
type Provider[T any] struct {
	Name string
	Call func(ctx context.Context) (T, error)
}

// Options controls one chain execution.
type Options struct {
	// MaxRetries is the extra attempts per provider after the first.
	MaxRetries int
	// Timeout bounds each individual attempt.
	Timeout time.Duration
	// CacheKey enables result caching when non-empty: a fresh cached value
	// short-circuits the chain, and a success populates the cache.
	CacheKey string
	// CacheTTL overrides the chain's default TTL for this key.
	CacheTTL time.Duration
	// RetryDelay spaces attempts against the same provider.
	RetryDelay time.Duration
}

// Outcome is the chain-level result: the payload, which provider satisfied
// the request, and whether it was served from cache.
type Outcome[T any] struct {
	Data          T
	Provider      string
	ProviderIndex int
	FromCache     bool
}

type cacheEntry struct {
	value   any
	expires time.Time
}

// Chain executes provider lists for a payload type. One chain owns one
// bounded result cache; construct it once and share it across calls.
type Chain[T any] struct {
	defaultTTL time.Duration
	maxEntries int

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewChain builds a chain whose cache holds at most maxEntries results for
// defaultTTL each.
func NewChain[T any](defaultTTL time.Duration, maxEntries int) *Chain[T] {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &Chain[T]{
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		cache:      make(map[string]cacheEntry),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Do tries providers strictly in declared order until one succeeds. Each
// provider gets its own timeout and retry budget before the chain advances.
// If every provider exhausts its attempts the chain fails with a
// faults.ExhaustedError listing each provider's last failure.
func (c *Chain[T]) Do(ctx context.Context, operation string, providers []Provider[T], opts Options) (Outcome[T], error) {
	var zero Outcome[T]
	if len(providers) == 0 {
		return zero, fmt.Errorf("no providers for %s", operation)
	}

	if opts.CacheKey != "" {
		if v, ok := c.lookup(opts.CacheKey); ok {
			telemetry.CacheHits.Inc()
			return Outcome[T]{Data: v, Provider: "cache", ProviderIndex: -1, FromCache: true}, nil
		}
	}

	failures := make([]faults.ProviderFailure, 0, len(providers))
	for i, p := range providers {
		data, err := c.attempt(ctx, p, opts)
		if err == nil {
			if opts.CacheKey != "" {
				c.put(opts.CacheKey, data, opts.CacheTTL)
			}
			return Outcome[T]{Data: data, Provider: p.Name, ProviderIndex: i}, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		failures = append(failures, faults.ProviderFailure{Provider: p.Name, Err: err})
		log.Debug().
			Str("operation", operation).
			Str("provider", p.Name).
			Int("index", i).
			Err(err).
			Msg("provider exhausted, advancing chain")
	}

	return zero, &faults.ExhaustedError{Operation: operation, Failures: failures}
}

// attempt runs one provider with its timeout and retry budget. Circuit-open
// and non-retryable failures stop retrying immediately: an open circuit
// will not close between back-to-back attempts, and malformed input never
// will.
func (c *Chain[T]) attempt(ctx context.Context, p Provider[T], opts Options) (T, error) {
	var zero T
	var lastErr error

	for try := 0; try <= opts.MaxRetries; try++ {
		if try > 0 && opts.RetryDelay > 0 {
			if err := c.sleep(ctx, opts.RetryDelay); err != nil {
				return zero, err
			}
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if opts.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}
		start := c.now()
		data, err := p.Call(attemptCtx)
		cancel()
		if err == nil {
			return data, nil
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%s after %s: %w", p.Name, c.now().Sub(start), faults.ErrTimeout)
		}
		lastErr = err

		if ctx.Err() != nil || errors.Is(err, faults.ErrCircuitOpen) || faults.IsNonRetryable(err) {
			break
		}
	}
	return zero, lastErr
}

func (c *Chain[T]) lookup(key string) (T, bool) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache[key]
	if !ok {
		return zero, false
	}
	if c.now().After(entry.expires) {
		delete(c.cache, key)
		return zero, false
	}
	v, ok := entry.value.(T)
	return v, ok
}

func (c *Chain[T]) put(key string, value T, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// Evict expired entries first, then oldest-expiring, to stay bounded.
	if len(c.cache) >= c.maxEntries {
		now := c.now()
		for k, e := range c.cache {
			if now.After(e.expires) {
				delete(c.cache, k)
			}
		}
	}
	if len(c.cache) >= c.maxEntries {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.cache {
			if oldestKey == "" || e.expires.Before(oldest) {
				oldestKey, oldest = k, e.expires
			}
		}
		delete(c.cache, oldestKey)
	}
	c.cache[key] = cacheEntry{value: value, expires: c.now().Add(ttl)}
}

// Invalidate drops a cached result, forcing the next call to hit providers.
func (c *Chain[T]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, key)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
