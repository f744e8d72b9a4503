package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docforge/internal/faults"
)

func ok(v string) Provider[string] {
	return Provider[string]{Name: v, Call: func(ctx context.Context) (string, error) {
		return v, nil
	}}
}

func bad(name string, err error) Provider[string] {
	return Provider[string]{Name: name, Call: func(ctx context.Context) (string, error) {
		return "", err
	}}
}

func TestFirstSuccessShortCircuits(t *testing.T) {
	c := NewChain[string](0, 16)
	calls := 0
	providers := []Provider[string]{
		bad("a", errors.New("a down")),
		ok("b"),
		{Name: "c", Call: func(ctx context.Context) (string, error) {
			calls++
			return "c", nil
		}},
	}

	out, err := c.Do(context.Background(), "search", providers, Options{})
	require.NoError(t, err)
	assert.Equal(t, "b", out.Data)
	assert.Equal(t, 1, out.ProviderIndex)
	assert.False(t, out.FromCache)
	assert.Zero(t, calls, "later providers must not be invoked")
}

func TestAllProvidersExhausted(t *testing.T) {
	c := NewChain[string](0, 16)
	providers := []Provider[string]{
		bad("a", errors.New("a down")),
		bad("b", errors.New("b down")),
	}

	_, err := c.Do(context.Background(), "search", providers, Options{})
	require.Error(t, err)
	ex, isEx := faults.IsExhausted(err)
	require.True(t, isEx)
	require.Len(t, ex.Failures, 2)
	assert.Contains(t, err.Error(), "a down")
	assert.Contains(t, err.Error(), "b down")
}

func TestPerProviderRetryBudget(t *testing.T) {
	c := NewChain[string](0, 16)
	attempts := 0
	providers := []Provider[string]{
		{Name: "flaky", Call: func(ctx context.Context) (string, error) {
			attempts++
			if attempts < 3 {
				return "", errors.New("transient")
			}
			return "recovered", nil
		}},
	}

	out, err := c.Do(context.Background(), "fetch", providers, Options{MaxRetries: 2})
	require.NoError(t, err)
	assert.Equal(t, "recovered", out.Data)
	assert.Equal(t, 3, attempts)
}

func TestCircuitOpenSkipsRetries(t *testing.T) {
	c := NewChain[string](0, 16)
	attempts := 0
	providers := []Provider[string]{
		{Name: "tripped", Call: func(ctx context.Context) (string, error) {
			attempts++
			return "", faults.ErrCircuitOpen
		}},
		ok("backup"),
	}

	out, err := c.Do(context.Background(), "fetch", providers, Options{MaxRetries: 5})
	require.NoError(t, err)
	assert.Equal(t, "backup", out.Data)
	assert.Equal(t, 1, attempts, "an open circuit must not be retried")
}

func TestNonRetryableSkipsRetries(t *testing.T) {
	c := NewChain[string](0, 16)
	attempts := 0
	providers := []Provider[string]{
		{Name: "strict", Call: func(ctx context.Context) (string, error) {
			attempts++
			return "", faults.NonRetryable(errors.New("malformed query"))
		}},
	}

	_, err := c.Do(context.Background(), "fetch", providers, Options{MaxRetries: 5})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestAttemptTimeout(t *testing.T) {
	c := NewChain[string](0, 16)
	providers := []Provider[string]{
		{Name: "slow", Call: func(ctx context.Context) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
				return "too late", nil
			}
		}},
	}

	_, err := c.Do(context.Background(), "fetch", providers, Options{Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	ex, isEx := faults.IsExhausted(err)
	require.True(t, isEx)
	assert.ErrorIs(t, ex.Failures[0].Err, faults.ErrTimeout)
}

func TestCacheShortCircuitsAndExpires(t *testing.T) {
	c := NewChain[string](time.Minute, 16)
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	calls := 0
	providers := []Provider[string]{
		{Name: "live", Call: func(ctx context.Context) (string, error) {
			calls++
			return "fresh", nil
		}},
	}
	opts := Options{CacheKey: "q:golang"}

	out, err := c.Do(context.Background(), "search", providers, opts)
	require.NoError(t, err)
	assert.False(t, out.FromCache)
	require.Equal(t, 1, calls)

	out, err = c.Do(context.Background(), "search", providers, opts)
	require.NoError(t, err)
	assert.True(t, out.FromCache)
	assert.Equal(t, "fresh", out.Data)
	assert.Equal(t, -1, out.ProviderIndex)
	require.Equal(t, 1, calls, "cached result must avoid the provider call")

	now = now.Add(2 * time.Minute)
	out, err = c.Do(context.Background(), "search", providers, opts)
	require.NoError(t, err)
	assert.False(t, out.FromCache)
	assert.Equal(t, 2, calls)
}

func TestCacheStaysBounded(t *testing.T) {
	c := NewChain[int](time.Hour, 4)
	for i := 0; i < 10; i++ {
		c.put(string(rune('a'+i)), i, 0)
	}
	assert.LessOrEqual(t, len(c.cache), 4)
}
