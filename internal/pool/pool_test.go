package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docforge/internal/faults"
)

func TestRunRespectsConcurrencyBound(t *testing.T) {
	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}

	var inFlight, maxInFlight int64
	results := Run(context.Background(), items, func(ctx context.Context, n int) (int, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			max := atomic.LoadInt64(&maxInFlight)
			if cur <= max || atomic.CompareAndSwapInt64(&maxInFlight, max, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return n * 2, nil
	}, Options{Concurrency: 5})

	require.Len(t, results, 20)
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, i*2, r.Value)
	}
	assert.LessOrEqual(t, atomic.LoadInt64(&maxInFlight), int64(5))
}

func TestRunTimeoutDoesNotAbortSiblings(t *testing.T) {
	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}

	results := Run(context.Background(), items, func(ctx context.Context, n int) (string, error) {
		if n == 7 {
			// Never resolves on its own; the pool must abandon it.
			<-make(chan struct{})
		}
		return "ok", nil
	}, Options{Concurrency: 5, ItemTimeout: 50 * time.Millisecond})

	require.Len(t, results, 20)
	for i, r := range results {
		if i == 7 {
			require.Error(t, r.Err)
			assert.ErrorIs(t, r.Err, faults.ErrTimeout)
			continue
		}
		require.NoError(t, r.Err, "sibling %d should complete", i)
		assert.Equal(t, "ok", r.Value)
	}
}

func TestRunWorkerErrorsPropagateAsIs(t *testing.T) {
	boom := errors.New("boom")
	results := Run(context.Background(), []int{1, 2, 3}, func(ctx context.Context, n int) (int, error) {
		if n == 2 {
			return 0, boom
		}
		return n, nil
	}, Options{Concurrency: 2})

	require.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, boom)
	assert.NotErrorIs(t, results[1].Err, faults.ErrTimeout)
	require.NoError(t, results[2].Err)
}

func TestRunProgressIsMonotonic(t *testing.T) {
	var mu sync.Mutex
	var seen []int

	Run(context.Background(), []int{1, 2, 3, 4, 5}, func(ctx context.Context, n int) (int, error) {
		time.Sleep(time.Duration(n) * time.Millisecond)
		return n, nil
	}, Options{
		Concurrency: 3,
		OnProgress: func(completed, total int) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, completed)
			assert.Equal(t, 5, total)
		},
	})

	require.Len(t, seen, 5)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
	assert.Equal(t, 5, seen[len(seen)-1])
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := Run(ctx, []int{1, 2}, func(ctx context.Context, n int) (int, error) {
		return n, nil
	}, Options{Concurrency: 1, ItemTimeout: time.Second})

	// Items may settle as started-then-cancelled or never-started, but
	// nothing should be reported as a timeout.
	for _, r := range results {
		if r.Err != nil {
			assert.NotErrorIs(t, r.Err, faults.ErrTimeout)
		}
	}
}
