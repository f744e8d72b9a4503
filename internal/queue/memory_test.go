package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docforge/internal/models"
)

func TestMemoryIdempotentEnqueue(t *testing.T) {
	release := make(chan struct{})
	registry := Registry{
		"generate_docs": func(ctx context.Context, job models.Job, report func(int)) (map[string]any, error) {
			<-release
			return map[string]any{"ok": true}, nil
		},
	}
	m := NewMemory(registry, 1)
	m.Start(context.Background())
	defer m.Stop()
	defer close(release)

	first, reused, err := m.Enqueue(context.Background(), EnqueueParams{
		Type:           "generate_docs",
		Payload:        map[string]any{"repo": "octocat/hello"},
		IdempotencyKey: "octocat/hello",
	})
	require.NoError(t, err)
	assert.False(t, reused)

	// Same natural key while the first job is queued/running returns the
	// same record instead of a duplicate.
	second, reused, err := m.Enqueue(context.Background(), EnqueueParams{
		Type:           "generate_docs",
		IdempotencyKey: "octocat/hello",
	})
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first.ID, second.ID)

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Waiting+stats.Active)
}

func TestMemoryCompletesJob(t *testing.T) {
	registry := Registry{
		"generate_docs": func(ctx context.Context, job models.Job, report func(int)) (map[string]any, error) {
			report(50)
			return map[string]any{"pages": 3}, nil
		},
	}
	m := NewMemory(registry, 2)
	m.Start(context.Background())
	defer m.Stop()

	job, _, err := m.Enqueue(context.Background(), EnqueueParams{Type: "generate_docs"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.Job(context.Background(), job.ID)
		return err == nil && got.Status == models.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, err := m.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, map[string]any{"pages": 3}, got.Result)
}

func TestMemoryRetriesThenFails(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	registry := Registry{
		"generate_docs": func(ctx context.Context, job models.Job, report func(int)) (map[string]any, error) {
			mu.Lock()
			attempts++
			mu.Unlock()
			return nil, errors.New("provider down")
		},
	}
	m := NewMemory(registry, 1)
	m.Start(context.Background())
	defer m.Stop()

	job, _, err := m.Enqueue(context.Background(), EnqueueParams{Type: "generate_docs", MaxAttempts: 3})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.Job(context.Background(), job.ID)
		return err == nil && got.Status == models.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)

	got, err := m.Job(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "provider down")
}

func TestMemoryUnknownTypeFails(t *testing.T) {
	m := NewMemory(Registry{}, 1)
	m.Start(context.Background())
	defer m.Stop()

	job, _, err := m.Enqueue(context.Background(), EnqueueParams{Type: "mystery"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.Job(context.Background(), job.ID)
		return err == nil && got.Status == models.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryRetention(t *testing.T) {
	registry := Registry{
		"generate_docs": func(ctx context.Context, job models.Job, report func(int)) (map[string]any, error) {
			return nil, nil
		},
	}
	m := NewMemory(registry, 1)
	m.Start(context.Background())
	defer m.Stop()

	job, _, err := m.Enqueue(context.Background(), EnqueueParams{Type: "generate_docs", IdempotencyKey: "k1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := m.Job(context.Background(), job.ID)
		return err == nil && got.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	n := m.EvictTerminalBefore(time.Now().Add(time.Minute))
	assert.Equal(t, 1, n)
	_, err = m.Job(context.Background(), job.ID)
	assert.Error(t, err)

	// The natural key is free again after eviction.
	_, reused, err := m.Enqueue(context.Background(), EnqueueParams{Type: "generate_docs", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.False(t, reused)
}
