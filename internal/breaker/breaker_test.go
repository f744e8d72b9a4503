package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docforge/internal/faults"
)

var errDown = errors.New("service down")

func testRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(Config{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
		IdleTTL:          time.Hour,
	})
	r.now = func() time.Time { return now }
	return r, &now
}

func fail(ctx context.Context) error    { return errDown }
func succeed(ctx context.Context) error { return nil }

func TestTripsAfterThresholdAndFailsFast(t *testing.T) {
	r, now := testRegistry(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, r.Do(ctx, "search", fail), errDown)
	}
	assert.Equal(t, StateOpen, r.State("search"))

	// Before the reset timeout every call is rejected without invoking fn.
	invoked := false
	err := r.Do(ctx, "search", func(ctx context.Context) error {
		invoked = true
		return nil
	})
	require.ErrorIs(t, err, faults.ErrCircuitOpen)
	assert.False(t, invoked)

	*now = now.Add(29 * time.Second)
	err = r.Do(ctx, "search", succeed)
	require.ErrorIs(t, err, faults.ErrCircuitOpen)
}

func TestRecoveryThroughHalfOpen(t *testing.T) {
	r, now := testRegistry(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = r.Do(ctx, "ai", fail)
	}
	require.Equal(t, StateOpen, r.State("ai"))

	*now = now.Add(31 * time.Second)
	require.NoError(t, r.Do(ctx, "ai", succeed))
	assert.Equal(t, StateHalfOpen, r.State("ai"))

	require.NoError(t, r.Do(ctx, "ai", succeed))
	assert.Equal(t, StateClosed, r.State("ai"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	r, now := testRegistry(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = r.Do(ctx, "github", fail)
	}
	*now = now.Add(31 * time.Second)
	require.NoError(t, r.Do(ctx, "github", succeed))
	require.Equal(t, StateHalfOpen, r.State("github"))

	require.ErrorIs(t, r.Do(ctx, "github", fail), errDown)
	assert.Equal(t, StateOpen, r.State("github"))

	// Fresh deadline: still rejected right away.
	require.ErrorIs(t, r.Do(ctx, "github", succeed), faults.ErrCircuitOpen)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	_ = r.Do(ctx, "so", fail)
	_ = r.Do(ctx, "so", fail)
	require.NoError(t, r.Do(ctx, "so", succeed))

	// Two more failures are below threshold again after the reset.
	_ = r.Do(ctx, "so", fail)
	_ = r.Do(ctx, "so", fail)
	assert.Equal(t, StateClosed, r.State("so"))
}

func TestKeysAreIsolated(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = r.Do(ctx, "youtube", fail)
	}
	assert.Equal(t, StateOpen, r.State("youtube"))
	assert.Equal(t, StateClosed, r.State("stackoverflow"))
	require.NoError(t, r.Do(ctx, "stackoverflow", succeed))
}

func TestSnapshotAndEviction(t *testing.T) {
	r, now := testRegistry(t)
	ctx := context.Background()

	_ = r.Do(ctx, "a", succeed)
	_ = r.Do(ctx, "b", fail)

	snaps := r.Snapshot()
	require.Len(t, snaps, 2)

	snap, ok := r.SnapshotKey("b")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Failures)
	assert.NotNil(t, snap.LastFailure)

	*now = now.Add(2 * time.Hour)
	assert.Equal(t, 2, r.EvictIdle())
	_, ok = r.SnapshotKey("b")
	assert.False(t, ok)
}
