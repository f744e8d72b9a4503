package retention

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docforge/internal/config"
)

type fakeStore struct {
	completedBefore time.Time
	failedBefore    time.Time
	calls           int
}

func (f *fakeStore) EvictTerminal(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error) {
	f.completedBefore = completedBefore
	f.failedBefore = failedBefore
	f.calls++
	return 3, nil
}

type fakeMemory struct{ calls int }

func (f *fakeMemory) EvictTerminalBefore(cutoff time.Time) int {
	f.calls++
	return 1
}

type fakeCircuits struct{ calls atomic.Int32 }

func (f *fakeCircuits) EvictIdle() int {
	f.calls.Add(1)
	return 2
}

func TestSweepHitsEveryTarget(t *testing.T) {
	cfg := config.Config{
		CompletedRetention: 24 * time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
	}
	store := &fakeStore{}
	memory := &fakeMemory{}
	circuits := &fakeCircuits{}

	s := NewSweeper(cfg, store, memory, circuits)
	s.Sweep(context.Background())

	assert.Equal(t, 1, store.calls)
	assert.Equal(t, 1, memory.calls)
	assert.EqualValues(t, 1, circuits.calls.Load())

	// Failed jobs are kept longer than completed ones.
	assert.True(t, store.failedBefore.Before(store.completedBefore))
}

func TestSweepSkipsNilTargets(t *testing.T) {
	circuits := &fakeCircuits{}
	s := NewSweeper(config.Config{}, nil, nil, circuits)
	s.Sweep(context.Background())
	assert.EqualValues(t, 1, circuits.calls.Load())
}

func TestSweeperSchedules(t *testing.T) {
	cfg := config.Config{SweepSchedule: "@every 10ms"}
	circuits := &fakeCircuits{}
	s := NewSweeper(cfg, nil, nil, circuits)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return circuits.calls.Load() > 0 }, time.Second, 5*time.Millisecond)
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	s := NewSweeper(config.Config{SweepSchedule: "not a schedule"}, nil, nil, nil)
	require.Error(t, s.Start(context.Background()))
}
