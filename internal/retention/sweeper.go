// Package retention evicts expired state on a cron schedule: terminal jobs
// past their retention window and idle circuit records.
package retention

import (
	"context"
	"time"

	"github.com/phuslu/log"
	"github.com/robfig/cron/v3"

	"docforge/internal/config"
)

// JobStore evicts terminal job rows past the retention windows.
type JobStore interface {
	EvictTerminal(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error)
}

// MemoryQueue evicts retained terminal jobs from the in-memory backend.
type MemoryQueue interface {
	EvictTerminalBefore(cutoff time.Time) int
}

// CircuitRegistry evicts circuit records idle past their TTL.
type CircuitRegistry interface {
	EvictIdle() int
}

// Sweeper runs the periodic eviction. Any nil target is skipped, so the
// API and worker processes wire only what they own.
type Sweeper struct {
	cfg      config.Config
	store    JobStore
	memory   MemoryQueue
	circuits CircuitRegistry
	cron     *cron.Cron
}

// NewSweeper builds a sweeper over the given targets.
func NewSweeper(cfg config.Config, store JobStore, memory MemoryQueue, circuits CircuitRegistry) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		store:    store,
		memory:   memory,
		circuits: circuits,
		cron:     cron.New(),
	}
}

// Start schedules the sweep and begins the cron loop.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cfg.SweepSchedule, func() { s.Sweep(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Str("schedule", s.cfg.SweepSchedule).Msg("retention sweeper started")
	return nil
}

// Stop halts the cron loop, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one eviction pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now()
	var jobs int64
	var memory, circuits int

	if s.store != nil {
		n, err := s.store.EvictTerminal(ctx,
			now.Add(-s.cfg.CompletedRetention),
			now.Add(-s.cfg.FailedRetention))
		if err != nil {
			log.Error().Err(err).Msg("job eviction failed")
		} else {
			jobs = n
		}
	}
	if s.memory != nil {
		memory = s.memory.EvictTerminalBefore(now.Add(-s.cfg.CompletedRetention))
	}
	if s.circuits != nil {
		circuits = s.circuits.EvictIdle()
	}

	if jobs > 0 || memory > 0 || circuits > 0 {
		log.Info().
			Int64("jobs", jobs).
			Int("memory_jobs", memory).
			Int("circuits", circuits).
			Msg("retention sweep evicted state")
	}
}
