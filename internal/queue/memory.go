package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"docforge/internal/models"
	"docforge/internal/telemetry"
)

// Memory is the in-process FIFO backend: single process, non-durable, a
// small fixed worker count. Jobs vanish on restart; retries are immediate
// re-queues without backoff persistence.
type Memory struct {
	registry Registry
	workers  int

	mu          sync.Mutex
	jobs        map[string]*models.Job
	byIdemKey   map[string]string
	fifo        chan string
	maxRetained int
	order       []string // insertion order, for bounded eviction

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewMemory builds the in-process backend. Call Start before enqueueing.
func NewMemory(registry Registry, workers int) *Memory {
	if workers < 1 {
		workers = 1
	}
	return &Memory{
		registry:    registry,
		workers:     workers,
		jobs:        make(map[string]*models.Job),
		byIdemKey:   make(map[string]string),
		fifo:        make(chan string, 1024),
		maxRetained: 10000,
	}
}

// Start launches the worker goroutines.
func (m *Memory) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}
	log.Info().Int("workers", m.workers).Msg("memory queue started")
}

// Stop cancels the workers and waits for in-flight jobs.
func (m *Memory) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Enqueue implements Queue.
func (m *Memory) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, bool, error) {
	if p.Type == "" {
		return models.Job{}, false, fmt.Errorf("job type is required")
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Priority == "" {
		p.Priority = "default"
	}

	m.mu.Lock()
	if p.IdempotencyKey != "" {
		if id, ok := m.byIdemKey[p.IdempotencyKey]; ok {
			if existing, ok := m.jobs[id]; ok && !existing.Terminal() {
				job := *existing
				m.mu.Unlock()
				return job, true, nil
			}
		}
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:          uuid.New().String(),
		Type:        p.Type,
		Priority:    p.Priority,
		Payload:     p.Payload,
		Status:      models.StatusQueued,
		MaxAttempts: p.MaxAttempts,
		NextRunAt:   now,
		SessionID:   uuid.New().String(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.IdempotencyKey != "" {
		key := p.IdempotencyKey
		job.IdempotencyKey = &key
		m.byIdemKey[key] = job.ID
	}
	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)
	m.evictLocked()
	m.mu.Unlock()

	select {
	case m.fifo <- job.ID:
	default:
		m.fail(job.ID, "queue full")
		return *job, false, fmt.Errorf("queue full")
	}
	telemetry.EnqueueCounter.Inc()
	return *job, false, nil
}

// Job implements Queue.
func (m *Memory) Job(ctx context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s not found", id)
	}
	return *job, nil
}

// Stats implements Queue.
func (m *Memory) Stats(ctx context.Context) (models.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats models.QueueStats
	for _, job := range m.jobs {
		switch job.Status {
		case models.StatusQueued:
			stats.Waiting++
		case models.StatusRunning:
			stats.Active++
		case models.StatusCompleted:
			stats.Completed++
		case models.StatusFailed, models.StatusDeadLetter:
			stats.Failed++
		}
	}
	return stats, nil
}

// Cancel implements Queue. Running jobs are not interrupted.
func (m *Memory) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if job.Status == models.StatusQueued {
		job.Status = models.StatusCancelled
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// EvictTerminalBefore drops terminal jobs older than the cutoff. The
// retention sweeper calls this on the memory deployment.
func (m *Memory) EvictTerminalBefore(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, job := range m.jobs {
		if job.Terminal() && job.UpdatedAt.Before(cutoff) {
			m.dropLocked(id)
			n++
		}
	}
	return n
}

func (m *Memory) worker(ctx context.Context, workerID int) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.fifo:
			m.process(ctx, workerID, id)
		}
	}
}

func (m *Memory) process(ctx context.Context, workerID int, id string) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.StatusQueued {
		m.mu.Unlock()
		return
	}
	job.Status = models.StatusRunning
	job.Attempts++
	job.UpdatedAt = time.Now().UTC()
	snapshot := *job
	m.mu.Unlock()

	log.Info().
		Int("worker", workerID).
		Str("job_id", id).
		Str("job_type", snapshot.Type).
		Msg("processing job")
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	handler, ok := m.registry.Resolve(snapshot.Type)
	if !ok {
		m.fail(id, fmt.Sprintf("no handler registered for type %q", snapshot.Type))
		return
	}

	result, err := handler(ctx, snapshot, func(pct int) {
		m.mu.Lock()
		if j, ok := m.jobs[id]; ok && pct >= j.Progress {
			j.Progress = pct
			j.UpdatedAt = time.Now().UTC()
		}
		m.mu.Unlock()
	})

	if err != nil {
		m.mu.Lock()
		retry := job.Attempts < job.MaxAttempts
		if retry {
			job.Status = models.StatusQueued
			msg := err.Error()
			job.LastError = &msg
			job.UpdatedAt = time.Now().UTC()
		}
		m.mu.Unlock()
		if retry {
			telemetry.WorkerFailures.Inc()
			select {
			case m.fifo <- id:
			default:
				m.fail(id, "queue full on retry")
			}
			return
		}
		m.fail(id, err.Error())
		return
	}

	m.mu.Lock()
	job.Status = models.StatusCompleted
	job.Progress = 100
	job.Result = result
	job.LastError = nil
	job.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()
	telemetry.WorkerSuccess.Inc()
	log.Info().Str("job_id", id).Msg("job completed")
}

func (m *Memory) fail(id, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Status = models.StatusFailed
		job.LastError = &msg
		job.UpdatedAt = time.Now().UTC()
	}
	telemetry.WorkerFailures.Inc()
	log.Error().Str("job_id", id).Str("error", msg).Msg("job failed")
}

// evictLocked keeps the retained job map bounded, oldest first. Caller
// holds the lock.
func (m *Memory) evictLocked() {
	for len(m.jobs) > m.maxRetained && len(m.order) > 0 {
		oldest := m.order[0]
		m.order = m.order[1:]
		if job, ok := m.jobs[oldest]; ok && job.Terminal() {
			m.dropLocked(oldest)
		}
	}
}

func (m *Memory) dropLocked(id string) {
	if job, ok := m.jobs[id]; ok {
		if job.IdempotencyKey != nil && m.byIdemKey[*job.IdempotencyKey] == id {
			delete(m.byIdemKey, *job.IdempotencyKey)
		}
		delete(m.jobs, id)
	}
}
