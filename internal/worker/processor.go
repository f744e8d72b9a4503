// Package worker drives the durable-queue consumer loop.
package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/phuslu/log"

	"docforge/internal/config"
	"docforge/internal/models"
	"docforge/internal/queue"
	"docforge/internal/store"
	"docforge/internal/telemetry"
)

// Processor claims jobs from the broker and executes registered handlers.
// Multiple processors may consume the same queue; the broker's atomic
// dequeue+lease prevents double-processing.
type Processor struct {
	cfg      config.Config
	broker   *queue.Broker
	store    *store.Store
	registry queue.Registry
	workerID string
}

// NewProcessor builds a processor with a worker id used for audit trails.
func NewProcessor(cfg config.Config, broker *queue.Broker, st *store.Store, registry queue.Registry, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		broker:   broker,
		store:    st,
		registry: registry,
		workerID: workerID,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.broker.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.broker.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			for _, id := range reclaimed {
				if job, err := p.store.GetJob(ctx, id); err == nil {
					_ = p.store.UpdateJobStatus(ctx, id, models.StatusQueued, job.Attempts, time.Now(), job.LastError)
					_ = p.store.AppendAudit(ctx, id, "lease_expired", "requeued by reaper")
				}
			}
		}
		if depth, err := p.broker.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := p.broker.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			sleepOrDone(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		p.execute(ctx, jobID)
	}
}

func (p *Processor) execute(ctx context.Context, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		_ = p.broker.Ack(ctx, jobID)
		return
	}
	if job.Status == models.StatusCancelled {
		_ = p.broker.Ack(ctx, jobID)
		return
	}

	_ = p.store.UpdateJobStatus(ctx, job.ID, models.StatusRunning, job.Attempts, job.NextRunAt, nil)
	_ = p.store.AppendAudit(ctx, job.ID, "started", "worker "+p.workerID)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log.Info().
		Str("worker", p.workerID).
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Int("attempt", job.Attempts+1).
		Msg("processing job")

	// Keep the lease alive while the handler runs.
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(heartbeatCtx, job.ID)

	result, err := p.runJob(ctx, job)
	stopHeartbeat()

	if err == nil {
		_ = p.broker.Ack(ctx, job.ID)
		_ = p.store.MarkCompleted(ctx, job.ID, result)
		_ = p.store.AppendAudit(ctx, job.ID, "completed", "worker completed job")
		telemetry.WorkerSuccess.Inc()
		return
	}

	attempts := job.Attempts + 1
	ceiling := job.MaxAttempts
	if p.cfg.MaxAttempts > 0 && p.cfg.MaxAttempts < ceiling {
		ceiling = p.cfg.MaxAttempts
	}

	if attempts >= ceiling {
		_ = p.store.MarkDeadLetter(ctx, job.ID, err.Error())
		_ = p.broker.Ack(ctx, job.ID)
		_ = p.broker.DLQPush(ctx, job.ID)
		_ = p.store.AppendAudit(ctx, job.ID, "dead_letter", err.Error())
		telemetry.WorkerDeadLetter.Inc()
		log.Error().Str("job_id", job.ID).Err(err).Msg("job dead-lettered")
		return
	}

	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	nextRun := time.Now().Add(backoff)
	_ = p.store.ScheduleRetry(ctx, job.ID, attempts, nextRun, err.Error())
	_ = p.broker.Ack(ctx, job.ID)
	_ = p.broker.Defer(ctx, job.ID, job.Priority, nextRun)
	_ = p.store.AppendAudit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.WorkerFailures.Inc()
	log.Warn().Str("job_id", job.ID).Dur("backoff", backoff).Err(err).Msg("job failed, retry scheduled")
}

func (p *Processor) runJob(ctx context.Context, job models.Job) (map[string]any, error) {
	handler, ok := p.registry.Resolve(job.Type)
	if !ok {
		return nil, fmt.Errorf("no handler registered for type %q", job.Type)
	}
	return handler(ctx, job, func(pct int) {
		_ = p.store.UpdateJobProgress(ctx, job.ID, pct)
	})
}

// heartbeat extends the lease at half the visibility timeout until the job
// settles.
func (p *Processor) heartbeat(ctx context.Context, jobID string) {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.broker.ExtendLease(ctx, jobID, p.cfg.VisibilityTimeout)
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
