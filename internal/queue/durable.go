package queue

import (
	"context"
	"fmt"
	"time"

	"docforge/internal/models"
	"docforge/internal/store"
	"docforge/internal/telemetry"
)

// Durable is the Redis/Postgres backend: jobs survive restarts, N worker
// processes consume the same queue, and failures retry with exponential
// backoff until the attempt ceiling.
type Durable struct {
	broker         *Broker
	store          *store.Store
	maxAttempts    int
	idempotencyTTL time.Duration
}

// NewDurable wires the broker and store into the Queue contract.
func NewDurable(broker *Broker, st *store.Store, maxAttempts int, idempotencyTTL time.Duration) *Durable {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Durable{
		broker:         broker,
		store:          st,
		maxAttempts:    maxAttempts,
		idempotencyTTL: idempotencyTTL,
	}
}

// Enqueue implements Queue.
func (d *Durable) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, bool, error) {
	if p.Type == "" {
		return models.Job{}, false, fmt.Errorf("job type is required")
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.maxAttempts
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now()
	}

	job, reused, err := d.store.CreateJob(ctx, store.CreateJobParams{
		Type:           p.Type,
		Priority:       p.Priority,
		Payload:        p.Payload,
		IdempotencyKey: p.IdempotencyKey,
		RunAt:          p.RunAt,
		MaxAttempts:    p.MaxAttempts,
		IdempotencyTTL: d.idempotencyTTL,
	})
	if err != nil {
		return models.Job{}, false, err
	}
	if reused {
		return job, true, nil
	}

	if err := d.broker.Push(ctx, job.ID, job.Priority, job.NextRunAt); err != nil {
		msg := err.Error()
		_ = d.store.UpdateJobStatus(ctx, job.ID, models.StatusFailed, job.Attempts, job.NextRunAt, &msg)
		return models.Job{}, false, fmt.Errorf("push job: %w", err)
	}
	_ = d.store.AppendAudit(ctx, job.ID, "enqueued", fmt.Sprintf("type=%s priority=%s", job.Type, job.Priority))
	telemetry.EnqueueCounter.Inc()
	return job, false, nil
}

// Job implements Queue.
func (d *Durable) Job(ctx context.Context, id string) (models.Job, error) {
	return d.store.GetJob(ctx, id)
}

// Stats implements Queue.
func (d *Durable) Stats(ctx context.Context) (models.QueueStats, error) {
	return d.store.Stats(ctx)
}

// Cancel implements Queue. Only queued jobs can be cancelled; running jobs
// finish their current attempt.
func (d *Durable) Cancel(ctx context.Context, id string) error {
	if err := d.broker.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove from queue: %w", err)
	}
	if err := d.store.MarkCancelled(ctx, id); err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	return d.store.AppendAudit(ctx, id, "cancelled", "cancel requested via API")
}

// DLQ exposes the dead-letter queue contents for the API.
func (d *Durable) DLQ(ctx context.Context, count int64) ([]string, error) {
	return d.broker.DLQPeek(ctx, count)
}
