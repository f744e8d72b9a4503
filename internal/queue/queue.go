// Package queue accepts generation requests and executes them through one
// of two interchangeable backends: an in-process FIFO or a durable
// Redis/Postgres pair. Callers depend only on the Queue interface; the
// backend is a deployment-time choice.
package queue

import (
	"context"
	"time"

	"docforge/internal/models"
)

// EnqueueParams collects the inputs for one submission.
type EnqueueParams struct {
	Type     string
	Priority string
	Payload  map[string]any
	// IdempotencyKey is a caller-supplied natural key (e.g. "repo+owner").
	// Re-enqueueing the same key while a job is in flight returns the
	// existing job instead of creating a duplicate.
	IdempotencyKey string
	RunAt          time.Time
	MaxAttempts    int
}

// Queue is the backend-independent job queue contract.
type Queue interface {
	// Enqueue submits a job. The bool is true when an existing job was
	// reused via the idempotency key.
	Enqueue(ctx context.Context, p EnqueueParams) (models.Job, bool, error)
	// Job returns the job by id.
	Job(ctx context.Context, id string) (models.Job, error)
	// Stats returns counts by status.
	Stats(ctx context.Context) (models.QueueStats, error)
	// Cancel stops a queued job from running. Running jobs finish.
	Cancel(ctx context.Context, id string) error
}

// Handler executes one job. report publishes coarse progress (0-100) onto
// the job record; the returned map becomes Job.Result.
type Handler func(ctx context.Context, job models.Job, report func(pct int)) (map[string]any, error)

// Registry maps job types to handlers. Both backends resolve handlers
// through it.
type Registry map[string]Handler

// Resolve returns the handler for a job type.
func (r Registry) Resolve(jobType string) (Handler, bool) {
	h, ok := r[jobType]
	return h, ok
}
