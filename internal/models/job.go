package models

import (
	"time"
)

// Job lifecycle states. Transitions are monotonic:
// queued -> running -> {completed | failed}; a failed job re-enters queued
// until the attempt ceiling, after which it is dead-lettered on the durable
// backend.
const (
	StatusQueued     = "queued"
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusDeadLetter = "dead_lettered"
)

// Job represents one generation request submitted to the queue.
type Job struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Priority       string         `json:"priority"`
	Payload        map[string]any `json:"payload"`
	Status         string         `json:"status"`
	Progress       int            `json:"progress"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	NextRunAt      time.Time      `json:"next_run_at"`
	Result         map[string]any `json:"result,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Terminal reports whether the job can no longer change state.
func (j Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusDeadLetter:
		return true
	}
	return false
}

// QueueStats holds per-status counts for dashboards.
type QueueStats struct {
	Waiting    int64 `json:"waiting"`
	Active     int64 `json:"active"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	DeadLetter int64 `json:"dead_letter"`
}

// AuditLog is a single audit event row for a job.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
