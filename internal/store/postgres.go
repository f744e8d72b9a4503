// Package store persists job records and pipeline reports in Postgres for
// the durable deployment.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"docforge/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type           string
	Priority       string
	Payload        map[string]any
	IdempotencyKey string
	RunAt          time.Time
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

// CreateJob inserts a job row, honoring idempotency if provided. It returns
// the job and a boolean indicating whether an existing job was reused: a
// key that maps to a non-terminal job always returns that job instead of
// creating a second one.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.Priority == "" {
		p.Priority = "default"
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	// If the idempotency key already maps to a live job, short-circuit
	// before creating anything.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found && !existing.Terminal() {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	sessionID := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, type, priority, payload, status, progress, attempts, max_attempts, next_run_at, idempotency_key, session_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $7, NULLIF($8, ''), $9, $10, $10)
	`, id, p.Type, p.Priority, payloadJSON, models.StatusQueued, p.MaxAttempts, p.RunAt, p.IdempotencyKey, sessionID, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		expires := now.Add(p.IdempotencyTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// The key row exists: either a concurrent enqueue claimed it
			// after our initial check, or it points at a terminal job whose
			// retention window has not elapsed yet.
			existing, found, ferr := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if ferr != nil {
				return models.Job{}, false, ferr
			}
			if found && !existing.Terminal() {
				if err := tx.Rollback(ctx); err != nil {
					return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
				}
				return existing, true, nil
			}
			// Terminal (or dangling) mapping: re-point the key at the new job.
			if _, err := tx.Exec(ctx, `
				UPDATE idempotency_keys SET job_id = $2, expires_at = $3 WHERE key = $1
			`, p.IdempotencyKey, id, expires); err != nil {
				return models.Job{}, false, fmt.Errorf("repoint idempotency key: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	key := p.IdempotencyKey
	job := models.Job{
		ID:          id,
		Type:        p.Type,
		Priority:    p.Priority,
		Payload:     p.Payload,
		Status:      models.StatusQueued,
		MaxAttempts: p.MaxAttempts,
		NextRunAt:   p.RunAt,
		SessionID:   sessionID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if key != "" {
		job.IdempotencyKey = &key
	}
	return job, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present and
// unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, priority, payload, status, progress, attempts, max_attempts, next_run_at, result, last_error, idempotency_key, session_id, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var payloadJSON, resultJSON []byte
	var lastErr, idem, sessionID pgtype.Text

	if err := row.Scan(&job.ID, &job.Type, &job.Priority, &payloadJSON, &job.Status, &job.Progress, &job.Attempts, &job.MaxAttempts, &job.NextRunAt, &resultJSON, &lastErr, &idem, &sessionID, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job not found: %w", err)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.LastError = textPtr(lastErr)
	job.IdempotencyKey = textPtr(idem)
	if sessionID.Valid {
		job.SessionID = sessionID.String
	}
	return job, nil
}

// UpdateJobStatus sets status, attempts, next_run_at and last_error
// atomically.
func (s *Store) UpdateJobStatus(ctx context.Context, id, status string, attempts int, nextRun time.Time, lastError *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, status, attempts, nextRun, lastError)
	return err
}

// UpdateJobProgress records coarse progress for a running job.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = GREATEST(progress, $2), updated_at = NOW() WHERE id = $1
	`, id, progress)
	return err
}

// MarkCompleted transitions a job to completed with its result.
func (s *Store) MarkCompleted(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, progress = 100, result = $3, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.StatusCompleted, resultJSON)
	return err
}

// MarkCancelled sets status cancelled and clears any last error.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1 AND status = $3
	`, id, models.StatusCancelled, models.StatusQueued)
	return err
}

// MarkDeadLetter flags a job that exhausted its attempts.
func (s *Store) MarkDeadLetter(ctx context.Context, id, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.StatusDeadLetter, lastError)
	return err
}

// ScheduleRetry updates attempts and next_run_at after a failure.
func (s *Store) ScheduleRetry(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusQueued, attempts, nextRun, lastErr)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// Stats returns per-status counts for dashboards.
func (s *Store) Stats(ctx context.Context) (models.QueueStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	var stats models.QueueStats
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return models.QueueStats{}, fmt.Errorf("scan count: %w", err)
		}
		switch status {
		case models.StatusQueued:
			stats.Waiting += n
		case models.StatusRunning:
			stats.Active += n
		case models.StatusCompleted:
			stats.Completed += n
		case models.StatusFailed:
			stats.Failed += n
		case models.StatusDeadLetter:
			stats.DeadLetter += n
		}
	}
	return stats, rows.Err()
}

// SaveReport upserts a pipeline report keyed by session id.
func (s *Store) SaveReport(ctx context.Context, report models.PipelineReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_reports (session_id, report, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session_id) DO UPDATE SET report = EXCLUDED.report
	`, report.SessionID, body)
	return err
}

// GetReport fetches a pipeline report by session id.
func (s *Store) GetReport(ctx context.Context, sessionID string) (models.PipelineReport, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `
		SELECT report FROM pipeline_reports WHERE session_id = $1
	`, sessionID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PipelineReport{}, fmt.Errorf("report for session %s not found", sessionID)
	}
	if err != nil {
		return models.PipelineReport{}, fmt.Errorf("query report: %w", err)
	}
	var report models.PipelineReport
	if err := json.Unmarshal(body, &report); err != nil {
		return models.PipelineReport{}, fmt.Errorf("unmarshal report: %w", err)
	}
	return report, nil
}

// EvictTerminal deletes terminal jobs past their retention windows and
// expired idempotency keys. Returns how many job rows were removed.
func (s *Store) EvictTerminal(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE (status = $1 AND updated_at < $2)
		   OR (status IN ($3, $4, $5) AND updated_at < $6)
	`, models.StatusCompleted, completedBefore,
		models.StatusFailed, models.StatusDeadLetter, models.StatusCancelled, failedBefore)
	if err != nil {
		return 0, fmt.Errorf("evict jobs: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < NOW()`); err != nil {
		return tag.RowsAffected(), fmt.Errorf("evict idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
