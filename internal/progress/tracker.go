// Package progress tracks pipeline stages per generation run and fans out
// live activity events to observers.
package progress

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/phuslu/log"

	"docforge/internal/models"
)

// partialWeight is how much a partial stage counts toward overall quality
// relative to a completed one.
const partialWeight = 0.7

// StageUpdate mutates one stage of a run.
type StageUpdate struct {
	Status   string
	Progress int
	Error    string
	Warnings []string
	Details  map[string]any
}

// Tracker owns the pipeline reports for in-flight runs. Reports are kept
// in a bounded TTL cache so abandoned runs cannot leak memory; completed
// reports are also handed to the optional sink for durability.
type Tracker struct {
	mu      sync.Mutex
	runs    map[string]*run
	maxRuns int
	ttl     time.Duration
	now     func() time.Time
}

type run struct {
	report  models.PipelineReport
	missing []string
	touched time.Time
}

// NewTracker builds a tracker bounded to maxRuns entries of ttl each.
func NewTracker(maxRuns int, ttl time.Duration) *Tracker {
	if maxRuns <= 0 {
		maxRuns = 1000
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Tracker{
		runs:    make(map[string]*run),
		maxRuns: maxRuns,
		ttl:     ttl,
		now:     time.Now,
	}
}

// StartPipeline registers a run with its ordered, fixed stage list. Stage
// ids must be unique within the run.
func (t *Tracker) StartPipeline(sessionID string, stages []models.StageRecord) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if len(stages) == 0 {
		return fmt.Errorf("at least one stage is required")
	}

	records := make([]models.StageRecord, len(stages))
	for i, s := range stages {
		records[i] = models.StageRecord{ID: s.ID, Name: s.Name, Status: models.StagePending}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked()

	t.runs[sessionID] = &run{
		report: models.PipelineReport{
			SessionID: sessionID,
			Stages:    records,
			StartedAt: t.now(),
		},
		touched: t.now(),
	}
	return nil
}

// DeclareOptionalSource records an optional data source that was expected
// but unavailable for this run; it feeds the final recommendations.
func (t *Tracker) DeclareOptionalSource(sessionID, source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs[sessionID]; ok {
		r.missing = append(r.missing, source)
		r.touched = t.now()
	}
}

// UpdateStage mutates a stage and stamps entry/exit timestamps. A partial
// status without at least one warning is rejected.
func (t *Tracker) UpdateStage(sessionID, stageID string, update StageUpdate) error {
	if update.Status == models.StagePartial && len(update.Warnings) == 0 {
		return fmt.Errorf("partial stage %s requires at least one warning", stageID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	r.touched = t.now()

	for i := range r.report.Stages {
		stage := &r.report.Stages[i]
		if stage.ID != stageID {
			continue
		}
		now := t.now()
		if update.Status == models.StageInProgress && stage.StartedAt == nil {
			stage.StartedAt = &now
		}
		if models.StageTerminal(update.Status) {
			if stage.StartedAt == nil {
				stage.StartedAt = &now
			}
			stage.EndedAt = &now
		}
		if update.Status != "" {
			stage.Status = update.Status
		}
		if update.Progress > stage.Progress {
			stage.Progress = update.Progress
		}
		if models.StageTerminal(update.Status) && update.Status != models.StageFailed {
			stage.Progress = 100
		}
		if update.Error != "" {
			stage.Error = update.Error
		}
		stage.Warnings = append(stage.Warnings, update.Warnings...)
		if update.Details != nil {
			if stage.Details == nil {
				stage.Details = make(map[string]any, len(update.Details))
			}
			for k, v := range update.Details {
				stage.Details[k] = v
			}
		}
		return nil
	}
	return fmt.Errorf("unknown stage %s in session %s", stageID, sessionID)
}

// Report returns a copy of the current report for a run.
func (t *Tracker) Report(sessionID string) (models.PipelineReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[sessionID]
	if !ok {
		return models.PipelineReport{}, fmt.Errorf("unknown session %s", sessionID)
	}
	return cloneReport(r.report), nil
}

// CompletePipeline derives the overall quality score and recommendations.
// Every stage must be terminal; pending or in-progress stages are recorded
// as failed first so the report is always complete, degraded rather than
// aborted.
func (t *Tracker) CompletePipeline(sessionID string) (models.PipelineReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[sessionID]
	if !ok {
		return models.PipelineReport{}, fmt.Errorf("unknown session %s", sessionID)
	}
	r.touched = t.now()
	now := t.now()

	completed, partial := 0, 0
	for i := range r.report.Stages {
		stage := &r.report.Stages[i]
		if !models.StageTerminal(stage.Status) {
			stage.Status = models.StageFailed
			if stage.Error == "" {
				stage.Error = "stage never finished"
			}
			stage.EndedAt = &now
		}
		switch stage.Status {
		case models.StageCompleted:
			completed++
		case models.StagePartial:
			partial++
		}
	}

	total := len(r.report.Stages)
	quality := 0
	if total > 0 {
		quality = int(math.Round((float64(completed) + partialWeight*float64(partial)) / float64(total) * 100))
	}
	r.report.OverallQuality = quality
	r.report.CompletedAt = &now
	r.report.TotalDuration = now.Sub(r.report.StartedAt)
	r.report.MissingSources = append([]string(nil), r.missing...)
	r.report.Recommendations = recommendations(r.report.Stages, r.missing)

	log.Info().
		Str("session_id", sessionID).
		Int("quality", quality).
		Dur("duration", r.report.TotalDuration).
		Msg("pipeline completed")
	return cloneReport(r.report), nil
}

// recommendations turns failed/partial stages and missing optional sources
// into human-readable follow-ups.
func recommendations(stages []models.StageRecord, missing []string) []string {
	var out []string
	for _, stage := range stages {
		switch stage.Status {
		case models.StageFailed:
			msg := fmt.Sprintf("stage %q failed", stage.Name)
			if stage.Error != "" {
				msg += ": " + stage.Error
			}
			out = append(out, msg+"; re-run after the underlying service recovers")
		case models.StagePartial:
			for _, w := range stage.Warnings {
				out = append(out, fmt.Sprintf("stage %q completed partially: %s", stage.Name, w))
			}
		}
	}
	for _, src := range missing {
		out = append(out, fmt.Sprintf("optional source %q was unavailable; output may be thinner than usual", src))
	}
	return out
}

// evictLocked drops expired runs and, if still over capacity, the oldest
// touched one. Caller holds the lock.
func (t *Tracker) evictLocked() {
	cutoff := t.now().Add(-t.ttl)
	for id, r := range t.runs {
		if r.touched.Before(cutoff) {
			delete(t.runs, id)
		}
	}
	for len(t.runs) >= t.maxRuns {
		oldestID := ""
		var oldest time.Time
		for id, r := range t.runs {
			if oldestID == "" || r.touched.Before(oldest) {
				oldestID, oldest = id, r.touched
			}
		}
		delete(t.runs, oldestID)
	}
}

func cloneReport(r models.PipelineReport) models.PipelineReport {
	out := r
	out.Stages = append([]models.StageRecord(nil), r.Stages...)
	out.MissingSources = append([]string(nil), r.MissingSources...)
	out.Recommendations = append([]string(nil), r.Recommendations...)
	return out
}
