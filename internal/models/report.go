package models

import (
	"time"
)

// Stage lifecycle states. pending -> in_progress -> {completed | partial | failed}.
const (
	StagePending    = "pending"
	StageInProgress = "in_progress"
	StagePartial    = "partial"
	StageCompleted  = "completed"
	StageFailed     = "failed"
)

// StageRecord is one named phase of a pipeline run.
type StageRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Status    string         `json:"status"`
	Progress  int            `json:"progress"`
	Warnings  []string       `json:"warnings,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// StageTerminal reports whether status is a terminal stage state.
func StageTerminal(status string) bool {
	switch status {
	case StageCompleted, StagePartial, StageFailed:
		return true
	}
	return false
}

// PipelineReport summarizes one generation run.
type PipelineReport struct {
	SessionID       string        `json:"session_id"`
	Stages          []StageRecord `json:"stages"`
	OverallQuality  int           `json:"overall_quality"`
	TotalDuration   time.Duration `json:"total_duration"`
	MissingSources  []string      `json:"missing_sources,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}
