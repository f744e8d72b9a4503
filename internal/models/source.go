package models

import (
	"time"
)

// SourceMetrics is the raw shape of one harvested content item before
// scoring. Votes, stars, published date and relevance are optional; the
// scorer substitutes documented defaults when they are absent.
type SourceMetrics struct {
	URL         string     `json:"url"`
	Content     string     `json:"content"`
	Votes       *int       `json:"votes,omitempty"`
	Stars       *int       `json:"stars,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	// Relevance is a caller-supplied term-overlap ratio in [0,1].
	Relevance *float64 `json:"relevance,omitempty"`
}

// ScoredSource is a harvested item annotated with trust sub-scores.
type ScoredSource struct {
	SourceMetrics

	Freshness      int `json:"freshness"`
	Community      int `json:"community"`
	Authority      int `json:"authority"`
	RelevanceScore int `json:"relevance_score"`
	// Quality is the weighted aggregate of the four sub-scores.
	Quality int      `json:"quality"`
	Reasons []string `json:"reasons,omitempty"`
}
