// Package api exposes the job queue and pipeline reports over HTTP and
// WebSocket.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"docforge/internal/breaker"
	"docforge/internal/config"
	"docforge/internal/models"
	"docforge/internal/progress"
	"docforge/internal/queue"
	"docforge/internal/ratelimit"
	"docforge/internal/telemetry"
)

// ReportReader resolves completed pipeline reports. The durable backend
// reads from Postgres, the memory backend from the tracker.
type ReportReader interface {
	GetReport(ctx context.Context, sessionID string) (models.PipelineReport, error)
}

// TrackerReports adapts the in-process tracker to ReportReader for the
// memory backend.
type TrackerReports struct {
	Tracker *progress.Tracker
}

func (t TrackerReports) GetReport(_ context.Context, sessionID string) (models.PipelineReport, error) {
	return t.Tracker.Report(sessionID)
}

// DLQReader exposes dead-letter queue contents; nil on the memory backend.
type DLQReader interface {
	DLQ(ctx context.Context, count int64) ([]string, error)
}

// Server wires the HTTP handlers for the producer API.
type Server struct {
	cfg      config.Config
	queue    queue.Queue
	limiter  ratelimit.Limiter
	circuits *breaker.Registry
	reports  ReportReader
	bus      *progress.Bus
	dlq      DLQReader
}

// New constructs the API server. limiter, circuits, reports, bus, and dlq
// may be nil; the matching endpoints degrade.
func New(cfg config.Config, q queue.Queue, limiter ratelimit.Limiter, circuits *breaker.Registry, reports ReportReader, bus *progress.Bus, dlq DLQReader) *Server {
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	return &Server{
		cfg:      cfg,
		queue:    q,
		limiter:  limiter,
		circuits: circuits,
		reports:  reports,
		bus:      bus,
		dlq:      dlq,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/queue/stats", s.handleStats)
	r.Get("/dlq", s.handleDLQ)
	r.Get("/circuits", s.handleCircuits)
	r.Get("/circuits/{key}", s.handleCircuit)
	r.Get("/sessions/{id}/report", s.handleReport)
	r.Get("/ws/sessions/{id}", s.handleSessionSocket)
	return r
}

type enqueueRequest struct {
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	RunAt          *time.Time     `json:"run_at"`
	DelaySeconds   int            `json:"delay_seconds"`
	Priority       string         `json:"priority"`
	MaxAttempts    int            `json:"max_attempts"`
}

type enqueueResponse struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	allowed, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	runAt := time.Now()
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		runAt = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	job, idempotent, err := s.queue.Enqueue(r.Context(), queue.EnqueueParams{
		Type:           req.Type,
		Priority:       req.Priority,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		RunAt:          runAt,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job, Idempotent: idempotent})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		http.Error(w, "failed to read stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []string{}})
		return
	}
	items, err := s.dlq.DLQ(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	if s.circuits == nil {
		writeJSON(w, http.StatusOK, []breaker.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.circuits.Snapshot())
}

func (s *Server) handleCircuit(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if s.circuits == nil {
		http.Error(w, "circuit not found", http.StatusNotFound)
		return
	}
	snap, ok := s.circuits.SnapshotKey(key)
	if !ok {
		http.Error(w, "circuit not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		http.Error(w, "reports not available", http.StatusNotFound)
		return
	}
	report, err := s.reports.GetReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
