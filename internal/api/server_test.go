package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docforge/internal/breaker"
	"docforge/internal/config"
	"docforge/internal/models"
	"docforge/internal/progress"
	"docforge/internal/queue"
)

type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, clientID string) (bool, error) { return false, nil }

func testServer(t *testing.T) (*Server, *queue.Memory, *progress.Tracker, *progress.Bus) {
	t.Helper()
	registry := queue.Registry{
		"generate_docs": func(ctx context.Context, job models.Job, report func(int)) (map[string]any, error) {
			report(100)
			return map[string]any{"ok": true}, nil
		},
	}
	q := queue.NewMemory(registry, 1)
	q.Start(context.Background())
	t.Cleanup(q.Stop)

	tracker := progress.NewTracker(100, time.Hour)
	bus := progress.NewBus(100, time.Hour, time.Second)
	circuits := breaker.NewRegistry(breaker.DefaultConfig())

	s := New(config.Load(), q, nil, circuits, TrackerReports{Tracker: tracker}, bus, nil)
	return s, q, tracker, bus
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueAndFetch(t *testing.T) {
	s, _, _, _ := testServer(t)
	router := s.Router()

	rec := postJSON(t, router, "/jobs", map[string]any{
		"type":            "generate_docs",
		"payload":         map[string]any{"topic": "widgets"},
		"idempotency_key": "widgets",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Job        models.Job `json:"job"`
		Idempotent bool       `json:"idempotent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Idempotent)
	require.NotEmpty(t, resp.Job.ID)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+resp.Job.ID, nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, req)
	assert.Equal(t, http.StatusOK, getRec.Code)

	req = httptest.NewRequest(http.MethodGet, "/jobs/missing", nil)
	getRec = httptest.NewRecorder()
	router.ServeHTTP(getRec, req)
	assert.Equal(t, http.StatusNotFound, getRec.Code)
}

func TestEnqueueValidation(t *testing.T) {
	s, _, _, _ := testServer(t)
	router := s.Router()

	rec := postJSON(t, router, "/jobs", map[string]any{"payload": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader("{not json"))
	raw := httptest.NewRecorder()
	router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestEnqueueRateLimited(t *testing.T) {
	s, _, _, _ := testServer(t)
	s.limiter = denyLimiter{}
	router := s.Router()

	rec := postJSON(t, router, "/jobs", map[string]any{"type": "generate_docs"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestQueueStats(t *testing.T) {
	s, _, _, _ := testServer(t)
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/queue/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats models.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
}

func TestCircuitEndpoints(t *testing.T) {
	s, _, _, _ := testServer(t)
	router := s.Router()

	// Trip a circuit so the snapshot has content.
	for i := 0; i < 5; i++ {
		_ = s.circuits.Do(context.Background(), "stackoverflow-api", func(ctx context.Context) error {
			return assert.AnError
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/circuits", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var snaps []breaker.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, breaker.StateOpen, snaps[0].State)

	req = httptest.NewRequest(http.MethodGet, "/circuits/stackoverflow-api", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/circuits/unknown", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionReport(t *testing.T) {
	s, _, tracker, _ := testServer(t)
	router := s.Router()

	require.NoError(t, tracker.StartPipeline("s1", []models.StageRecord{{ID: "crawl", Name: "Crawl"}}))

	req := httptest.NewRequest(http.MethodGet, "/sessions/s1/report", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var report models.PipelineReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "s1", report.SessionID)

	req = httptest.NewRequest(http.MethodGet, "/sessions/nope/report", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionSocketStreams(t *testing.T) {
	s, _, _, bus := testServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	bus.Open("s1")
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/s1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	bus.EmitActivity("s1", "fetched README", nil)
	bus.EndSession("s1", nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev progress.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, progress.EventActivity, ev.Type)
	assert.Equal(t, "fetched README", ev.Message)

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, progress.EventEnded, ev.Type)
}

func TestSessionSocketUnknownSession(t *testing.T) {
	s, _, _, _ := testServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/ghost"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	s, _, _, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
