// Package breaker provides a per-dependency-key circuit breaker. Repeated
// failures against one key short-circuit further calls for a cooldown
// period without affecting other keys.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"

	"docforge/internal/faults"
	"docforge/internal/telemetry"
)

// Circuit states.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// Config tunes the trip and recovery behavior shared by all keys of a
// registry.
type Config struct {
	// FailureThreshold consecutive failures in CLOSED trip the circuit.
	FailureThreshold int
	// ResetTimeout is how long an OPEN circuit rejects calls before
	// allowing a HALF_OPEN trial.
	ResetTimeout time.Duration
	// SuccessThreshold consecutive HALF_OPEN successes close the circuit.
	SuccessThreshold int
	// IdleTTL evicts records that have not been touched for this long.
	IdleTTL time.Duration
}

// DefaultConfig matches the documented production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
		IdleTTL:          time.Hour,
	}
}

// record is the mutable per-key state. Guarded by the registry mutex.
type record struct {
	state       string
	failures    int
	successes   int
	lastFailure time.Time
	lastSuccess time.Time
	nextAttempt time.Time
	touched     time.Time
}

// Snapshot is a read-only view of one circuit for health reporting.
type Snapshot struct {
	Key         string     `json:"key"`
	State       string     `json:"state"`
	Failures    int        `json:"failures"`
	Successes   int        `json:"successes"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	NextAttempt *time.Time `json:"next_attempt,omitempty"`
}

// Registry owns the circuit records for all dependency keys. Construct one
// at process start and pass it by reference; records are created lazily per
// key and evicted after IdleTTL.
type Registry struct {
	cfg Config
	mu  sync.Mutex
	now func() time.Time

	records map[string]*record
}

// NewRegistry builds an empty registry with the given config.
func NewRegistry(cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Registry{
		cfg:     cfg,
		now:     time.Now,
		records: make(map[string]*record),
	}
}

// Do executes fn under the circuit for key. An OPEN circuit rejects the
// call with faults.ErrCircuitOpen before fn is invoked.
func (r *Registry) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := r.before(key); err != nil {
		telemetry.CircuitRejects.Inc()
		return err
	}
	err := fn(ctx)
	r.after(key, err == nil)
	return err
}

// before checks admission and performs the OPEN -> HALF_OPEN transition
// when the cooldown has elapsed.
func (r *Registry) before(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.get(key)
	rec.touched = r.now()

	if rec.state != StateOpen {
		return nil
	}
	if r.now().Before(rec.nextAttempt) {
		return fmt.Errorf("%s: %w until %s", key, faults.ErrCircuitOpen, rec.nextAttempt.Format(time.RFC3339))
	}
	r.transition(key, rec, StateHalfOpen)
	rec.successes = 0
	return nil
}

func (r *Registry) after(key string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.get(key)
	rec.touched = r.now()

	if success {
		rec.lastSuccess = r.now()
		rec.failures = 0
		if rec.state == StateHalfOpen {
			rec.successes++
			if rec.successes >= r.cfg.SuccessThreshold {
				r.transition(key, rec, StateClosed)
				rec.successes = 0
			}
		}
		return
	}

	rec.lastFailure = r.now()
	switch rec.state {
	case StateHalfOpen:
		// One failed trial re-opens immediately.
		r.transition(key, rec, StateOpen)
		rec.nextAttempt = r.now().Add(r.cfg.ResetTimeout)
		rec.successes = 0
	case StateClosed:
		rec.failures++
		if rec.failures >= r.cfg.FailureThreshold {
			r.transition(key, rec, StateOpen)
			rec.nextAttempt = r.now().Add(r.cfg.ResetTimeout)
		}
	}
}

// get returns the record for key, creating it lazily. Caller holds the lock.
func (r *Registry) get(key string) *record {
	rec, ok := r.records[key]
	if !ok {
		rec = &record{state: StateClosed, touched: r.now()}
		r.records[key] = rec
	}
	return rec
}

// transition logs and counts a state change. Caller holds the lock.
func (r *Registry) transition(key string, rec *record, to string) {
	from := rec.state
	rec.state = to
	telemetry.CircuitTransitions.WithLabelValues(key, to).Inc()
	log.Warn().
		Str("key", key).
		Str("from", from).
		Str("to", to).
		Int("failures", rec.failures).
		Msg("circuit transition")
}

// State returns the current state for key, or CLOSED for unseen keys.
func (r *Registry) State(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key]; ok {
		return rec.state
	}
	return StateClosed
}

// Snapshot returns a view of every tracked circuit for health dashboards.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.records))
	for key, rec := range r.records {
		out = append(out, snapshotOf(key, rec))
	}
	return out
}

// SnapshotKey returns the view for one key; ok is false for unseen keys.
func (r *Registry) SnapshotKey(key string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(key, rec), true
}

// EvictIdle removes records untouched for longer than IdleTTL and returns
// how many were evicted. The retention sweeper calls this periodically.
func (r *Registry) EvictIdle() int {
	if r.cfg.IdleTTL <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.cfg.IdleTTL)
	n := 0
	for key, rec := range r.records {
		if rec.touched.Before(cutoff) {
			delete(r.records, key)
			n++
		}
	}
	return n
}

func snapshotOf(key string, rec *record) Snapshot {
	s := Snapshot{
		Key:       key,
		State:     rec.state,
		Failures:  rec.failures,
		Successes: rec.successes,
	}
	if !rec.lastFailure.IsZero() {
		t := rec.lastFailure
		s.LastFailure = &t
	}
	if !rec.lastSuccess.IsZero() {
		t := rec.lastSuccess
		s.LastSuccess = &t
	}
	if rec.state == StateOpen {
		t := rec.nextAttempt
		s.NextAttempt = &t
	}
	return s
}
