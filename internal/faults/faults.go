// Package faults defines the error taxonomy shared by the pipeline core.
package faults

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTimeout marks a bounded operation that exceeded its deadline. It is
// distinguishable from application errors so callers can report timeouts
// separately.
var ErrTimeout = errors.New("operation timed out")

// ErrCircuitOpen marks a call rejected by an open circuit before any
// network attempt. Callers use it to skip straight to a degraded path.
var ErrCircuitOpen = errors.New("circuit open")

// NonRetryableError wraps an error that must never be retried regardless of
// remaining retry budget (e.g. malformed input).
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error { return e.Err }

// NonRetryable marks err as permanently failed.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err carries a NonRetryableError anywhere in
// its chain.
func IsNonRetryable(err error) bool {
	var nr *NonRetryableError
	return errors.As(err, &nr)
}

// ProviderFailure records why one provider in a fallback chain gave up.
type ProviderFailure struct {
	Provider string
	Err      error
	Elapsed  time.Duration
}

// ExhaustedError is returned when every provider in a fallback chain failed.
// It preserves each provider's last failure for operator inspection.
type ExhaustedError struct {
	Operation string
	Failures  []ProviderFailure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Provider, f.Err))
	}
	return fmt.Sprintf("all providers exhausted for %s: [%s]", e.Operation, strings.Join(parts, "; "))
}

// IsExhausted reports whether err is an ExhaustedError, returning it if so.
func IsExhausted(err error) (*ExhaustedError, bool) {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex, true
	}
	return nil, false
}
