package resilience

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for resilience operations.
var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

	// ErrHalfOpenLimit is returned when the half-open trial quota is in use.
	ErrHalfOpenLimit = errors.New("resilience: half-open trial limit reached")

	// ErrRetryExhausted is returned when the retry budget is spent.
	ErrRetryExhausted = errors.New("resilience: retries exhausted")

	// ErrRateLimitExceeded is returned when the rate limit is exceeded.
	ErrRateLimitExceeded = errors.New("resilience: rate limit exceeded")

	// ErrBulkheadFull is returned when the bulkhead is at capacity.
	ErrBulkheadFull = errors.New("resilience: bulkhead at capacity")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("resilience: operation timed out")

	// ErrUnknownPreset is returned by Preset for an unrecognised name.
	ErrUnknownPreset = errors.New("resilience: unknown retry preset")
)

// CircuitOpenError reports a call rejected while the breaker is open.
// Callers should not retry immediately.
type CircuitOpenError struct {
	Name string
	// RetryAfter is the remaining time until the breaker admits a trial.
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("resilience: circuit breaker %q is open (retry after %s)", e.Name, e.RetryAfter)
}

// Is reports whether target is ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// HalfOpenLimitError reports a call rejected while the breaker is probing.
type HalfOpenLimitError struct {
	Name  string
	Limit int
}

func (e *HalfOpenLimitError) Error() string {
	return fmt.Sprintf("resilience: circuit breaker %q is half-open with %d trial(s) in flight", e.Name, e.Limit)
}

// Is reports whether target is ErrHalfOpenLimit.
func (e *HalfOpenLimitError) Is(target error) bool {
	return target == ErrHalfOpenLimit
}

// RetryExhaustedError wraps the last error of a retry sequence.
type RetryExhaustedError struct {
	// Attempts is the total number of attempts made, including the first.
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("resilience: retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

// Is reports whether target is ErrRetryExhausted.
func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// Unwrap returns the last underlying error.
func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}
