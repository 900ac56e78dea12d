package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jonwraymond/dbguard/clock"
	"github.com/jonwraymond/dbguard/observe"
)

// jitterFraction bounds the uniform jitter applied to a delay.
const jitterFraction = 0.25

// RetryConfig configures the retry behavior.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt. Use
	// NoRetries to disable retrying.
	// Default: 3
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	// Default: 100ms
	InitialDelay time.Duration

	// MaxDelay caps any single delay between retries.
	// Default: 5s
	MaxDelay time.Duration

	// Factor is the exponential backoff multiplier.
	// Default: 2.0
	Factor float64

	// Jitter widens each delay uniformly within ±25%.
	Jitter bool

	// RetryableErrors is the allow-list. An error is retryable when its code
	// equals an entry or its message contains one.
	// Default: DefaultRetryableErrors
	RetryableErrors []string

	// ErrorCode extracts a stable code from an error.
	// Default: ErrorCode
	ErrorCode func(err error) string

	// OnRetry is called before each wait with the 1-based retry number.
	OnRetry func(err error, attempt int, delay time.Duration)

	// Logger receives one debug entry per scheduled retry.
	// Default: observe.NopLogger()
	Logger observe.Logger

	// Clock stamps LastRetryAt. Waits between attempts use real timers.
	// Default: clock.Real()
	Clock clock.Clock
}

// NoRetries as RetryConfig.MaxRetries runs each operation exactly once.
const NoRetries = -1

// DefaultRetryableErrors covers connection loss, lock contention and
// serialization failures on MySQL and PostgreSQL.
var DefaultRetryableErrors = []string{
	"ECONNRESET",
	"ECONNREFUSED",
	"ETIMEDOUT",
	"EPIPE",
	"ER_LOCK_DEADLOCK",
	"ER_LOCK_WAIT_TIMEOUT",
	"ER_CON_COUNT_ERROR",
	"40001", // serialization_failure
	"40P01", // deadlock_detected
	"08006", // connection_failure
	"08003", // connection_does_not_exist
	"driver: bad connection",
	"invalid connection",
	"connection reset",
	"broken pipe",
}

// CallOption overrides retry settings for a single Execute call.
type CallOption func(*callConfig)

type callConfig struct {
	maxRetries int
	retryable  []string
	onRetry    []func(err error, attempt int, delay time.Duration)
}

// WithOnRetry adds a per-call retry callback. Callbacks run in the order
// they were given, after the configured OnRetry.
func WithOnRetry(fn func(err error, attempt int, delay time.Duration)) CallOption {
	return func(c *callConfig) {
		if fn != nil {
			c.onRetry = append(c.onRetry, fn)
		}
	}
}

// WithMaxRetries overrides the retry budget for one call. Zero disables
// retries for the call.
func WithMaxRetries(n int) CallOption {
	return func(c *callConfig) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryableErrors replaces the allow-list for one call.
func WithRetryableErrors(codes ...string) CallOption {
	return func(c *callConfig) {
		c.retryable = codes
	}
}

// Retry retries classified failures with exponential backoff.
//
// Contract:
//   - Concurrency: safe for concurrent use; a backoff wait only blocks the
//     calling goroutine.
//   - Context: cancellation aborts a wait; context errors are never retried.
//   - Errors: non-retryable errors are returned unchanged. An exhausted
//     budget returns *RetryExhaustedError wrapping the last error.
type Retry struct {
	config RetryConfig
	clock  clock.Clock
	logger observe.Logger

	mu          sync.Mutex
	total       int64
	succeeded   int64
	failed      int64
	avgRetries  float64
	maxRetries  int
	reasons     map[string]int64
	lastRetryAt time.Time
}

// NewRetry creates a new retry handler.
func NewRetry(config RetryConfig) *Retry {
	switch {
	case config.MaxRetries == 0:
		config.MaxRetries = 3
	case config.MaxRetries < 0:
		config.MaxRetries = 0
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.Factor <= 0 {
		config.Factor = 2.0
	}
	if len(config.RetryableErrors) == 0 {
		config.RetryableErrors = DefaultRetryableErrors
	}
	if config.ErrorCode == nil {
		config.ErrorCode = ErrorCode
	}

	return &Retry{
		config:  config,
		clock:   clock.OrReal(config.Clock),
		logger:  observe.OrNop(config.Logger),
		reasons: make(map[string]int64),
	}
}

// Execute runs the operation, retrying retryable failures.
func (r *Retry) Execute(ctx context.Context, op func(context.Context) error, opts ...CallOption) error {
	call := callConfig{
		maxRetries: r.config.MaxRetries,
		retryable:  r.config.RetryableErrors,
	}
	for _, opt := range opts {
		opt(&call)
	}

	retries := 0
	for {
		err := op(ctx)
		if err == nil {
			r.recordSuccess(retries)
			return nil
		}

		if ctx.Err() != nil || !r.matches(err, call.retryable) {
			r.recordFailure()
			return err
		}

		if retries >= call.maxRetries {
			r.recordFailure()
			return &RetryExhaustedError{Attempts: retries + 1, Err: err}
		}

		reason := r.Reason(err)
		delay := r.Delay(retries)
		retries++
		r.recordRetry(reason)

		r.logger.Debug(ctx, "retrying database operation",
			observe.Field{Key: "attempt", Value: retries},
			observe.Field{Key: "delay_ms", Value: delay.Milliseconds()},
			observe.Field{Key: "reason", Value: reason},
		)
		if r.config.OnRetry != nil {
			r.config.OnRetry(err, retries, delay)
		}
		for _, fn := range call.onRetry {
			fn(err, retries, delay)
		}

		if werr := wait(ctx, delay); werr != nil {
			r.recordFailure()
			return errors.Join(werr, err)
		}
	}
}

// IsRetryable reports whether err matches the configured allow-list.
func (r *Retry) IsRetryable(err error) bool {
	return r.matches(err, r.config.RetryableErrors)
}

func (r *Retry) matches(err error, allow []string) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	code := r.config.ErrorCode(err)
	msg := err.Error()
	for _, entry := range allow {
		if entry == "" {
			continue
		}
		if code != "" && code == entry {
			return true
		}
		if strings.Contains(msg, entry) {
			return true
		}
	}
	return false
}

// Reason returns the failure-reason key for err: its code, or its message
// when it has none.
func (r *Retry) Reason(err error) string {
	if code := r.config.ErrorCode(err); code != "" {
		return code
	}
	return observe.Truncate(err.Error(), 120)
}

// Delay returns the wait before retry n (0-indexed):
// min(InitialDelay * Factor^n, MaxDelay), jittered when enabled and rounded
// to the nearest millisecond.
func (r *Retry) Delay(n int) time.Duration {
	base := float64(r.config.InitialDelay) * math.Pow(r.config.Factor, float64(n))
	if base > float64(r.config.MaxDelay) || math.IsInf(base, 0) {
		base = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		// #nosec G404 -- jitter is non-cryptographic timing variance.
		base *= 1 + jitterFraction*(2*rand.Float64()-1)
	}

	return time.Duration(math.Round(base/float64(time.Millisecond))) * time.Millisecond
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Retry) recordSuccess(retries int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	r.succeeded++
	r.avgRetries += (float64(retries) - r.avgRetries) / float64(r.succeeded)
	if retries > r.maxRetries {
		r.maxRetries = retries
	}
}

func (r *Retry) recordFailure() {
	r.mu.Lock()
	r.total++
	r.failed++
	r.mu.Unlock()
}

func (r *Retry) recordRetry(reason string) {
	r.mu.Lock()
	r.reasons[reason]++
	r.lastRetryAt = r.clock.Now()
	r.mu.Unlock()
}

// Metrics returns a snapshot of the retry statistics.
func (r *Retry) Metrics() RetryMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	reasons := make(map[string]int64, len(r.reasons))
	for k, v := range r.reasons {
		reasons[k] = v
	}
	return RetryMetrics{
		TotalCalls:      r.total,
		SuccessfulCalls: r.succeeded,
		FailedCalls:     r.failed,
		AverageRetries:  r.avgRetries,
		MaxRetries:      r.maxRetries,
		FailureReasons:  reasons,
		LastRetryAt:     r.lastRetryAt,
	}
}

// ResetMetrics clears the retry statistics.
func (r *Retry) ResetMetrics() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total, r.succeeded, r.failed = 0, 0, 0
	r.avgRetries = 0
	r.maxRetries = 0
	r.reasons = make(map[string]int64)
	r.lastRetryAt = time.Time{}
}

// Config returns the retry configuration.
func (r *Retry) Config() RetryConfig {
	return r.config
}

// RetryMetrics contains retry statistics. AverageRetries and MaxRetries are
// only updated by calls that eventually succeeded.
type RetryMetrics struct {
	TotalCalls      int64            `json:"total_calls"`
	SuccessfulCalls int64            `json:"successful_calls"`
	FailedCalls     int64            `json:"failed_calls"`
	AverageRetries  float64          `json:"average_retries"`
	MaxRetries      int              `json:"max_retries"`
	FailureReasons  map[string]int64 `json:"failure_reasons"`
	LastRetryAt     time.Time        `json:"last_retry_at,omitzero"`
}

// codedError attaches a stable code to an error.
type codedError struct {
	err  error
	code string
}

func (e *codedError) Error() string     { return e.err.Error() }
func (e *codedError) Unwrap() error     { return e.err }
func (e *codedError) ErrorCode() string { return e.code }

// WithCode returns err annotated with a stable code for classification.
func WithCode(err error, code string) error {
	if err == nil {
		return nil
	}
	return &codedError{err: err, code: code}
}

var errnoNames = map[syscall.Errno]string{
	syscall.ECONNRESET:   "ECONNRESET",
	syscall.ECONNREFUSED: "ECONNREFUSED",
	syscall.ECONNABORTED: "ECONNABORTED",
	syscall.ETIMEDOUT:    "ETIMEDOUT",
	syscall.EPIPE:        "EPIPE",
	syscall.EHOSTUNREACH: "EHOSTUNREACH",
	syscall.ENETUNREACH:  "ENETUNREACH",
}

// ErrorCode returns the stable code carried by err, if any. It understands
// errors with an ErrorCode() or Code() string method, syscall errnos and
// ErrTimeout.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var ec interface{ ErrorCode() string }
	if errors.As(err, &ec) {
		if code := ec.ErrorCode(); code != "" {
			return code
		}
	}

	var c interface{ Code() string }
	if errors.As(err, &c) {
		if code := c.Code(); code != "" {
			return code
		}
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if name, ok := errnoNames[errno]; ok {
			return name
		}
	}

	if errors.Is(err, ErrTimeout) {
		return "ETIMEDOUT"
	}
	return ""
}
