package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonwraymond/dbguard/clock"
	"github.com/jonwraymond/dbguard/internal/window"
	"github.com/jonwraymond/dbguard/observe"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means the circuit is operating normally.
	StateClosed State = iota
	// StateOpen means the circuit is blocking all requests.
	StateOpen
	// StateHalfOpen means the circuit is testing if the resource recovered.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half-open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("resilience: unknown circuit state %q", text)
	}
	return nil
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the protected resource in errors and logs.
	// Default: "default"
	Name string

	// FailureThreshold is the number of failures inside MonitoringPeriod
	// that opens the circuit.
	// Default: 5
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a trial call
	// is admitted.
	// Default: 30 seconds
	ResetTimeout time.Duration

	// MonitoringPeriod is the sliding window failures are counted in.
	// Default: 60 seconds
	MonitoringPeriod time.Duration

	// HalfOpenLimit is the max concurrent trial calls in half-open state.
	// Default: 1
	HalfOpenLimit int

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(from, to State)

	// IsFailure determines if an error should count as a failure.
	// Default: all non-nil errors are failures.
	IsFailure func(err error) bool

	// Clock drives the window and reset timeout.
	// Default: clock.Real()
	Clock clock.Clock

	// Logger receives transition and failure entries.
	// Default: observe.NopLogger()
	Logger observe.Logger
}

// CircuitBreaker implements the circuit breaker pattern.
//
// Contract:
//   - Concurrency: safe for concurrent use. Pruning, the threshold check and
//     the resulting transition happen in one critical section, so a
//     threshold crossing produces exactly one transition.
//   - Context: a context.Canceled result is neither a failure nor a success.
//   - Errors: errors from the operation are returned unchanged.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	clock  clock.Clock
	logger observe.Logger

	mu               sync.Mutex
	state            State
	generation       uint64
	failures         *window.Window[time.Time]
	consecutive      int
	lastStateChange  time.Time
	lastFailure      time.Time
	halfOpenInFlight int

	total     int64
	succeeded int64
	failed    int64
	rejected  int64
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.Name == "" {
		config.Name = "default"
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.MonitoringPeriod <= 0 {
		config.MonitoringPeriod = 60 * time.Second
	}
	if config.HalfOpenLimit <= 0 {
		config.HalfOpenLimit = 1
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}

	c := clock.OrReal(config.Clock)
	return &CircuitBreaker{
		config:          config,
		clock:           c,
		logger:          observe.OrNop(config.Logger).With(observe.Field{Key: "breaker", Value: config.Name}),
		state:           StateClosed,
		failures:        window.New[time.Time](config.FailureThreshold),
		lastStateChange: c.Now(),
	}
}

// ticket records what a call was admitted under.
type ticket struct {
	generation uint64
	trial      bool
}

type transition struct {
	from, to State
	reason   string
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored
)

// Execute runs the operation through the circuit breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	t, err := cb.admit(ctx)
	if err != nil {
		return err
	}

	settled := false
	defer func() {
		// op panicked or called runtime.Goexit.
		if !settled {
			cb.settle(ctx, t, errPanicked)
		}
	}()

	err = op(ctx)
	settled = true
	cb.settle(ctx, t, err)
	return err
}

// errPanicked settles a call whose operation never returned. It always
// counts as a failure.
var errPanicked = errors.New("resilience: operation panicked")

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// State returns the current circuit state. It never transitions; an open
// circuit whose reset timeout has elapsed still reads as open until the next
// call is admitted as a trial.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the circuit closed and zeroes every counter.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var changes []transition
	if cb.state != StateClosed {
		changes = append(changes, cb.transitionLocked(StateClosed, cb.clock.Now(), "reset"))
	} else {
		cb.generation++
	}
	cb.failures.Reset()
	cb.consecutive = 0
	cb.halfOpenInFlight = 0
	cb.lastFailure = time.Time{}
	cb.total, cb.succeeded, cb.failed, cb.rejected = 0, 0, 0, 0
	cb.mu.Unlock()

	cb.emit(context.Background(), changes)
}

func (cb *CircuitBreaker) admit(ctx context.Context) (ticket, error) {
	cb.mu.Lock()
	now := cb.clock.Now()
	cb.total++

	var changes []transition
	if cb.state == StateOpen {
		elapsed := now.Sub(cb.lastStateChange)
		if elapsed <= cb.config.ResetTimeout {
			cb.rejected++
			cb.mu.Unlock()
			return ticket{}, &CircuitOpenError{Name: cb.config.Name, RetryAfter: cb.config.ResetTimeout - elapsed}
		}
		changes = append(changes, cb.transitionLocked(StateHalfOpen, now, "reset timeout elapsed"))
	}

	t := ticket{generation: cb.generation}
	if cb.state == StateHalfOpen {
		if cb.halfOpenInFlight >= cb.config.HalfOpenLimit {
			cb.rejected++
			cb.mu.Unlock()
			cb.emit(ctx, changes)
			return ticket{}, &HalfOpenLimitError{Name: cb.config.Name, Limit: cb.config.HalfOpenLimit}
		}
		cb.halfOpenInFlight++
		t.trial = true
	}
	cb.mu.Unlock()

	cb.emit(ctx, changes)
	return t, nil
}

func (cb *CircuitBreaker) settle(ctx context.Context, t ticket, err error) {
	result := cb.classify(err)

	cb.mu.Lock()
	now := cb.clock.Now()
	current := t.generation == cb.generation
	if t.trial && current {
		cb.halfOpenInFlight--
	}

	var changes []transition
	var windowed int
	switch result {
	case outcomeSuccess:
		cb.succeeded++
		if current {
			cb.consecutive = 0
			cb.pruneLocked(now)
			if cb.state == StateHalfOpen && cb.halfOpenInFlight == 0 {
				changes = append(changes, cb.transitionLocked(StateClosed, now, "trial succeeded"))
			}
		}

	case outcomeFailure:
		cb.failed++
		cb.lastFailure = now
		if current {
			cb.consecutive++
			cb.pruneLocked(now)
			cb.failures.Push(now)
			windowed = cb.failures.Len()
			switch cb.state {
			case StateClosed:
				if windowed >= cb.config.FailureThreshold {
					changes = append(changes, cb.transitionLocked(StateOpen, now, "failure threshold reached"))
				}
			case StateHalfOpen:
				changes = append(changes, cb.transitionLocked(StateOpen, now, "trial failed"))
			}
		}
	}
	cb.mu.Unlock()

	if result == outcomeFailure {
		cb.logger.Debug(ctx, "circuit breaker recorded failure",
			observe.Field{Key: "error", Value: err},
			observe.Field{Key: "window_failures", Value: windowed},
			observe.Field{Key: "stale", Value: !current},
		)
	}
	cb.emit(ctx, changes)
}

func (cb *CircuitBreaker) classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case err == errPanicked:
		return outcomeFailure
	case errors.Is(err, context.Canceled):
		return outcomeIgnored
	case cb.config.IsFailure(err):
		return outcomeFailure
	default:
		return outcomeSuccess
	}
}

// pruneLocked drops failure timestamps older than the monitoring period.
func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	period := cb.config.MonitoringPeriod
	cb.failures.DropWhile(func(ts time.Time) bool {
		return now.Sub(ts) > period
	})
}

// transitionLocked is the only place state changes. Every transition starts
// a new generation so results of calls admitted earlier cannot drive the new
// state.
func (cb *CircuitBreaker) transitionLocked(to State, now time.Time, reason string) transition {
	from := cb.state
	cb.state = to
	cb.generation++
	cb.lastStateChange = now
	cb.halfOpenInFlight = 0
	if to == StateClosed {
		cb.failures.Reset()
		cb.consecutive = 0
	}
	return transition{from: from, to: to, reason: reason}
}

func (cb *CircuitBreaker) emit(ctx context.Context, changes []transition) {
	for _, c := range changes {
		fields := []observe.Field{
			{Key: "from", Value: c.from.String()},
			{Key: "to", Value: c.to.String()},
			{Key: "reason", Value: c.reason},
		}
		if c.to == StateOpen {
			cb.logger.Warn(ctx, "circuit breaker opened", fields...)
		} else {
			cb.logger.Info(ctx, "circuit breaker state changed", fields...)
		}
		if cb.config.OnStateChange != nil {
			cb.config.OnStateChange(c.from, c.to)
		}
	}
}

// Metrics returns a snapshot of the circuit breaker counters.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	windowed := 0
	cb.failures.Each(func(ts time.Time) bool {
		if now.Sub(ts) <= cb.config.MonitoringPeriod {
			windowed++
		}
		return true
	})

	m := CircuitBreakerMetrics{
		Name:                cb.config.Name,
		State:               cb.state,
		Failures:            windowed,
		ConsecutiveFailures: cb.consecutive,
		HalfOpenInFlight:    cb.halfOpenInFlight,
		TotalRequests:       cb.total,
		SuccessfulRequests:  cb.succeeded,
		FailedRequests:      cb.failed,
		RejectedRequests:    cb.rejected,
		LastStateChange:     cb.lastStateChange,
		LastFailure:         cb.lastFailure,
	}
	if cb.state == StateOpen {
		m.NextAttempt = cb.lastStateChange.Add(cb.config.ResetTimeout)
	}
	return m
}

// CircuitBreakerMetrics contains circuit breaker statistics.
type CircuitBreakerMetrics struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	Failures            int       `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HalfOpenInFlight    int       `json:"half_open_in_flight"`
	TotalRequests       int64     `json:"total_requests"`
	SuccessfulRequests  int64     `json:"successful_requests"`
	FailedRequests      int64     `json:"failed_requests"`
	RejectedRequests    int64     `json:"rejected_requests"`
	LastStateChange     time.Time `json:"last_state_change"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
	NextAttempt         time.Time `json:"next_attempt,omitzero"`
}
