package resilience

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonwraymond/dbguard/clock"
	"github.com/jonwraymond/dbguard/observe"
)

var errDB = errors.New("db unavailable")

func failing(ctx context.Context) error    { return errDB }
func succeeding(ctx context.Context) error { return nil }

func newTestBreaker(fake *clock.Fake, cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.Clock = fake
	return NewCircuitBreaker(cfg)
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})

	if cb.State() != StateClosed {
		t.Errorf("Initial state = %v, want closed", cb.State())
	}
	if cb.config.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cb.config.FailureThreshold)
	}
	if cb.config.ResetTimeout != 30*time.Second {
		t.Errorf("ResetTimeout = %v, want 30s", cb.config.ResetTimeout)
	}
	if cb.config.MonitoringPeriod != time.Minute {
		t.Errorf("MonitoringPeriod = %v, want 1m", cb.config.MonitoringPeriod)
	}
	if cb.config.HalfOpenLimit != 1 {
		t.Errorf("HalfOpenLimit = %d, want 1", cb.config.HalfOpenLimit)
	}
	if cb.Name() != "default" {
		t.Errorf("Name() = %q, want default", cb.Name())
	}
}

// Three failures open the breaker; a call at 500ms is rejected and a call
// at 1500ms is admitted as a half-open trial.
func TestCircuitBreaker_OpenThenHalfOpenScenario(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	cb := newTestBreaker(fake, CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Second,
	})

	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), failing); !errors.Is(err, errDB) {
			t.Fatalf("Execute() error = %v, want %v", err, errDB)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("After 3 failures, state = %v, want open", cb.State())
	}

	fake.Advance(500 * time.Millisecond)
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		t.Error("operation must not run while open")
		return nil
	})
	var coe *CircuitOpenError
	if !errors.As(err, &coe) {
		t.Fatalf("Execute() at 500ms = %v, want *CircuitOpenError", err)
	}
	if coe.RetryAfter != 500*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 500ms", coe.RetryAfter)
	}

	fake.Advance(time.Second)
	var sawState State
	err = cb.Execute(context.Background(), func(ctx context.Context) error {
		sawState = cb.State()
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() at 1500ms = %v, want nil", err)
	}
	if sawState != StateHalfOpen {
		t.Errorf("state during trial = %v, want half-open", sawState)
	}
	if cb.State() != StateClosed {
		t.Errorf("state after successful trial = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_StateIsPureRead(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cb := newTestBreaker(fake, CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})

	_ = cb.Execute(context.Background(), failing)
	fake.Advance(time.Hour)

	if cb.State() != StateOpen {
		t.Errorf("State() = %v, want open until a call is made", cb.State())
	}
}

func TestCircuitBreaker_ExactlyOneOpenTransition(t *testing.T) {
	var transitions atomic.Int32
	var logs bytes.Buffer
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     time.Hour,
		Logger:           observe.NewLoggerWithWriter("info", &logs),
		OnStateChange: func(from, to State) {
			if to == StateOpen {
				transitions.Add(1)
			}
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(context.Background(), failing)
		}()
	}
	wg.Wait()

	if got := transitions.Load(); got != 1 {
		t.Errorf("open transitions = %d, want 1", got)
	}
	if got := strings.Count(logs.String(), "circuit breaker opened"); got != 1 {
		t.Errorf("open log entries = %d, want 1", got)
	}

	m := cb.Metrics()
	if m.TotalRequests != 100 {
		t.Errorf("TotalRequests = %d, want 100", m.TotalRequests)
	}
	if m.FailedRequests+m.RejectedRequests != 100 {
		t.Errorf("failed %d + rejected %d, want 100", m.FailedRequests, m.RejectedRequests)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cb := newTestBreaker(fake, CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		HalfOpenLimit:    3,
	})

	_ = cb.Execute(context.Background(), failing)
	fake.Advance(2 * time.Second)

	// Two trials in flight: the first succeeds, the second fails last.
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return errDB
		})
		close(done)
	}()
	<-started

	if err := cb.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("trial Execute() = %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state with a trial still in flight = %v, want half-open", cb.State())
	}

	close(release)
	<-done
	if cb.State() != StateOpen {
		t.Errorf("state after last trial failed = %v, want open", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenLimit(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cb := newTestBreaker(fake, CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		HalfOpenLimit:    1,
	})

	_ = cb.Execute(context.Background(), failing)
	fake.Advance(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
		close(done)
	}()
	<-started

	err := cb.Execute(context.Background(), succeeding)
	if !errors.Is(err, ErrHalfOpenLimit) {
		t.Errorf("second trial = %v, want ErrHalfOpenLimit", err)
	}

	close(release)
	<-done
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
	if got := cb.Metrics().RejectedRequests; got != 1 {
		t.Errorf("RejectedRequests = %d, want 1", got)
	}
}

func TestCircuitBreaker_PanickingTrialReleasesSlot(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cb := newTestBreaker(fake, CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		HalfOpenLimit:    1,
	})

	_ = cb.Execute(context.Background(), failing)
	fake.Advance(2 * time.Second)

	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Errorf("recover() = %v, want boom", r)
			}
		}()
		_ = cb.Execute(context.Background(), func(ctx context.Context) error {
			panic("boom")
		})
	}()

	if cb.State() != StateOpen {
		t.Errorf("state after panicking trial = %v, want open", cb.State())
	}
	m := cb.Metrics()
	if m.HalfOpenInFlight != 0 {
		t.Errorf("HalfOpenInFlight = %d, want 0", m.HalfOpenInFlight)
	}
	if m.FailedRequests != 2 {
		t.Errorf("FailedRequests = %d, want 2", m.FailedRequests)
	}

	fake.Advance(2 * time.Second)
	if err := cb.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("trial after panic = %v, want nil", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cb := newTestBreaker(fake, CircuitBreakerConfig{
		FailureThreshold: 1,
		IsFailure:        func(error) bool { return false },
	})

	func() {
		defer func() { _ = recover() }()
		_ = cb.Execute(context.Background(), func(ctx context.Context) error {
			panic("boom")
		})
	}()

	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open", cb.State())
	}
}

func TestCircuitBreaker_MonitoringPeriodPrunesFailures(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cb := newTestBreaker(fake, CircuitBreakerConfig{
		FailureThreshold: 3,
		MonitoringPeriod: 10 * time.Second,
	})

	_ = cb.Execute(context.Background(), failing)
	_ = cb.Execute(context.Background(), failing)
	fake.Advance(11 * time.Second)
	_ = cb.Execute(context.Background(), failing)

	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed: earlier failures left the window", cb.State())
	}
	if got := cb.Metrics().Failures; got != 1 {
		t.Errorf("Metrics.Failures = %d, want 1", got)
	}
}

func TestCircuitBreaker_CanceledIsIgnored(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() = %v, want context.Canceled", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
	m := cb.Metrics()
	if m.FailedRequests != 0 || m.SuccessfulRequests != 0 {
		t.Errorf("metrics = %+v, want no success or failure", m)
	}
}

func TestCircuitBreaker_IsFailure(t *testing.T) {
	notFound := errors.New("record not found")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, notFound)
		},
	})

	err := cb.Execute(context.Background(), func(ctx context.Context) error { return notFound })
	if !errors.Is(err, notFound) {
		t.Fatalf("Execute() = %v, want %v", err, notFound)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsConsecutive(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 5})

	_ = cb.Execute(context.Background(), failing)
	_ = cb.Execute(context.Background(), failing)
	_ = cb.Execute(context.Background(), succeeding)

	m := cb.Metrics()
	if m.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", m.ConsecutiveFailures)
	}
	if m.Failures != 2 {
		t.Errorf("Failures = %d, want 2 (window is time based)", m.Failures)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	var changes []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		OnStateChange: func(from, to State) {
			changes = append(changes, from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), failing)
	_ = cb.Execute(context.Background(), succeeding)
	cb.Reset()

	if cb.State() != StateClosed {
		t.Errorf("state after Reset = %v, want closed", cb.State())
	}
	m := cb.Metrics()
	if m.TotalRequests != 0 || m.FailedRequests != 0 || m.RejectedRequests != 0 || m.Failures != 0 {
		t.Errorf("metrics after Reset = %+v, want zeroed", m)
	}

	want := []string{"closed->open", "open->closed"}
	if strings.Join(changes, ",") != strings.Join(want, ",") {
		t.Errorf("transitions = %v, want %v", changes, want)
	}
}

func TestCircuitBreaker_StaleResultDoesNotDriveNewState(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cb := newTestBreaker(fake, CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return errDB
		})
		close(done)
	}()
	<-started

	// Open and reset while the slow call is in flight.
	_ = cb.Execute(context.Background(), failing)
	cb.Reset()

	close(release)
	<-done
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed: stale failure must not reopen", cb.State())
	}
}

func TestCircuitBreaker_MetricsNextAttempt(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cb := newTestBreaker(fake, CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})

	_ = cb.Execute(context.Background(), failing)

	m := cb.Metrics()
	if m.State != StateOpen {
		t.Fatalf("State = %v, want open", m.State)
	}
	if want := time.Unix(1, 0); !m.NextAttempt.Equal(want) {
		t.Errorf("NextAttempt = %v, want %v", m.NextAttempt, want)
	}
	if !m.LastFailure.Equal(time.Unix(0, 0)) {
		t.Errorf("LastFailure = %v", m.LastFailure)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
		text, _ := tt.state.MarshalText()
		if string(text) != tt.want {
			t.Errorf("MarshalText() = %q, want %q", text, tt.want)
		}
	}
}

func TestState_UnmarshalText(t *testing.T) {
	for _, want := range []State{StateClosed, StateOpen, StateHalfOpen} {
		var got State
		if err := got.UnmarshalText([]byte(want.String())); err != nil || got != want {
			t.Errorf("UnmarshalText(%q) = %v, %v; want %v", want.String(), got, err, want)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("ajar")); err == nil {
		t.Error("UnmarshalText(ajar) error = nil, want error")
	}
}
