package resilience

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/jonwraymond/dbguard/clock"
)

var errDeadlock = WithCode(errors.New("Deadlock found when trying to get lock"), "ER_LOCK_DEADLOCK")

func TestNewRetry_Defaults(t *testing.T) {
	r := NewRetry(RetryConfig{})
	cfg := r.Config()

	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.InitialDelay != 100*time.Millisecond {
		t.Errorf("InitialDelay = %v, want 100ms", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 5*time.Second {
		t.Errorf("MaxDelay = %v, want 5s", cfg.MaxDelay)
	}
	if cfg.Factor != 2.0 {
		t.Errorf("Factor = %v, want 2", cfg.Factor)
	}
	if len(cfg.RetryableErrors) != len(DefaultRetryableErrors) {
		t.Errorf("RetryableErrors = %v, want defaults", cfg.RetryableErrors)
	}
}

// Two failures then success with 100ms/200ms backoff.

func TestNewRetry_NoRetries(t *testing.T) {
	r := NewRetry(RetryConfig{MaxRetries: NoRetries, InitialDelay: time.Millisecond})
	if got := r.Config().MaxRetries; got != 0 {
		t.Errorf("MaxRetries = %d, want 0", got)
	}

	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return errDeadlock
	})
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if !errors.Is(err, ErrRetryExhausted) || !errors.Is(err, errDeadlock) {
		t.Errorf("Execute() = %v, want exhausted deadlock", err)
	}
}
func TestRetry_SuccessAfterTwoRetriesScenario(t *testing.T) {
	r := NewRetry(RetryConfig{
		MaxRetries:   2,
		InitialDelay: 100 * time.Millisecond,
		Factor:       2,
	})

	attempts := 0
	start := time.Now()
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts <= 2 {
			return errDeadlock
		}
		return nil
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if elapsed < 300*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 300ms", elapsed)
	}

	m := r.Metrics()
	if m.MaxRetries != 2 || m.AverageRetries != 2 {
		t.Errorf("retry depth = max %d avg %v, want 2/2", m.MaxRetries, m.AverageRetries)
	}
	if m.FailureReasons["ER_LOCK_DEADLOCK"] != 2 {
		t.Errorf("FailureReasons = %v, want ER_LOCK_DEADLOCK:2", m.FailureReasons)
	}
	if m.SuccessfulCalls != 1 || m.TotalCalls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", m.SuccessfulCalls, m.TotalCalls)
	}
}

func TestRetry_NonRetryableFailsImmediately(t *testing.T) {
	var callbacks int
	r := NewRetry(RetryConfig{
		InitialDelay: time.Second,
		OnRetry:      func(error, int, time.Duration) { callbacks++ },
	})

	business := errors.New("Duplicate entry 'a@b.c' for key 'email'")
	attempts := 0
	start := time.Now()
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return business
	})

	if err != business {
		t.Errorf("Execute() error = %v, want the original error unchanged", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if callbacks != 0 {
		t.Errorf("OnRetry calls = %d, want 0", callbacks)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("elapsed = %v, want no delay", elapsed)
	}

	m := r.Metrics()
	if len(m.FailureReasons) != 0 || m.MaxRetries != 0 {
		t.Errorf("metrics = %+v, want no retry accounting", m)
	}
	if m.FailedCalls != 1 {
		t.Errorf("FailedCalls = %d, want 1", m.FailedCalls)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	r := NewRetry(RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond})

	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return errDeadlock
	})

	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Execute() error = %v, want *RetryExhaustedError", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", exhausted.Attempts)
	}
	if !errors.Is(err, errDeadlock) {
		t.Error("exhausted error should unwrap to the last error")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}

	m := r.Metrics()
	if m.AverageRetries != 0 || m.MaxRetries != 0 {
		t.Errorf("depth recorded on failure: avg %v max %d", m.AverageRetries, m.MaxRetries)
	}
}

func TestRetry_Classification(t *testing.T) {
	r := NewRetry(RetryConfig{RetryableErrors: []string{"ECONNRESET", "lock wait timeout"}})

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"code match", WithCode(errors.New("boom"), "ECONNRESET"), true},
		{"errno", fmt.Errorf("read tcp: %w", syscall.ECONNRESET), true},
		{"message contains", errors.New("Error 1205: lock wait timeout exceeded"), true},
		{"code must match exactly", WithCode(errors.New("boom"), "ECONNRESET2"), false},
		{"unrelated", errors.New("syntax error"), false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("q: %w", context.DeadlineExceeded), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetry_DelayFormula(t *testing.T) {
	r := NewRetry(RetryConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Factor:       2,
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for n, w := range want {
		if got := r.Delay(n); got != w {
			t.Errorf("Delay(%d) = %v, want %v", n, got, w)
		}
	}

	if got := r.Delay(10000); got != time.Second {
		t.Errorf("Delay(10000) = %v, want MaxDelay", got)
	}
}

func TestRetry_DelayJitterBounds(t *testing.T) {
	r := NewRetry(RetryConfig{
		InitialDelay: 400 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2,
		Jitter:       true,
	})

	for n := 0; n < 4; n++ {
		base := 400 * time.Millisecond << n
		lo, hi := base*3/4, base*5/4
		varied := false
		for i := 0; i < 200; i++ {
			d := r.Delay(n)
			if d < lo || d > hi {
				t.Fatalf("Delay(%d) = %v, want within [%v, %v]", n, d, lo, hi)
			}
			if d%time.Millisecond != 0 {
				t.Fatalf("Delay(%d) = %v, want whole milliseconds", n, d)
			}
			if d != base {
				varied = true
			}
		}
		if !varied {
			t.Errorf("Delay(%d) never varied with jitter enabled", n)
		}
	}
}

func TestRetry_OnRetryCallbacks(t *testing.T) {
	type call struct {
		attempt int
		delay   time.Duration
	}
	var cfgCalls, perCall []call

	r := NewRetry(RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		Factor:       2,
		OnRetry: func(err error, attempt int, delay time.Duration) {
			cfgCalls = append(cfgCalls, call{attempt, delay})
		},
	})

	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errDeadlock
		}
		return nil
	}, WithOnRetry(func(err error, attempt int, delay time.Duration) {
		if !errors.Is(err, errDeadlock) {
			t.Errorf("OnRetry err = %v", err)
		}
		perCall = append(perCall, call{attempt, delay})
	}))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	want := []call{{1, time.Millisecond}, {2, 2 * time.Millisecond}}
	for name, got := range map[string][]call{"config": cfgCalls, "per-call": perCall} {
		if len(got) != len(want) {
			t.Fatalf("%s callbacks = %v, want %v", name, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%s callback %d = %+v, want %+v", name, i, got[i], want[i])
			}
		}
	}
}

func TestRetry_CallOptions(t *testing.T) {
	r := NewRetry(RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond})

	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("custom transient")
	}, WithMaxRetries(1), WithRetryableErrors("custom transient"))

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Execute() error = %v, want ErrRetryExhausted", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRetry_ContextCancellationDuringWait(t *testing.T) {
	r := NewRetry(RetryConfig{MaxRetries: 3, InitialDelay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := r.Execute(ctx, func(ctx context.Context) error {
		return errDeadlock
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Execute() error = %v, want context.Canceled", err)
	}
	if !errors.Is(err, errDeadlock) {
		t.Errorf("Execute() error = %v, want the last attempt error joined", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("cancellation did not abort the wait")
	}
}

func TestRetry_ResetMetrics(t *testing.T) {
	r := NewRetry(RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond})

	_ = r.Execute(context.Background(), func(ctx context.Context) error { return errDeadlock })
	r.ResetMetrics()

	m := r.Metrics()
	if m.TotalCalls != 0 || len(m.FailureReasons) != 0 {
		t.Errorf("metrics after reset = %+v", m)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"with code", WithCode(errors.New("x"), "40001"), "40001"},
		{"wrapped code", fmt.Errorf("tx: %w", WithCode(errors.New("x"), "40P01")), "40P01"},
		{"errno", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), "ECONNREFUSED"},
		{"attempt timeout", ErrTimeout, "ETIMEDOUT"},
		{"plain", errors.New("x"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithCode_Nil(t *testing.T) {
	if WithCode(nil, "X") != nil {
		t.Error("WithCode(nil) should be nil")
	}
}

func TestRetry_LastRetryAtUsesClock(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	r := NewRetry(RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, Clock: fake})

	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return errDeadlock
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}
	if got := r.Metrics().LastRetryAt; !got.Equal(fake.Now()) {
		t.Errorf("LastRetryAt = %v, want %v", got, fake.Now())
	}
}
