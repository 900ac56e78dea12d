package health

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusHealthy, "healthy"},
		{StatusDegraded, "degraded"},
		{StatusUnhealthy, "unhealthy"},
		{Status(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("Status.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatus_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(map[string]Status{"s": StatusDegraded})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `{"s":"degraded"}` {
		t.Errorf("Marshal() = %s, want {\"s\":\"degraded\"}", data)
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []Status{StatusHealthy, StatusDegraded, StatusUnhealthy} {
		got, err := ParseStatus(s.String())
		if err != nil || got != s {
			t.Errorf("ParseStatus(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseStatus("fine"); err == nil {
		t.Error("ParseStatus(fine) should fail")
	}
}

func TestStatusFromScore(t *testing.T) {
	tests := []struct {
		score int
		want  Status
	}{
		{100, StatusHealthy},
		{80, StatusHealthy},
		{79, StatusDegraded},
		{50, StatusDegraded},
		{49, StatusUnhealthy},
		{0, StatusUnhealthy},
	}

	for _, tt := range tests {
		if got := StatusFromScore(tt.score); got != tt.want {
			t.Errorf("StatusFromScore(%d) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestResultConstructors(t *testing.T) {
	errDown := errors.New("down")

	tests := []struct {
		name   string
		result Result
		status Status
		err    error
	}{
		{"healthy", Healthy("ok"), StatusHealthy, nil},
		{"degraded", Degraded("slow"), StatusDegraded, nil},
		{"unhealthy", Unhealthy("down", errDown), StatusUnhealthy, errDown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.result.Status != tt.status {
				t.Errorf("Status = %v, want %v", tt.result.Status, tt.status)
			}
			if tt.result.Error != tt.err {
				t.Errorf("Error = %v, want %v", tt.result.Error, tt.err)
			}
			if tt.result.Timestamp.IsZero() {
				t.Error("Timestamp should not be zero")
			}
		})
	}
}

func TestResult_With(t *testing.T) {
	r := Healthy("ok").
		WithDetails(map[string]any{"schema": "orders"}).
		WithDuration(5 * time.Millisecond)

	if r.Details["schema"] != "orders" {
		t.Errorf("Details = %v, want schema=orders", r.Details)
	}
	if r.Duration != 5*time.Millisecond {
		t.Errorf("Duration = %v, want 5ms", r.Duration)
	}
}

func TestCheckerFunc(t *testing.T) {
	checker := NewCheckerFunc("replica", func(ctx context.Context) Result {
		if ctx.Err() != nil {
			return Unhealthy("cancelled", ctx.Err())
		}
		return Healthy("ok")
	})

	if checker.Name() != "replica" {
		t.Errorf("Name() = %v, want replica", checker.Name())
	}
	if got := checker.Check(context.Background()); got.Status != StatusHealthy {
		t.Errorf("Check() = %v, want healthy", got.Status)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := checker.Check(ctx); got.Status != StatusUnhealthy {
		t.Errorf("Check(cancelled) = %v, want unhealthy", got.Status)
	}
}

type stubPinger struct{ err error }

func (p stubPinger) PingContext(context.Context) error { return p.err }

func TestPingChecker(t *testing.T) {
	ok := NewPingChecker("", stubPinger{})
	if ok.Name() != "ping" {
		t.Errorf("Name() = %q, want ping", ok.Name())
	}
	if got := ok.Check(context.Background()); got.Status != StatusHealthy {
		t.Errorf("Check() = %v, want healthy", got.Status)
	}

	refused := errors.New("connection refused")
	down := NewPingChecker("primary", stubPinger{err: refused})
	got := down.Check(context.Background())
	if got.Status != StatusUnhealthy {
		t.Errorf("Check() = %v, want unhealthy", got.Status)
	}
	if !errors.Is(got.Error, ErrCheckFailed) || !errors.Is(got.Error, refused) {
		t.Errorf("Error = %v, want ErrCheckFailed wrapping the ping error", got.Error)
	}
}
