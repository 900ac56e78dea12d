package observe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	found := findMetric(rm, name)
	if found == nil {
		return 0
	}
	sum, ok := found.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: expected Sum[int64], got %T", name, found.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_RecordOperation(t *testing.T) {
	m, reader := newTestMetrics(t)
	meta := OpMeta{Resource: "primary", Name: "select_user"}

	m.RecordOperation(context.Background(), meta, 12*time.Millisecond, nil)
	m.RecordOperation(context.Background(), meta, 40*time.Millisecond, errors.New("deadlock"))

	rm := collect(t, reader)
	if got := sumOf(t, rm, "db.op.total"); got != 2 {
		t.Errorf("db.op.total = %d, want 2", got)
	}
	if got := sumOf(t, rm, "db.op.errors"); got != 1 {
		t.Errorf("db.op.errors = %d, want 1", got)
	}

	hist := findMetric(rm, "db.op.duration_ms")
	if hist == nil {
		t.Fatal("db.op.duration_ms metric not found")
	}
	h, ok := hist.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64], got %T", hist.Data)
	}
	if len(h.DataPoints) != 1 || h.DataPoints[0].Count != 2 {
		t.Errorf("duration histogram = %+v, want one point with count 2", h.DataPoints)
	}
	if h.DataPoints[0].Sum != 52 {
		t.Errorf("duration sum = %v, want 52", h.DataPoints[0].Sum)
	}
}

func TestMetrics_OperationLabels(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordOperation(context.Background(), OpMeta{Resource: "primary", Schema: "billing", Name: "insert"}, time.Millisecond, nil)

	rm := collect(t, reader)
	found := findMetric(rm, "db.op.total")
	if found == nil {
		t.Fatal("db.op.total metric not found")
	}
	dp := found.Data.(metricdata.Sum[int64]).DataPoints[0]

	want := map[attribute.Key]string{
		"db.operation": "insert",
		"db.resource":  "primary",
		"db.schema":    "billing",
	}
	for k, v := range want {
		got, ok := dp.Attributes.Value(k)
		if !ok {
			t.Errorf("attribute %s missing", k)
			continue
		}
		if got.AsString() != v {
			t.Errorf("attribute %s = %q, want %q", k, got.AsString(), v)
		}
	}
}

func TestMetrics_BreakerAndRetry(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStateChange(ctx, "primary", "CLOSED", "OPEN")
	m.RecordRejection(ctx, "primary", "open")
	m.RecordRejection(ctx, "primary", "half_open_limit")
	m.RecordRetry(ctx, OpMeta{Name: "q"}, "ER_LOCK_DEADLOCK", 150*time.Millisecond)
	m.RecordAlert(ctx, "low-health", "critical")

	rm := collect(t, reader)
	tests := []struct {
		name string
		want int64
	}{
		{"db.breaker.transitions", 1},
		{"db.breaker.rejections", 2},
		{"db.retry.total", 1},
		{"db.alerts.fired", 1},
	}
	for _, tt := range tests {
		if got := sumOf(t, rm, tt.name); got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestMetrics_HealthScoreGauge(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordHealthScore(context.Background(), "primary", 95)
	m.RecordHealthScore(context.Background(), "primary", 70)

	rm := collect(t, reader)
	found := findMetric(rm, "db.health.score")
	if found == nil {
		t.Fatal("db.health.score metric not found")
	}
	g, ok := found.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("expected Gauge[int64], got %T", found.Data)
	}
	if len(g.DataPoints) != 1 || g.DataPoints[0].Value != 70 {
		t.Errorf("health score = %+v, want 70", g.DataPoints)
	}
}

func TestMetrics_ConcurrentRecording(t *testing.T) {
	m, reader := newTestMetrics(t)
	const numGoroutines = 100

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordOperation(context.Background(), OpMeta{Name: "ping"}, time.Millisecond, nil)
		}()
	}
	wg.Wait()

	if got := sumOf(t, collect(t, reader), "db.op.total"); got != numGoroutines {
		t.Errorf("db.op.total = %d, want %d", got, numGoroutines)
	}
}

func TestNopMetrics(t *testing.T) {
	m := NopMetrics()
	m.RecordOperation(context.Background(), OpMeta{Name: "x"}, time.Second, errors.New("x"))
	m.RecordHealthScore(context.Background(), "x", 0)
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}
