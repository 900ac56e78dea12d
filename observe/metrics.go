package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records resilience telemetry for database operations.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Context: must return quickly; callers pass a detached context when the
//     original caller may already be gone.
//   - Errors: implementations must not panic.
type Metrics interface {
	// RecordOperation records one attempt of an operation.
	RecordOperation(ctx context.Context, meta OpMeta, duration time.Duration, err error)

	// RecordRetry records a scheduled retry and the reason it was retried.
	RecordRetry(ctx context.Context, meta OpMeta, reason string, delay time.Duration)

	// RecordStateChange records a circuit breaker transition.
	RecordStateChange(ctx context.Context, breaker, from, to string)

	// RecordRejection records a call refused by the circuit breaker.
	RecordRejection(ctx context.Context, breaker, reason string)

	// RecordHealthScore records the latest health score of a resource.
	RecordHealthScore(ctx context.Context, resource string, score int)

	// RecordAlert records a fired alert.
	RecordAlert(ctx context.Context, rule, severity string)
}

type metricsImpl struct {
	opTotal     metric.Int64Counter
	opErrors    metric.Int64Counter
	opDuration  metric.Float64Histogram
	retries     metric.Int64Counter
	retryDelay  metric.Float64Histogram
	transitions metric.Int64Counter
	rejections  metric.Int64Counter
	healthScore metric.Int64Gauge
	alertsFired metric.Int64Counter
}

// NewMetrics creates the resilience instruments on meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	m := &metricsImpl{}
	var err error

	if m.opTotal, err = meter.Int64Counter(
		"db.op.total",
		metric.WithDescription("Total number of database operation attempts"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}

	if m.opErrors, err = meter.Int64Counter(
		"db.op.errors",
		metric.WithDescription("Total number of failed database operation attempts"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}

	if m.opDuration, err = meter.Float64Histogram(
		"db.op.duration_ms",
		metric.WithDescription("Database operation attempt duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	if m.retries, err = meter.Int64Counter(
		"db.retry.total",
		metric.WithDescription("Total number of scheduled retries"),
		metric.WithUnit("{retry}"),
	); err != nil {
		return nil, err
	}

	if m.retryDelay, err = meter.Float64Histogram(
		"db.retry.delay_ms",
		metric.WithDescription("Backoff delay before a retry in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	if m.transitions, err = meter.Int64Counter(
		"db.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}

	if m.rejections, err = meter.Int64Counter(
		"db.breaker.rejections",
		metric.WithDescription("Calls rejected by the circuit breaker"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}

	if m.healthScore, err = meter.Int64Gauge(
		"db.health.score",
		metric.WithDescription("Derived 0-100 health score of the connection pool"),
	); err != nil {
		return nil, err
	}

	if m.alertsFired, err = meter.Int64Counter(
		"db.alerts.fired",
		metric.WithDescription("Alerts fired by the alerting engine"),
		metric.WithUnit("{alert}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// MetricsFromObserver creates Metrics on the observer's meter.
func MetricsFromObserver(obs Observer) (Metrics, error) {
	if obs == nil {
		return nil, ErrNilObserver
	}
	return NewMetrics(obs.Meter())
}

func (m *metricsImpl) RecordOperation(ctx context.Context, meta OpMeta, duration time.Duration, err error) {
	opt := metric.WithAttributes(meta.attributes()...)

	m.opTotal.Add(ctx, 1, opt)
	if err != nil {
		m.opErrors.Add(ctx, 1, opt)
	}
	m.opDuration.Record(ctx, float64(duration.Microseconds())/1000, opt)
}

func (m *metricsImpl) RecordRetry(ctx context.Context, meta OpMeta, reason string, delay time.Duration) {
	attrs := append(meta.attributes(), attribute.String("retry.reason", reason))
	opt := metric.WithAttributes(attrs...)

	m.retries.Add(ctx, 1, opt)
	m.retryDelay.Record(ctx, float64(delay.Milliseconds()), opt)
}

func (m *metricsImpl) RecordStateChange(ctx context.Context, breaker, from, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker.name", breaker),
		attribute.String("breaker.from", from),
		attribute.String("breaker.to", to),
	))
}

func (m *metricsImpl) RecordRejection(ctx context.Context, breaker, reason string) {
	m.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker.name", breaker),
		attribute.String("breaker.reason", reason),
	))
}

func (m *metricsImpl) RecordHealthScore(ctx context.Context, resource string, score int) {
	m.healthScore.Record(ctx, int64(score), metric.WithAttributes(
		attribute.String("db.resource", resource),
	))
}

func (m *metricsImpl) RecordAlert(ctx context.Context, rule, severity string) {
	m.alertsFired.Add(ctx, 1, metric.WithAttributes(
		attribute.String("alert.rule", rule),
		attribute.String("alert.severity", severity),
	))
}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics {
	return noopMetrics{}
}

type noopMetrics struct{}

func (noopMetrics) RecordOperation(context.Context, OpMeta, time.Duration, error) {}
func (noopMetrics) RecordRetry(context.Context, OpMeta, string, time.Duration)    {}
func (noopMetrics) RecordStateChange(context.Context, string, string, string)     {}
func (noopMetrics) RecordRejection(context.Context, string, string)               {}
func (noopMetrics) RecordHealthScore(context.Context, string, int)                {}
func (noopMetrics) RecordAlert(context.Context, string, string)                   {}
