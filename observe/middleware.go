package observe

import (
	"context"
	"time"
)

// ExecuteFunc is the signature of one instrumented database attempt.
type ExecuteFunc func(ctx context.Context, meta OpMeta) error

// Middleware wraps database attempts with tracing, metrics and logging.
//
// Contract:
//   - Concurrency: Wrap returns a function safe for concurrent use.
//   - Context: spans are children of the caller's span; metrics and logs use
//     a context detached from caller cancellation so abandoned calls are
//     still accounted for.
//   - Errors: errors from the wrapped function are propagated unchanged.
type Middleware struct {
	tracer  Tracer
	metrics Metrics
	logger  Logger
}

// NewMiddleware creates a Middleware. Nil components are replaced by no-ops.
func NewMiddleware(tracer Tracer, metrics Metrics, logger Logger) *Middleware {
	if tracer == nil {
		tracer = NopTracer()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Middleware{
		tracer:  tracer,
		metrics: metrics,
		logger:  OrNop(logger),
	}
}

// MiddlewareFromObserver creates a Middleware from an Observer.
func MiddlewareFromObserver(obs Observer) (*Middleware, error) {
	if obs == nil {
		return nil, ErrNilObserver
	}

	metrics, err := NewMetrics(obs.Meter())
	if err != nil {
		return nil, err
	}

	return NewMiddleware(NewTracer(obs.Tracer()), metrics, obs.Logger()), nil
}

// Metrics returns the metrics sink used by the middleware.
func (m *Middleware) Metrics() Metrics {
	return m.metrics
}

// Logger returns the logger used by the middleware.
func (m *Middleware) Logger() Logger {
	return m.logger
}

// Wrap wraps fn with a span, an attempt metric and a log entry.
func (m *Middleware) Wrap(fn ExecuteFunc) ExecuteFunc {
	return func(ctx context.Context, meta OpMeta) error {
		if meta.Name == "" {
			return ErrMissingOperationName
		}

		ctx, span := m.tracer.StartSpan(ctx, meta)
		start := time.Now()

		err := fn(ctx, meta)

		duration := time.Since(start)
		m.tracer.EndSpan(span, err)

		bg := context.WithoutCancel(ctx)
		m.metrics.RecordOperation(bg, meta, duration, err)

		fields := []Field{
			{Key: "db.operation", Value: meta.Label()},
			{Key: "duration_ms", Value: float64(duration.Microseconds()) / 1000},
		}
		if err != nil {
			fields = append(fields, Field{Key: "error", Value: err.Error()})
			m.logger.Warn(bg, "database attempt failed", fields...)
		} else {
			m.logger.Debug(bg, "database attempt completed", fields...)
		}

		return err
	}
}
