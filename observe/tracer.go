package observe

import (
	"context"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// maxStatementLen bounds statement text attached to spans.
const maxStatementLen = 200

// OpMeta describes a database operation for telemetry purposes.
type OpMeta struct {
	Resource  string // Protected resource, usually the breaker name
	Schema    string // Schema or logical database (may be empty)
	Name      string // Operation label (required)
	Statement string // Statement text (optional, truncated)
}

// SpanName returns the deterministic span name for this operation.
// Format: db.<schema>.<name> or db.<name>
func (m OpMeta) SpanName() string {
	if m.Schema != "" {
		return "db." + m.Schema + "." + m.Name
	}
	return "db." + m.Name
}

// Label returns the operation label qualified by schema.
func (m OpMeta) Label() string {
	if m.Schema != "" {
		return m.Schema + "." + m.Name
	}
	return m.Name
}

func (m OpMeta) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("db.operation", m.Name),
	}
	if m.Resource != "" {
		attrs = append(attrs, attribute.String("db.resource", m.Resource))
	}
	if m.Schema != "" {
		attrs = append(attrs, attribute.String("db.schema", m.Schema))
	}
	return attrs
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// Tracer wraps OpenTelemetry tracing with operation span management.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	// StartSpan starts a new span for an operation.
	StartSpan(ctx context.Context, meta OpMeta) (context.Context, trace.Span)

	// EndSpan ends the span, recording any error.
	EndSpan(span trace.Span, err error)
}

type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer wraps an OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	if t == nil {
		return NopTracer()
	}
	return &tracerImpl{tracer: t}
}

func (t *tracerImpl) StartSpan(ctx context.Context, meta OpMeta) (context.Context, trace.Span) {
	attrs := meta.attributes()
	if meta.Statement != "" {
		attrs = append(attrs, attribute.String("db.statement", Truncate(meta.Statement, maxStatementLen)))
	}

	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

type noopTracer struct {
	noop trace.Tracer
}

// NopTracer returns a tracer that records nothing.
func NopTracer() Tracer {
	return &noopTracer{
		noop: tracenoop.NewTracerProvider().Tracer("noop"),
	}
}

func (t *noopTracer) StartSpan(ctx context.Context, meta OpMeta) (context.Context, trace.Span) {
	return t.noop.Start(ctx, meta.SpanName())
}

func (t *noopTracer) EndSpan(span trace.Span, _ error) {
	span.End()
}
