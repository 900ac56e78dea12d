package alerting

import (
	"context"
	"strconv"
	"time"

	"github.com/jonwraymond/dbguard/clock"
	"github.com/jonwraymond/dbguard/health"
	"github.com/jonwraymond/dbguard/resilience"
)

// MetricKind names a value a rule can test.
type MetricKind string

const (
	// MetricPoolUtilization is pool utilization in percent.
	MetricPoolUtilization MetricKind = "pool_utilization"
	// MetricPoolErrors is the number of connection errors in the window.
	MetricPoolErrors MetricKind = "pool_errors"
	// MetricSchemaStatus is a schema's health status.
	MetricSchemaStatus MetricKind = "schema_status"
	// MetricSchemaSlowQueries is a schema's slow query count.
	MetricSchemaSlowQueries MetricKind = "schema_slow_queries"
	// MetricSchemaAvgQueryTime is a schema's average query time in
	// milliseconds.
	MetricSchemaAvgQueryTime MetricKind = "schema_avg_query_time"
	// MetricHealthStatus is the worst status over all schemas.
	MetricHealthStatus MetricKind = "health_status"
	// MetricHealthScore is a schema's health score, or the lowest score when
	// no schema is given.
	MetricHealthScore MetricKind = "health_score"
	// MetricCircuitState is the circuit breaker state.
	MetricCircuitState MetricKind = "circuit_state"
)

func (k MetricKind) valid() bool {
	_, ok := extractors[k]
	return ok
}

// Value is an extracted metric. Text metrics also carry a numeric rank so
// that ordering operators work on them: statuses rank healthy 0, degraded 1,
// unhealthy 2 and breaker states closed 0, half-open 1, open 2.
type Value struct {
	Num  float64
	Text string
}

func (v Value) String() string {
	if v.Text != "" {
		return v.Text
	}
	return strconv.FormatFloat(v.Num, 'f', -1, 64)
}

func statusValue(s health.Status) Value {
	return Value{Num: float64(s), Text: s.String()}
}

func circuitValue(s resilience.State) Value {
	return Value{Num: circuitRank(s), Text: s.String()}
}

func circuitRank(s resilience.State) float64 {
	switch s {
	case resilience.StateHalfOpen:
		return 1
	case resilience.StateOpen:
		return 2
	}
	return 0
}

// Snapshot is the view of the database a rule pass evaluates.
type Snapshot struct {
	Timestamp time.Time
	Pool      PoolSnapshot
	Schemas   map[string]health.ConnectionMetrics

	// Circuits holds each breaker's state keyed by breaker name.
	Circuits map[string]resilience.State

	// CircuitState is the worst state in Circuits (open, then half-open).
	CircuitState resilience.State
}

// PoolSnapshot aggregates pool metrics over all monitors.
type PoolSnapshot struct {
	Utilization float64
	Errors      int
	Open        int
	InUse       int
	Waiting     int
}

// Extract returns the value of metric k for schema, or false when the
// snapshot has no such value.
func (s Snapshot) Extract(k MetricKind, schema string) (Value, bool) {
	fn, ok := extractors[k]
	if !ok {
		return Value{}, false
	}
	return fn(s, schema)
}

type extractor func(s Snapshot, schema string) (Value, bool)

// extractors holds one extractor per metric kind. A kind is valid only when
// it is registered here.
var extractors = map[MetricKind]extractor{
	MetricPoolUtilization: func(s Snapshot, _ string) (Value, bool) {
		return Value{Num: s.Pool.Utilization}, true
	},
	MetricPoolErrors: func(s Snapshot, _ string) (Value, bool) {
		return Value{Num: float64(s.Pool.Errors)}, true
	},
	MetricCircuitState: func(s Snapshot, schema string) (Value, bool) {
		if schema == "" {
			return circuitValue(s.CircuitState), true
		}
		state, ok := s.Circuits[schema]
		if !ok {
			return Value{}, false
		}
		return circuitValue(state), true
	},
	MetricHealthStatus: func(s Snapshot, _ string) (Value, bool) {
		if len(s.Schemas) == 0 {
			return Value{}, false
		}
		worst := health.StatusHealthy
		for _, m := range s.Schemas {
			worst = max(worst, m.Status)
		}
		return statusValue(worst), true
	},
	MetricSchemaStatus: schemaExtractor(func(m health.ConnectionMetrics) Value {
		return statusValue(m.Status)
	}),
	MetricSchemaSlowQueries: schemaExtractor(func(m health.ConnectionMetrics) Value {
		return Value{Num: float64(m.SlowQueries)}
	}),
	MetricSchemaAvgQueryTime: schemaExtractor(func(m health.ConnectionMetrics) Value {
		return Value{Num: float64(m.AvgQueryTime) / float64(time.Millisecond)}
	}),
	MetricHealthScore: schemaExtractor(func(m health.ConnectionMetrics) Value {
		return Value{Num: float64(m.HealthScore)}
	}),
}

func schemaExtractor(fn func(health.ConnectionMetrics) Value) extractor {
	return func(s Snapshot, schema string) (Value, bool) {
		m, ok := s.schemaMetrics(schema)
		if !ok {
			return Value{}, false
		}
		return fn(m), true
	}
}

// schemaMetrics returns the named schema, or for an empty name a merged
// view: summed slow queries, the highest average, the worst status and the
// lowest score.
func (s Snapshot) schemaMetrics(schema string) (health.ConnectionMetrics, bool) {
	if schema != "" {
		m, ok := s.Schemas[schema]
		return m, ok
	}
	if len(s.Schemas) == 0 {
		return health.ConnectionMetrics{}, false
	}

	merged := health.ConnectionMetrics{HealthScore: 100}
	for _, m := range s.Schemas {
		merged.SlowQueries += m.SlowQueries
		merged.AvgQueryTime = max(merged.AvgQueryTime, m.AvgQueryTime)
		merged.Status = max(merged.Status, m.Status)
		merged.HealthScore = min(merged.HealthScore, m.HealthScore)
	}
	return merged, true
}

// Source produces snapshots for the engine.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Snapshot, error)

// Snapshot calls f.
func (f SourceFunc) Snapshot(ctx context.Context) (Snapshot, error) {
	return f(ctx)
}

// MonitorSource builds snapshots from health monitors and circuit breakers.
type MonitorSource struct {
	Monitors []*health.Monitor

	// Breakers are reported by name; circuit_state rules with a schema
	// select the breaker of that name.
	Breakers []*resilience.CircuitBreaker

	// Clock stamps snapshots.
	// Default: clock.Real()
	Clock clock.Clock
}

// Snapshot reads the last tick of every monitor. Pool utilization is the
// highest of the monitors; counts are summed.
func (m MonitorSource) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Timestamp: clock.OrReal(m.Clock).Now(),
		Schemas:   make(map[string]health.ConnectionMetrics, len(m.Monitors)),
		Circuits:  make(map[string]resilience.State, len(m.Breakers)),
	}
	for _, mon := range m.Monitors {
		cm := mon.CurrentMetrics()
		snap.Schemas[mon.Name()] = cm
		snap.Pool.Utilization = max(snap.Pool.Utilization, cm.PoolUtilization)
		snap.Pool.Errors += cm.ConnectionErrors
		snap.Pool.Open += cm.TotalConnections
		snap.Pool.InUse += cm.ActiveConnections
		snap.Pool.Waiting += cm.WaitingConnections
	}
	for _, cb := range m.Breakers {
		state := cb.State()
		snap.Circuits[cb.Name()] = state
		if circuitRank(state) > circuitRank(snap.CircuitState) {
			snap.CircuitState = state
		}
	}
	return snap, nil
}
