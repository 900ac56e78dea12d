// Package observe provides the telemetry primitives used by the resilience
// stack: a zap-backed structured Logger, OpenTelemetry tracing and metrics,
// and a Middleware that instruments individual database operations.
//
// It performs no database work itself. The client package wires an Observer
// into every breaker, retry and monitor it constructs.
package observe
