// Package resilience provides the call-path guards that sit between
// application code and a pooled database.
//
// # Patterns
//
//   - Circuit Breaker: counts failures inside a sliding monitoring period,
//     opens once FailureThreshold is reached and admits a limited number of
//     half-open trials after ResetTimeout. The open to half-open transition
//     happens lazily when a call arrives; there is no background timer.
//
//   - Retry: re-attempts only errors whose code or message matches an
//     allow-list, with exponential backoff capped at MaxDelay and optional
//     ±25% jitter. Presets cover connection resets, pool exhaustion, lock
//     timeouts, statement timeouts and serialization failures.
//
//   - Bulkhead: bounds concurrent operations and reports waiting callers.
//
//   - Rate Limiter: token bucket used to throttle outbound notifications.
//
//   - Timeout: bounds a single attempt with a context deadline.
//
// # Composition
//
// Executor composes the patterns as bulkhead, breaker, retry, timeout. The
// breaker therefore records one outcome per call, after retries:
//
//	executor := resilience.NewExecutor(
//	    resilience.WithBulkhead(resilience.NewBulkhead(resilience.BulkheadConfig{MaxConcurrent: 20})),
//	    resilience.WithCircuitBreaker(resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//	        Name:             "primary",
//	        FailureThreshold: 5,
//	        ResetTimeout:     30 * time.Second,
//	    })),
//	    resilience.WithRetry(resilience.NewRetry(resilience.PresetDefault())),
//	    resilience.WithTimeout(5*time.Second),
//	)
//
//	err := executor.Execute(ctx, func(ctx context.Context) error {
//	    return db.WithContext(ctx).First(&user, id).Error
//	})
//
// # Errors
//
// Rejections are typed: *CircuitOpenError matches ErrCircuitOpen,
// *HalfOpenLimitError matches ErrHalfOpenLimit and *RetryExhaustedError
// matches ErrRetryExhausted while unwrapping to the last attempt's error.
// Errors the retry policy does not recognise are returned unchanged.
package resilience
