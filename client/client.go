package client

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jonwraymond/dbguard/clock"
	"github.com/jonwraymond/dbguard/dberrors"
	"github.com/jonwraymond/dbguard/health"
	"github.com/jonwraymond/dbguard/observe"
	"github.com/jonwraymond/dbguard/resilience"
)

// Config configures a Client.
type Config struct {
	// Name identifies the protected resource in metrics, logs and the
	// breaker.
	// Default: "db"
	Name string

	// Schema qualifies operation labels and span names. Optional.
	Schema string

	// Breaker configures the circuit breaker. Name, Clock and Logger are
	// filled from the client when empty.
	// Default IsFailure: dberrors.IsFailure
	Breaker resilience.CircuitBreakerConfig

	// Retry configures the retry executor.
	// Default ErrorCode: dberrors.Code
	Retry resilience.RetryConfig

	// Monitor configures the health monitor. When DB is set and
	// Monitor.PoolStats is nil, the pool is sampled from DB.
	Monitor health.MonitorConfig

	// MaxConcurrent sizes the bulkhead. Zero disables it.
	MaxConcurrent int

	// MaxWait bounds how long a call waits for a bulkhead slot.
	// Default: 0 (fail immediately)
	MaxWait time.Duration

	// AttemptTimeout bounds each attempt. Zero disables it.
	AttemptTimeout time.Duration

	// DB is the pool the client reports on. Optional.
	DB *sql.DB

	// Clock is the time source for every component.
	// Default: clock.Real()
	Clock clock.Clock

	// Logger is shared by every component.
	// Default: observe.NopLogger()
	Logger observe.Logger

	// Metrics records attempts, retries, transitions and rejections.
	// Default: observe.NopMetrics()
	Metrics observe.Metrics

	// Tracer starts one span per attempt.
	// Default: observe.NopTracer()
	Tracer observe.Tracer
}

// Client runs database operations through the resilience stack and reports
// their outcomes to a health monitor.
//
// Contract:
//   - Concurrency: safe for concurrent use.
//   - Context: ctx bounds the whole call including retry waits. Outcome
//     bookkeeping runs on a context detached from ctx's cancellation.
//   - Errors: operation errors are returned unchanged unless the retry
//     budget is spent (*resilience.RetryExhaustedError). Rejections return
//     the resilience sentinels.
type Client struct {
	name       string
	schema     string
	clock      clock.Clock
	logger     observe.Logger
	metrics    observe.Metrics
	middleware *observe.Middleware

	executor *resilience.Executor
	breaker  *resilience.CircuitBreaker
	retry    *resilience.Retry
	bulkhead *resilience.Bulkhead
	monitor  *health.Monitor
	db       *sql.DB
}

// New creates a client. It does not start the monitor loop; see Start.
func New(config Config) *Client {
	if config.Name == "" {
		config.Name = "db"
	}
	c := &Client{
		name:    config.Name,
		schema:  config.Schema,
		clock:   clock.OrReal(config.Clock),
		logger:  observe.OrNop(config.Logger).With(observe.Field{Key: "resource", Value: config.Name}),
		metrics: config.Metrics,
		db:      config.DB,
	}
	if c.metrics == nil {
		c.metrics = observe.NopMetrics()
	}
	c.middleware = observe.NewMiddleware(config.Tracer, c.metrics, c.logger)

	opts := make([]resilience.ExecutorOption, 0, 4)
	if config.MaxConcurrent > 0 {
		c.bulkhead = resilience.NewBulkhead(resilience.BulkheadConfig{
			MaxConcurrent: config.MaxConcurrent,
			MaxWait:       config.MaxWait,
		})
		opts = append(opts, resilience.WithBulkhead(c.bulkhead))
	}

	c.breaker = resilience.NewCircuitBreaker(c.breakerConfig(config.Breaker))
	opts = append(opts, resilience.WithCircuitBreaker(c.breaker))

	rc := config.Retry
	if rc.ErrorCode == nil {
		rc.ErrorCode = dberrors.Code
	}
	if rc.Logger == nil {
		rc.Logger = c.logger
	}
	if rc.Clock == nil {
		rc.Clock = c.clock
	}
	c.retry = resilience.NewRetry(rc)
	opts = append(opts, resilience.WithRetry(c.retry))

	if config.AttemptTimeout > 0 {
		opts = append(opts, resilience.WithTimeout(config.AttemptTimeout))
	}
	c.executor = resilience.NewExecutor(opts...)

	mc := config.Monitor
	if mc.Name == "" {
		mc.Name = config.Name
	}
	if mc.PoolStats == nil && config.DB != nil {
		mc.PoolStats = PoolStatsFromDB(config.DB, c.bulkhead)
	}
	if mc.Clock == nil {
		mc.Clock = c.clock
	}
	if mc.Logger == nil {
		mc.Logger = c.logger
	}
	if mc.Metrics == nil {
		mc.Metrics = c.metrics
	}
	c.monitor = health.NewMonitor(mc)

	return c
}

func (c *Client) breakerConfig(bc resilience.CircuitBreakerConfig) resilience.CircuitBreakerConfig {
	if bc.Name == "" {
		bc.Name = c.name
	}
	if bc.IsFailure == nil {
		bc.IsFailure = dberrors.IsFailure
	}
	if bc.Clock == nil {
		bc.Clock = c.clock
	}
	if bc.Logger == nil {
		bc.Logger = c.logger
	}
	user := bc.OnStateChange
	bc.OnStateChange = func(from, to resilience.State) {
		c.metrics.RecordStateChange(context.Background(), bc.Name, from.String(), to.String())
		if user != nil {
			user(from, to)
		}
	}
	return bc
}

// Execute runs fn under label through the bulkhead, breaker, retry and
// timeout. opts adjust the retry behaviour of this call only.
func (c *Client) Execute(ctx context.Context, label string, fn func(context.Context) error, opts ...resilience.CallOption) error {
	if label == "" {
		return ErrMissingLabel
	}
	meta := observe.OpMeta{Resource: c.name, Schema: c.schema, Name: label}
	bg := context.WithoutCancel(ctx)

	attempt := c.middleware.Wrap(func(ctx context.Context, _ observe.OpMeta) error {
		return fn(ctx)
	})
	op := func(ctx context.Context) error {
		start := c.clock.Now()
		err := attempt(ctx, meta)
		c.monitor.RecordOutcome(meta.Label(), c.clock.Now().Sub(start), err)
		return err
	}

	opts = append([]resilience.CallOption{
		resilience.WithOnRetry(func(err error, _ int, delay time.Duration) {
			c.metrics.RecordRetry(bg, meta, c.retry.Reason(err), delay)
		}),
	}, opts...)

	err := c.executor.Execute(ctx, op, opts...)
	if reason := rejection(err); reason != "" {
		c.metrics.RecordRejection(bg, c.breaker.Name(), reason)
		c.logger.Debug(bg, "database call rejected",
			observe.Field{Key: "db.operation", Value: meta.Label()},
			observe.Field{Key: "reason", Value: reason},
		)
	}
	return err
}

func rejection(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, resilience.ErrHalfOpenLimit):
		return "half_open_limit"
	case errors.Is(err, resilience.ErrBulkheadFull):
		return "bulkhead_full"
	}
	return ""
}

// Do runs fn through c and returns its value. On error the zero value is
// returned.
func Do[T any](ctx context.Context, c *Client, label string, fn func(context.Context) (T, error), opts ...resilience.CallOption) (T, error) {
	var out T
	err := c.Execute(ctx, label, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Start runs the monitor tick loop until ctx is done or Stop is called.
func (c *Client) Start(ctx context.Context) error {
	return c.monitor.Start(ctx)
}

// Stop ends the monitor tick loop.
func (c *Client) Stop() {
	c.monitor.Stop()
}

// Close stops the monitor and closes the database, if any.
func (c *Client) Close() error {
	c.monitor.Stop()
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Name returns the resource name.
func (c *Client) Name() string { return c.name }

// DB returns the underlying pool, or nil.
func (c *Client) DB() *sql.DB { return c.db }

// Monitor returns the health monitor.
func (c *Client) Monitor() *health.Monitor { return c.monitor }

// Breaker returns the circuit breaker.
func (c *Client) Breaker() *resilience.CircuitBreaker { return c.breaker }

// Retry returns the retry executor.
func (c *Client) Retry() *resilience.Retry { return c.retry }

// BreakerMetrics returns a snapshot of the breaker counters.
func (c *Client) BreakerMetrics() resilience.CircuitBreakerMetrics {
	return c.breaker.Metrics()
}

// RetryMetrics returns a snapshot of the retry counters.
func (c *Client) RetryMetrics() resilience.RetryMetrics {
	return c.retry.Metrics()
}

// HealthMetrics returns the monitor's latest snapshot.
func (c *Client) HealthMetrics() health.ConnectionMetrics {
	return c.monitor.CurrentMetrics()
}

// Stats is a combined view of every component, for debug endpoints.
type Stats struct {
	Name     string                           `json:"name"`
	Breaker  resilience.CircuitBreakerMetrics `json:"breaker"`
	Retry    resilience.RetryMetrics          `json:"retry"`
	Bulkhead *resilience.BulkheadMetrics      `json:"bulkhead,omitempty"`
	Health   health.ConnectionMetrics         `json:"health"`
}

// Stats returns the current component metrics.
func (c *Client) Stats() Stats {
	s := Stats{
		Name:    c.name,
		Breaker: c.breaker.Metrics(),
		Retry:   c.retry.Metrics(),
		Health:  c.monitor.CurrentMetrics(),
	}
	if c.bulkhead != nil {
		m := c.bulkhead.Metrics()
		s.Bulkhead = &m
	}
	return s
}
