package health

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/dbguard/clock"
	"github.com/jonwraymond/dbguard/dberrors"
	"github.com/jonwraymond/dbguard/internal/window"
	"github.com/jonwraymond/dbguard/observe"
)

// Monitor defaults.
const (
	DefaultSlowQueryThreshold    = time.Second
	ServerlessSlowQueryThreshold = 500 * time.Millisecond
	DefaultMetricsRetention      = 5 * time.Minute
	DefaultMaxQueryMetrics       = 10000
	DefaultStormThreshold        = 50
	DefaultTickInterval          = 10 * time.Second
	DefaultMaxEvents             = 1000
)

const (
	maxLabelLen = 200

	// Evictions from buffers larger than this that drop more than half of
	// the entries trigger a full recompute of the window sums.
	recomputeMin = 1000
)

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Name identifies the monitored resource, usually a schema.
	// Default: "default"
	Name string

	// SlowQueryThreshold marks operations slower than this as slow.
	// Default: DefaultSlowQueryThreshold, or ServerlessSlowQueryThreshold
	// when Serverless is set.
	SlowQueryThreshold time.Duration

	// Serverless selects the lower default slow query threshold.
	Serverless bool

	// MetricsRetention is how long query metrics and connection errors count.
	// Default: 5 minutes
	MetricsRetention time.Duration

	// MaxQueryMetrics caps the query buffer regardless of age.
	// Default: 10000
	MaxQueryMetrics int

	// StormThreshold is the number of connection opens within one second
	// above which a storm is declared.
	// Default: 50
	StormThreshold int

	// TickInterval is the period of the Start loop.
	// Default: 10 seconds
	TickInterval time.Duration

	// MaxEvents caps the event log.
	// Default: 1000
	MaxEvents int

	// PoolStats samples the connection pool on every tick. Optional.
	PoolStats PoolStatsFunc

	// IsConnectionError decides which operation failures also count as
	// connection errors.
	// Default: dberrors.IsConnectionError
	IsConnectionError func(error) bool

	// Clock is the time source.
	// Default: clock.Real()
	Clock clock.Clock

	// Logger receives slow query, storm and tick entries.
	// Default: observe.NopLogger()
	Logger observe.Logger

	// Metrics receives the health score on every tick.
	// Default: observe.NopMetrics()
	Metrics observe.Metrics
}

// QueryMetric is one completed operation.
type QueryMetric struct {
	Label     string        `json:"label"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// EventType classifies monitor events.
type EventType string

const (
	EventConnectionError EventType = "connection_error"
	EventSlowQuery       EventType = "slow_query"
	EventQueryError      EventType = "query_error"
	EventStorm           EventType = "storm"
)

// Event is an entry in the monitor's event log.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// ConnectionMetrics is the snapshot computed on each tick. HealthScore and
// Status are always derived from the other fields of the same snapshot.
type ConnectionMetrics struct {
	Name               string        `json:"name"`
	TotalConnections   int           `json:"totalConnections"`
	ActiveConnections  int           `json:"activeConnections"`
	IdleConnections    int           `json:"idleConnections"`
	WaitingConnections int           `json:"waitingConnections"`
	ConnectionErrors   int           `json:"connectionErrors"`
	QueryErrors        int           `json:"queryErrors"`
	QueryCount         int           `json:"queryCount"`
	AvgQueryTime       time.Duration `json:"avgQueryTime"`
	SlowQueries        int           `json:"slowQueries"`
	StormCount         int64         `json:"stormCount"`
	LastStorm          time.Time     `json:"lastStorm"`
	PoolUtilization    float64       `json:"poolUtilization"`
	HealthScore        int           `json:"healthScore"`
	Status             Status        `json:"status"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// Monitor keeps rolling query and connection metrics for one resource and
// derives a health score from them.
//
// Record methods only take a short lock and never perform I/O. The score is
// recomputed on Tick, not on every record.
type Monitor struct {
	config  MonitorConfig
	clock   clock.Clock
	logger  observe.Logger
	metrics observe.Metrics
	refresh singleflight.Group

	mu          sync.Mutex
	queries     *window.Window[QueryMetric]
	durationSum time.Duration
	slowCount   int
	errorCount  int
	opens       *window.Window[time.Time]
	connErrors  *window.Window[time.Time]
	events      *window.Window[Event]
	stormCount  int64
	lastStorm   time.Time
	snapshot    ConnectionMetrics

	runMu sync.Mutex
	stop  context.CancelFunc
	done  chan struct{}
}

// NewMonitor creates a new health monitor.
func NewMonitor(config MonitorConfig) *Monitor {
	if config.Name == "" {
		config.Name = "default"
	}
	if config.SlowQueryThreshold <= 0 {
		config.SlowQueryThreshold = DefaultSlowQueryThreshold
		if config.Serverless {
			config.SlowQueryThreshold = ServerlessSlowQueryThreshold
		}
	}
	if config.MetricsRetention <= 0 {
		config.MetricsRetention = DefaultMetricsRetention
	}
	if config.MaxQueryMetrics <= 0 {
		config.MaxQueryMetrics = DefaultMaxQueryMetrics
	}
	if config.StormThreshold <= 0 {
		config.StormThreshold = DefaultStormThreshold
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.MaxEvents <= 0 {
		config.MaxEvents = DefaultMaxEvents
	}
	if config.IsConnectionError == nil {
		config.IsConnectionError = dberrors.IsConnectionError
	}

	m := &Monitor{
		config:     config,
		clock:      clock.OrReal(config.Clock),
		logger:     observe.OrNop(config.Logger).With(observe.Field{Key: "monitor", Value: config.Name}),
		metrics:    config.Metrics,
		queries:    window.New[QueryMetric](config.MaxQueryMetrics),
		opens:      window.New[time.Time](config.MaxQueryMetrics),
		connErrors: window.New[time.Time](config.MaxQueryMetrics),
		events:     window.New[Event](config.MaxEvents),
	}
	if m.metrics == nil {
		m.metrics = observe.NopMetrics()
	}
	m.snapshot = m.computeLocked(m.clock.Now(), PoolStats{})
	return m
}

// Name returns the monitored resource name.
func (m *Monitor) Name() string {
	return m.config.Name
}

// Config returns the effective configuration.
func (m *Monitor) Config() MonitorConfig {
	return m.config
}

// RecordOutcome records one completed operation.
func (m *Monitor) RecordOutcome(label string, duration time.Duration, err error) {
	now := m.clock.Now()
	q := QueryMetric{
		Label:     observe.Truncate(label, maxLabelLen),
		Duration:  duration,
		Timestamp: now,
	}
	if err != nil {
		q.Error = observe.Truncate(err.Error(), maxLabelLen)
		if q.Error == "" {
			q.Error = "error"
		}
	}
	slow := duration > m.config.SlowQueryThreshold
	connErr := err != nil && m.config.IsConnectionError(err)

	m.mu.Lock()
	if dropped, ok := m.queries.Push(q); ok {
		m.forgetLocked(dropped)
	}
	m.addLocked(q)
	if slow {
		m.eventLocked(Event{
			Type:      EventSlowQuery,
			Timestamp: now,
			Message:   fmt.Sprintf("slow query: %s took %s", q.Label, duration),
			Data:      map[string]any{"label": q.Label, "duration_ms": duration.Milliseconds()},
		})
	}
	if err != nil {
		m.eventLocked(Event{
			Type:      EventQueryError,
			Timestamp: now,
			Message:   fmt.Sprintf("query failed: %s", q.Label),
			Data:      map[string]any{"label": q.Label, "error": q.Error},
		})
	}
	if connErr {
		m.connectionErrorLocked(now, q.Error)
	}
	m.mu.Unlock()

	if slow {
		m.logger.Warn(context.Background(), "slow query",
			observe.Field{Key: "label", Value: q.Label},
			observe.Field{Key: "duration_ms", Value: duration.Milliseconds()},
			observe.Field{Key: "threshold_ms", Value: m.config.SlowQueryThreshold.Milliseconds()},
		)
	}
}

// RecordConnectionOpened records a new physical connection.
func (m *Monitor) RecordConnectionOpened() {
	now := m.clock.Now()
	m.mu.Lock()
	m.opens.Push(now)
	m.mu.Unlock()
}

// RecordConnectionError records a failure to establish or use a connection.
func (m *Monitor) RecordConnectionError(err error) {
	if err == nil {
		return
	}
	now := m.clock.Now()
	msg := observe.Truncate(err.Error(), maxLabelLen)

	m.mu.Lock()
	m.connectionErrorLocked(now, msg)
	m.mu.Unlock()

	m.logger.Warn(context.Background(), "connection error", observe.Field{Key: "error", Value: msg})
}

func (m *Monitor) connectionErrorLocked(now time.Time, msg string) {
	m.connErrors.Push(now)
	m.eventLocked(Event{
		Type:      EventConnectionError,
		Timestamp: now,
		Message:   msg,
	})
}

func (m *Monitor) addLocked(q QueryMetric) {
	m.durationSum += q.Duration
	if q.Duration > m.config.SlowQueryThreshold {
		m.slowCount++
	}
	if q.Error != "" {
		m.errorCount++
	}
}

func (m *Monitor) forgetLocked(q QueryMetric) {
	m.durationSum -= q.Duration
	if q.Duration > m.config.SlowQueryThreshold {
		m.slowCount--
	}
	if q.Error != "" {
		m.errorCount--
	}
}

func (m *Monitor) recomputeLocked() {
	m.durationSum, m.slowCount, m.errorCount = 0, 0, 0
	m.queries.Each(func(q QueryMetric) bool {
		m.addLocked(q)
		return true
	})
}

func (m *Monitor) eventLocked(e Event) {
	m.events.Push(e)
}

// Tick evicts expired metrics, runs storm detection and recomputes the
// snapshot. It returns the new snapshot.
func (m *Monitor) Tick() ConnectionMetrics {
	var pool PoolStats
	if m.config.PoolStats != nil {
		pool = m.config.PoolStats()
	}
	now := m.clock.Now()
	cutoff := now.Add(-m.config.MetricsRetention)

	m.mu.Lock()
	before := m.queries.Len()
	evicted := m.queries.DropWhile(func(q QueryMetric) bool {
		if !q.Timestamp.Before(cutoff) {
			return false
		}
		m.forgetLocked(q)
		return true
	})
	recomputed := before > recomputeMin && evicted*2 > before
	if recomputed {
		m.recomputeLocked()
		m.queries.Compact()
	}
	m.connErrors.DropWhile(func(t time.Time) bool { return t.Before(cutoff) })

	stormCutoff := now.Add(-time.Second)
	m.opens.DropWhile(func(t time.Time) bool { return !t.After(stormCutoff) })
	opens := m.opens.Len()
	storm := opens > m.config.StormThreshold
	if storm {
		m.stormCount++
		m.lastStorm = now
		// Counted opens are consumed so one burst is one storm.
		m.opens.Reset()
		m.eventLocked(Event{
			Type:      EventStorm,
			Timestamp: now,
			Message:   fmt.Sprintf("connection storm: %d opens in the last second", opens),
			Data:      map[string]any{"opens": opens, "threshold": m.config.StormThreshold},
		})
	}

	snap := m.computeLocked(now, pool)
	m.snapshot = snap
	m.mu.Unlock()

	ctx := context.Background()
	if storm {
		m.logger.Warn(ctx, "connection storm detected",
			observe.Field{Key: "opens", Value: opens},
			observe.Field{Key: "threshold", Value: m.config.StormThreshold},
		)
	}
	if recomputed {
		m.logger.Debug(ctx, "query window recomputed",
			observe.Field{Key: "evicted", Value: evicted},
			observe.Field{Key: "remaining", Value: snap.QueryCount},
		)
	}
	m.metrics.RecordHealthScore(ctx, m.config.Name, snap.HealthScore)
	return snap
}

func (m *Monitor) computeLocked(now time.Time, pool PoolStats) ConnectionMetrics {
	count := m.queries.Len()
	var avg time.Duration
	if count > 0 {
		avg = m.durationSum / time.Duration(count)
	}

	snap := ConnectionMetrics{
		Name:               m.config.Name,
		TotalConnections:   pool.Open,
		ActiveConnections:  pool.InUse,
		IdleConnections:    pool.Idle,
		WaitingConnections: pool.Waiting,
		ConnectionErrors:   m.connErrors.Len(),
		QueryErrors:        m.errorCount,
		QueryCount:         count,
		AvgQueryTime:       avg,
		SlowQueries:        m.slowCount,
		StormCount:         m.stormCount,
		LastStorm:          m.lastStorm,
		PoolUtilization:    pool.Utilization(),
		UpdatedAt:          now,
	}
	snap.HealthScore = ComputeScore(ScoreInput{
		Utilization:      snap.PoolUtilization,
		ConnectionErrors: snap.ConnectionErrors,
		SlowQueries:      snap.SlowQueries,
		TotalQueries:     snap.QueryCount,
		LastStorm:        snap.LastStorm,
		Now:              now,
	})
	snap.Status = StatusFromScore(snap.HealthScore)
	return snap
}

// Refresh runs a Tick, sharing the result with concurrent callers.
func (m *Monitor) Refresh() ConnectionMetrics {
	v, _, _ := m.refresh.Do("tick", func() (any, error) {
		return m.Tick(), nil
	})
	return v.(ConnectionMetrics)
}

// CurrentMetrics returns the snapshot computed by the last tick.
func (m *Monitor) CurrentMetrics() ConnectionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// RecentEvents returns up to limit events, newest first. A limit of zero or
// less returns all retained events.
func (m *Monitor) RecentEvents(limit int) []Event {
	m.mu.Lock()
	events := m.events.Snapshot()
	m.mu.Unlock()

	slices.Reverse(events)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}

// WorstQueries returns up to limit retained queries: failed ones first,
// then by duration, longest first.
func (m *Monitor) WorstQueries(limit int) []QueryMetric {
	m.mu.Lock()
	queries := m.queries.Snapshot()
	m.mu.Unlock()

	slices.SortStableFunc(queries, func(a, b QueryMetric) int {
		aErr, bErr := a.Error != "", b.Error != ""
		if aErr != bErr {
			if aErr {
				return -1
			}
			return 1
		}
		switch {
		case a.Duration > b.Duration:
			return -1
		case a.Duration < b.Duration:
			return 1
		}
		return 0
	})
	if limit > 0 && len(queries) > limit {
		queries = queries[:limit]
	}
	return queries
}

// Reset discards all recorded data.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queries.Reset()
	m.opens.Reset()
	m.connErrors.Reset()
	m.events.Reset()
	m.durationSum, m.slowCount, m.errorCount = 0, 0, 0
	m.stormCount = 0
	m.lastStorm = time.Time{}
	m.snapshot = m.computeLocked(m.clock.Now(), PoolStats{})
}

// Start runs Tick every TickInterval until ctx is done or Stop is called.
// The first tick runs immediately.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.stop != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.stop, m.done = cancel, done

	go func() {
		defer func() {
			// Clear the run state when ctx ends the loop so Start works again.
			m.runMu.Lock()
			if m.done == done {
				cancel()
				m.stop, m.done = nil, nil
			}
			m.runMu.Unlock()
			close(done)
		}()

		ticker := time.NewTicker(m.config.TickInterval)
		defer ticker.Stop()

		m.Refresh()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Refresh()
			}
		}
	}()

	m.logger.Info(ctx, "health monitor started",
		observe.Field{Key: "tick_interval", Value: m.config.TickInterval.String()},
	)
	return nil
}

// Stop ends the Start loop and waits for it to exit. It is a no-op on a
// monitor that is not running.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.runMu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
}

// Check implements Checker using a fresh snapshot.
func (m *Monitor) Check(ctx context.Context) Result {
	select {
	case <-ctx.Done():
		return Unhealthy("context cancelled", ctx.Err())
	default:
	}

	snap := m.Refresh()
	details := map[string]any{
		"health_score":      snap.HealthScore,
		"pool_utilization":  snap.PoolUtilization,
		"connection_errors": snap.ConnectionErrors,
		"query_errors":      snap.QueryErrors,
		"query_count":       snap.QueryCount,
		"slow_queries":      snap.SlowQueries,
		"avg_query_ms":      snap.AvgQueryTime.Milliseconds(),
		"storm_count":       snap.StormCount,
	}

	msg := fmt.Sprintf("health score %d", snap.HealthScore)
	var r Result
	switch snap.Status {
	case StatusHealthy:
		r = Healthy(msg)
	case StatusDegraded:
		r = Degraded(msg)
	default:
		r = Unhealthy(msg, ErrCheckFailed)
	}
	return r.WithDetails(details)
}

var _ Checker = (*Monitor)(nil)
