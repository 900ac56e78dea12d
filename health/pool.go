package health

import (
	"context"
	"fmt"
)

// PoolStats is a point-in-time view of a connection pool.
type PoolStats struct {
	// MaxOpen is the configured pool size. Zero means unlimited.
	MaxOpen int `json:"maxOpen"`
	// Open is the number of established connections.
	Open int `json:"open"`
	// InUse is the number of connections serving a query.
	InUse int `json:"inUse"`
	// Idle is the number of open connections not in use.
	Idle int `json:"idle"`
	// Waiting is the number of callers queued for a connection.
	Waiting int `json:"waiting"`
}

// Utilization returns the share of the pool in use, in percent. Without a
// MaxOpen limit the open connection count is the denominator.
func (s PoolStats) Utilization() float64 {
	capacity := s.MaxOpen
	if capacity <= 0 {
		capacity = s.Open
	}
	if capacity <= 0 {
		return 0
	}
	return float64(s.InUse) / float64(capacity) * 100
}

// PoolStatsFunc samples a connection pool.
type PoolStatsFunc func() PoolStats

// PoolCheckerConfig configures the pool health checker.
type PoolCheckerConfig struct {
	// Name is the checker name.
	// Default: "pool"
	Name string

	// WarningThreshold is the utilization percent that triggers degraded status.
	// Default: 75
	WarningThreshold float64

	// CriticalThreshold is the utilization percent that triggers unhealthy status.
	// Default: 90
	CriticalThreshold float64
}

// PoolChecker checks connection pool utilization.
type PoolChecker struct {
	config PoolCheckerConfig
	stats  PoolStatsFunc
}

// NewPoolChecker creates a new pool health checker.
func NewPoolChecker(stats PoolStatsFunc, config PoolCheckerConfig) *PoolChecker {
	if config.Name == "" {
		config.Name = "pool"
	}
	if config.WarningThreshold <= 0 || config.WarningThreshold >= 100 {
		config.WarningThreshold = 75
	}
	if config.CriticalThreshold <= 0 || config.CriticalThreshold > 100 {
		config.CriticalThreshold = 90
	}
	if config.CriticalThreshold < config.WarningThreshold {
		config.CriticalThreshold = min(config.WarningThreshold+10, 100)
	}

	return &PoolChecker{config: config, stats: stats}
}

// Name returns the name of this checker.
func (p *PoolChecker) Name() string {
	return p.config.Name
}

// Check performs the pool health check.
func (p *PoolChecker) Check(ctx context.Context) Result {
	select {
	case <-ctx.Done():
		return Unhealthy("context cancelled", ctx.Err())
	default:
	}

	stats := p.stats()
	usage := stats.Utilization()

	details := map[string]any{
		"max_open":      stats.MaxOpen,
		"open":          stats.Open,
		"in_use":        stats.InUse,
		"idle":          stats.Idle,
		"waiting":       stats.Waiting,
		"usage_percent": usage,
	}

	if usage >= p.config.CriticalThreshold {
		return Unhealthy(
			fmt.Sprintf("pool utilization critical: %.1f%%", usage),
			ErrCheckFailed,
		).WithDetails(details)
	}

	if usage >= p.config.WarningThreshold {
		return Degraded(
			fmt.Sprintf("pool utilization high: %.1f%%", usage),
		).WithDetails(details)
	}

	return Healthy(
		fmt.Sprintf("pool utilization normal: %.1f%%", usage),
	).WithDetails(details)
}
