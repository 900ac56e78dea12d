// Package health tracks the health of a pooled database.
//
// A Monitor records the outcome and duration of every operation, the
// connection opens and the connection errors of one resource, and on each
// tick derives a ConnectionMetrics snapshot with a 0-100 health score:
//
//	monitor := health.NewMonitor(health.MonitorConfig{
//	    Name:      "orders",
//	    PoolStats: poolStats,
//	})
//	_ = monitor.Start(ctx)
//	defer monitor.Stop()
//
//	monitor.RecordOutcome("SELECT ...", elapsed, err)
//	snap := monitor.CurrentMetrics()
//
// The score starts at 100 and loses points for pool utilization, connection
// errors, the share of slow queries and recent connection storms; see
// ComputeScore. A storm is more than StormThreshold connection opens in the
// trailing second, checked only on ticks.
//
// # Checkers
//
// Monitor, PoolChecker and PingChecker implement Checker. An Aggregator runs
// several checkers concurrently and reports the worst status:
//
//	agg := health.NewAggregator()
//	agg.Register("orders", ordersMonitor)
//	agg.Register("pool", health.NewPoolChecker(poolStats, health.PoolCheckerConfig{}))
//
// # HTTP Endpoints
//
//	health.RegisterHandlers(mux, agg)                   // /healthz /readyz /health
//	mux.Handle("/debug/monitor", health.SnapshotHandler(ordersMonitor))
package health
