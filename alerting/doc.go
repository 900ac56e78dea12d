// Package alerting evaluates threshold rules against database health
// snapshots and dispatches alerts to notification channels.
//
// An Engine polls a Source on a fixed interval. Each enabled Rule extracts a
// metric from the snapshot, compares it with its threshold and fires when
// the condition holds (for at least Condition.For) and its cooldown has
// elapsed:
//
//	engine, err := alerting.NewEngine(alerting.EngineConfig{
//	    Source:   alerting.MonitorSource{Monitors: monitors, Breakers: breakers},
//	    Channels: []alerting.Channel{webhook, alerting.NewLogChannel("log", logger)},
//	})
//	_ = engine.AddRule(alerting.Rule{
//	    ID:       "pool-saturated",
//	    Severity: alerting.SeverityCritical,
//	    Enabled:  true,
//	    Cooldown: 5 * time.Minute,
//	    Condition: alerting.Condition{
//	        Metric:    alerting.MetricPoolUtilization,
//	        Operator:  alerting.OpGreater,
//	        Threshold: 90,
//	    },
//	})
//	_ = engine.Start(ctx)
//
// Delivery is best effort: every channel gets one attempt per alert, the
// channels run concurrently, and a failing channel is logged without
// affecting the others. Alerts are resolved automatically when their
// condition clears, or manually with Resolve.
//
// Channels are provided for webhooks (with an HS256 bearer token), Redis
// pub/sub, Kafka and the structured logger.
package alerting
