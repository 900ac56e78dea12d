package config

import (
	"strings"

	"github.com/jonwraymond/dbguard/alerting"
	"github.com/jonwraymond/dbguard/health"
	"github.com/jonwraymond/dbguard/observe"
	"github.com/jonwraymond/dbguard/resilience"
)

// CircuitBreaker returns the breaker settings. Name, hooks, clock and
// logger are left for the caller.
func (c BreakerConfig) CircuitBreaker() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     c.ResetTimeout,
		MonitoringPeriod: c.MonitoringPeriod,
		HalfOpenLimit:    c.HalfOpenLimit,
	}
}

// Resilience returns the preset with the configured overrides applied.
func (c RetryConfig) Resilience() (resilience.RetryConfig, error) {
	rc, err := resilience.Preset(c.Preset)
	if err != nil {
		return rc, err
	}
	if c.MaxRetries != nil {
		rc.MaxRetries = *c.MaxRetries
		if rc.MaxRetries == 0 {
			rc.MaxRetries = resilience.NoRetries
		}
	}
	if c.InitialDelay > 0 {
		rc.InitialDelay = c.InitialDelay
	}
	if c.MaxDelay > 0 {
		rc.MaxDelay = c.MaxDelay
	}
	if c.Factor > 0 {
		rc.Factor = c.Factor
	}
	if c.Jitter != nil {
		rc.Jitter = *c.Jitter
	}
	if len(c.RetryableErrors) > 0 {
		rc.RetryableErrors = c.RetryableErrors
	}
	return rc, nil
}

// Health returns the monitor settings for one schema.
func (c MonitorConfig) Health(name string) health.MonitorConfig {
	return health.MonitorConfig{
		Name:               name,
		SlowQueryThreshold: c.SlowQueryThreshold,
		Serverless:         c.Serverless,
		MetricsRetention:   c.MetricsRetention,
		MaxQueryMetrics:    c.MaxQueryMetrics,
		StormThreshold:     c.StormThreshold,
		TickInterval:       c.TickInterval,
		MaxEvents:          c.MaxEvents,
	}
}

// Rule converts a configured rule. Rules are enabled unless disabled
// explicitly. The engine validates the result.
func (r RuleConfig) Rule() (alerting.Rule, error) {
	op, err := alerting.ParseOperator(r.Operator)
	if err != nil {
		return alerting.Rule{}, err
	}
	enabled := r.Enabled == nil || *r.Enabled
	return alerting.Rule{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Severity:    alerting.Severity(strings.ToLower(r.Severity)),
		Condition: alerting.Condition{
			Metric:    alerting.MetricKind(strings.ToLower(r.Metric)),
			Schema:    r.Schema,
			Operator:  op,
			Threshold: r.Threshold,
			Text:      r.Text,
			For:       r.For,
		},
		Cooldown: r.Cooldown,
		Enabled:  enabled,
		Channels: r.Channels,
		Message:  r.Message,
	}, nil
}

// ChannelName returns the configured name, or the type when unnamed.
func (c ChannelConfig) ChannelName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Type
}

// Observe returns the observer settings. Logging is always enabled.
func (c ObserveConfig) Observe() observe.Config {
	return observe.Config{
		ServiceName: c.ServiceName,
		Version:     c.Version,
		Tracing: observe.TracingConfig{
			Enabled:   c.Tracing.Enabled,
			Exporter:  c.Tracing.Exporter,
			SamplePct: c.Tracing.SamplePct,
		},
		Metrics: observe.MetricsConfig{
			Enabled:  c.Metrics.Enabled,
			Exporter: c.Metrics.Exporter,
		},
		Logging: observe.LoggingConfig{
			Enabled:    true,
			Level:      c.Logging.Level,
			Format:     c.Logging.Format,
			OutputFile: c.Logging.OutputFile,
		},
	}
}

// Webhook returns the webhook channel settings.
func (c ChannelConfig) Webhook() alerting.WebhookConfig {
	wc := alerting.WebhookConfig{
		Name:    c.ChannelName(),
		URL:     c.URL,
		Timeout: c.Timeout,
		Headers: c.Headers,
	}
	if c.SigningKey != "" {
		wc.SigningKey = []byte(c.SigningKey)
	}
	return wc
}

// Redis returns the redis channel settings.
func (c ChannelConfig) Redis() alerting.RedisConfig {
	return alerting.RedisConfig{
		Name:          c.ChannelName(),
		PubSubChannel: c.PubSubChannel,
		ListKey:       c.ListKey,
		ListSize:      c.ListSize,
	}
}

// Kafka returns the kafka channel settings.
func (c ChannelConfig) Kafka() alerting.KafkaConfig {
	return alerting.KafkaConfig{
		Name:    c.ChannelName(),
		Brokers: c.Brokers,
		Topic:   c.Topic,
	}
}
