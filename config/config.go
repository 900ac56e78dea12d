package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full dbguard configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Observe  ObserveConfig  `mapstructure:"observe"`
}

// DatabaseConfig describes the protected pool.
type DatabaseConfig struct {
	Name            string        `mapstructure:"name"`
	DSN             string        `mapstructure:"dsn"`
	Schemas         []string      `mapstructure:"schemas"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	MaxWait         time.Duration `mapstructure:"max_wait"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
}

// ServerConfig configures the observability HTTP server.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	MonitoringPeriod time.Duration `mapstructure:"monitoring_period"`
	HalfOpenLimit    int           `mapstructure:"half_open_limit"`
}

// RetryConfig selects a retry preset and overrides its fields. Zero values
// keep the preset's value, except MaxRetries: when set, 0 disables retries.
type RetryConfig struct {
	Preset          string        `mapstructure:"preset"`
	MaxRetries      *int          `mapstructure:"max_retries"`
	InitialDelay    time.Duration `mapstructure:"initial_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	Factor          float64       `mapstructure:"factor"`
	Jitter          *bool         `mapstructure:"jitter"`
	RetryableErrors []string      `mapstructure:"retryable_errors"`
}

// MonitorConfig configures the per-schema health monitors.
type MonitorConfig struct {
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`
	Serverless         bool          `mapstructure:"serverless"`
	MetricsRetention   time.Duration `mapstructure:"metrics_retention"`
	MaxQueryMetrics    int           `mapstructure:"max_query_metrics"`
	StormThreshold     int           `mapstructure:"storm_threshold_per_second"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	MaxEvents          int           `mapstructure:"max_events"`
}

// AlertingConfig configures the alerting engine.
type AlertingConfig struct {
	Enabled            bool            `mapstructure:"enabled"`
	EvaluationInterval time.Duration   `mapstructure:"evaluation_interval"`
	MaxAlerts          int             `mapstructure:"max_alerts"`
	ChannelRate        float64         `mapstructure:"channel_rate"`
	ChannelBurst       int             `mapstructure:"channel_burst"`
	Rules              []RuleConfig    `mapstructure:"rules"`
	Channels           []ChannelConfig `mapstructure:"channels"`
}

// RuleConfig is one alert rule.
type RuleConfig struct {
	ID          string        `mapstructure:"id"`
	Name        string        `mapstructure:"name"`
	Description string        `mapstructure:"description"`
	Severity    string        `mapstructure:"severity"`
	Metric      string        `mapstructure:"metric"`
	Schema      string        `mapstructure:"schema"`
	Operator    string        `mapstructure:"operator"`
	Threshold   float64       `mapstructure:"threshold"`
	Text        string        `mapstructure:"text"`
	For         time.Duration `mapstructure:"for"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
	Enabled     *bool         `mapstructure:"enabled"`
	Channels    []string      `mapstructure:"channels"`
	Message     string        `mapstructure:"message"`
}

// Channel types.
const (
	ChannelLog     = "log"
	ChannelWebhook = "webhook"
	ChannelRedis   = "redis"
	ChannelKafka   = "kafka"
)

// ChannelConfig is one notification channel. Which fields apply depends on
// Type.
type ChannelConfig struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`

	// webhook
	URL        string            `mapstructure:"url"`
	SigningKey string            `mapstructure:"signing_key"`
	Headers    map[string]string `mapstructure:"headers"`
	Timeout    time.Duration     `mapstructure:"timeout"`

	// redis
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	PubSubChannel string `mapstructure:"pubsub_channel"`
	ListKey       string `mapstructure:"list_key"`
	ListSize      int64  `mapstructure:"list_size"`

	// kafka
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ObserveConfig configures telemetry and logging.
type ObserveConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Version     string        `mapstructure:"version"`
	Tracing     TracingConfig `mapstructure:"tracing"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	Logging     LoggingConfig `mapstructure:"logging"`
}

// TracingConfig configures tracing.
type TracingConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	Exporter  string  `mapstructure:"exporter"`
	SamplePct float64 `mapstructure:"sample_pct"`
}

// MetricsConfig configures metrics.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputFile string `mapstructure:"output_file"`
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply.
//
// Priority: environment > config file > defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DBGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database.dsn", "DBGUARD_DATABASE_DSN", "MYSQL_DSN")
	_ = v.BindEnv("retry.jitter")
	_ = v.BindEnv("retry.max_retries")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.expandSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.name", "primary")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.schemas", []string{})
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)
	v.SetDefault("database.max_concurrent", 20)
	v.SetDefault("database.max_wait", time.Second)
	v.SetDefault("database.attempt_timeout", 10*time.Second)

	v.SetDefault("server.addr", ":9090")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", 30*time.Second)
	v.SetDefault("breaker.monitoring_period", time.Minute)
	v.SetDefault("breaker.half_open_limit", 1)

	v.SetDefault("retry.preset", "default")
	v.SetDefault("retry.initial_delay", time.Duration(0))
	v.SetDefault("retry.max_delay", time.Duration(0))
	v.SetDefault("retry.factor", 0.0)
	v.SetDefault("retry.retryable_errors", []string{})

	v.SetDefault("monitor.slow_query_threshold", time.Duration(0))
	v.SetDefault("monitor.serverless", false)
	v.SetDefault("monitor.metrics_retention", 5*time.Minute)
	v.SetDefault("monitor.max_query_metrics", 10000)
	v.SetDefault("monitor.storm_threshold_per_second", 50)
	v.SetDefault("monitor.tick_interval", 10*time.Second)
	v.SetDefault("monitor.max_events", 1000)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.evaluation_interval", 30*time.Second)
	v.SetDefault("alerting.max_alerts", 1000)
	v.SetDefault("alerting.channel_rate", 1.0)
	v.SetDefault("alerting.channel_burst", 10)

	v.SetDefault("observe.service_name", "dbguard")
	v.SetDefault("observe.version", "dev")
	v.SetDefault("observe.tracing.enabled", false)
	v.SetDefault("observe.tracing.exporter", "none")
	v.SetDefault("observe.tracing.sample_pct", 0.1)
	v.SetDefault("observe.metrics.enabled", true)
	v.SetDefault("observe.metrics.exporter", "prometheus")
	v.SetDefault("observe.logging.level", "info")
	v.SetDefault("observe.logging.format", "json")
	v.SetDefault("observe.logging.output_file", "")
}

func (c *Config) expandSecrets() error {
	var errs []error
	expand := func(field string, s *string) {
		out, err := ExpandEnvStrict(*s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*s = out
	}

	expand("database.dsn", &c.Database.DSN)
	for i := range c.Alerting.Channels {
		ch := &c.Alerting.Channels[i]
		prefix := fmt.Sprintf("alerting.channels[%d]", i)
		expand(prefix+".url", &ch.URL)
		expand(prefix+".signing_key", &ch.SigningKey)
		expand(prefix+".password", &ch.Password)
		for k, val := range ch.Headers {
			expand(prefix+".headers."+k, &val)
			ch.Headers[k] = val
		}
	}
	return errors.Join(errs...)
}
