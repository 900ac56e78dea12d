package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/jonwraymond/dbguard/alerting"
	"github.com/jonwraymond/dbguard/resilience"
)

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Database.DSN == "" {
		fail("database.dsn is required (DBGUARD_DATABASE_DSN or MYSQL_DSN)")
	}
	if c.Database.MaxOpenConns < 0 {
		fail("database.max_open_conns must not be negative")
	}
	if c.Database.MaxConcurrent < 0 {
		fail("database.max_concurrent must not be negative")
	}
	if c.Breaker.FailureThreshold < 0 {
		fail("breaker.failure_threshold must not be negative")
	}
	if c.Breaker.HalfOpenLimit < 0 {
		fail("breaker.half_open_limit must not be negative")
	}
	if _, err := resilience.Preset(c.Retry.Preset); err != nil {
		fail("retry.preset: %v", err)
	}
	if c.Retry.MaxRetries != nil && *c.Retry.MaxRetries < 0 {
		fail("retry.max_retries must not be negative")
	}
	if c.Monitor.StormThreshold < 0 {
		fail("monitor.storm_threshold_per_second must not be negative")
	}

	var names []string
	for i, ch := range c.Alerting.Channels {
		name := ch.ChannelName()
		if slices.Contains(names, name) {
			fail("alerting.channels[%d]: duplicate name %q", i, name)
		}
		names = append(names, name)

		switch ch.Type {
		case ChannelLog:
		case ChannelWebhook:
			if ch.URL == "" {
				fail("alerting.channels[%d]: webhook needs url", i)
			}
		case ChannelRedis:
			if ch.Addr == "" {
				fail("alerting.channels[%d]: redis needs addr", i)
			}
		case ChannelKafka:
			if len(ch.Brokers) == 0 {
				fail("alerting.channels[%d]: kafka needs brokers", i)
			}
		default:
			fail("alerting.channels[%d]: unknown type %q", i, ch.Type)
		}
	}

	var ids []string
	for i, r := range c.Alerting.Rules {
		if r.ID == "" {
			fail("alerting.rules[%d]: missing id", i)
		} else if slices.Contains(ids, r.ID) {
			fail("alerting.rules[%d]: duplicate id %q", i, r.ID)
		}
		ids = append(ids, r.ID)

		if _, err := alerting.ParseOperator(r.Operator); err != nil {
			fail("alerting.rules[%d]: %v", i, err)
		}
		for _, name := range r.Channels {
			if !slices.Contains(names, name) {
				fail("alerting.rules[%d]: unknown channel %q", i, name)
			}
		}
	}

	return errors.Join(errs...)
}
