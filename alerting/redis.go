package alerting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisChannel.
type RedisConfig struct {
	// Name is the channel name.
	// Default: "redis"
	Name string

	// PubSubChannel receives every notification via PUBLISH.
	// Default: "dbguard:alerts"
	PubSubChannel string

	// ListKey, when set, also keeps the latest notifications in a list,
	// newest first.
	ListKey string

	// ListSize caps the list.
	// Default: 1000
	ListSize int64
}

// RedisChannel publishes notifications to Redis.
type RedisChannel struct {
	config RedisConfig
	client redis.UniversalClient
}

// NewRedisChannel creates a Redis channel on an existing client.
func NewRedisChannel(client redis.UniversalClient, config RedisConfig) *RedisChannel {
	if config.Name == "" {
		config.Name = "redis"
	}
	if config.PubSubChannel == "" {
		config.PubSubChannel = "dbguard:alerts"
	}
	if config.ListSize <= 0 {
		config.ListSize = 1000
	}
	return &RedisChannel{config: config, client: client}
}

// Name returns the channel name.
func (c *RedisChannel) Name() string {
	return c.config.Name
}

// Send publishes n and, with a ListKey, prepends it to the capped list in
// the same pipeline.
func (c *RedisChannel) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("alerting: encode notification: %w", err)
	}

	_, err = c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Publish(ctx, c.config.PubSubChannel, payload)
		if c.config.ListKey != "" {
			p.LPush(ctx, c.config.ListKey, payload)
			p.LTrim(ctx, c.config.ListKey, 0, c.config.ListSize-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("alerting: redis %s: %w", c.config.Name, err)
	}
	return nil
}
