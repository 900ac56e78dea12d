package main

import (
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"github.com/jonwraymond/dbguard/alerting"
	"github.com/jonwraymond/dbguard/config"
	"github.com/jonwraymond/dbguard/observe"
)

// buildChannels creates the configured notification channels. The returned
// closers release redis clients and kafka writers, and are valid even when
// err is not nil.
func buildChannels(cfgs []config.ChannelConfig, logger observe.Logger) ([]alerting.Channel, []io.Closer, error) {
	var (
		channels []alerting.Channel
		closers  []io.Closer
	)
	for _, cc := range cfgs {
		switch cc.Type {
		case config.ChannelLog:
			channels = append(channels, alerting.NewLogChannel(cc.ChannelName(), logger))

		case config.ChannelWebhook:
			ch, err := alerting.NewWebhookChannel(cc.Webhook())
			if err != nil {
				return nil, closers, err
			}
			channels = append(channels, ch)

		case config.ChannelRedis:
			rdb := redis.NewClient(&redis.Options{
				Addr:     cc.Addr,
				Password: cc.Password,
				DB:       cc.DB,
			})
			closers = append(closers, rdb)
			channels = append(channels, alerting.NewRedisChannel(rdb, cc.Redis()))

		case config.ChannelKafka:
			w := alerting.NewKafkaWriter(cc.Kafka())
			closers = append(closers, w)
			channels = append(channels, alerting.NewKafkaChannel(w, cc.Kafka()))

		default:
			return nil, closers, fmt.Errorf("alerting: unknown channel type %q", cc.Type)
		}
	}
	return channels, closers, nil
}
