package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is implemented by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaConfig configures a KafkaChannel.
type KafkaConfig struct {
	// Name is the channel name.
	// Default: "kafka"
	Name string

	// Brokers are used by NewKafkaWriter.
	Brokers []string

	// Topic receives the notifications.
	// Default: "dbguard.alerts"
	Topic string
}

// NewKafkaWriter creates a writer for config. Alert delivery is fire and
// forget, so the writer makes a single attempt and waits for the leader only.
func NewKafkaWriter(config KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            1,
		WriteTimeout:           5 * time.Second,
		BatchTimeout:           10 * time.Millisecond,
	}
}

// KafkaChannel produces notifications to a Kafka topic, keyed by alert ID.
type KafkaChannel struct {
	config KafkaConfig
	writer MessageWriter
}

// NewKafkaChannel creates a Kafka channel on w.
func NewKafkaChannel(w MessageWriter, config KafkaConfig) *KafkaChannel {
	if config.Name == "" {
		config.Name = "kafka"
	}
	if config.Topic == "" {
		config.Topic = "dbguard.alerts"
	}
	return &KafkaChannel{config: config, writer: w}
}

// Name returns the channel name.
func (c *KafkaChannel) Name() string {
	return c.config.Name
}

// Send writes n as one message.
func (c *KafkaChannel) Send(ctx context.Context, n Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("alerting: encode notification: %w", err)
	}

	err = c.writer.WriteMessages(ctx, kafka.Message{
		Topic: c.config.Topic,
		Key:   []byte(n.AlertID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "severity", Value: []byte(n.Severity)},
		},
	})
	if err != nil {
		return fmt.Errorf("alerting: kafka %s: %w", c.config.Name, err)
	}
	return nil
}
