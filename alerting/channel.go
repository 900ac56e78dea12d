package alerting

import (
	"context"
	"time"

	"github.com/jonwraymond/dbguard/observe"
)

// Notification is the payload sent to channels.
type Notification struct {
	AlertID   string         `json:"alertId"`
	Severity  Severity       `json:"severity"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewNotification builds the payload for a.
func NewNotification(a Alert) Notification {
	return Notification{
		AlertID:   a.ID,
		Severity:  a.Severity,
		Title:     a.RuleName,
		Message:   a.Message,
		Timestamp: a.Timestamp.UTC().Format(time.RFC3339),
		Data:      a.Data,
	}
}

// Channel delivers notifications. Send makes one attempt; the engine never
// retries.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// LogChannel writes notifications to a logger.
type LogChannel struct {
	name   string
	logger observe.Logger
}

// NewLogChannel creates a channel that logs every notification. Critical
// and error alerts log at error level, warnings at warn, the rest at info.
func NewLogChannel(name string, logger observe.Logger) *LogChannel {
	if name == "" {
		name = "log"
	}
	return &LogChannel{name: name, logger: observe.OrNop(logger)}
}

// Name returns the channel name.
func (c *LogChannel) Name() string {
	return c.name
}

// Send logs n.
func (c *LogChannel) Send(ctx context.Context, n Notification) error {
	fields := []observe.Field{
		{Key: "alert_id", Value: n.AlertID},
		{Key: "severity", Value: string(n.Severity)},
		{Key: "title", Value: n.Title},
		{Key: "timestamp", Value: n.Timestamp},
	}
	for k, v := range n.Data {
		fields = append(fields, observe.Field{Key: "data." + k, Value: v})
	}

	switch n.Severity {
	case SeverityCritical, SeverityError:
		c.logger.Error(ctx, n.Message, fields...)
	case SeverityWarning:
		c.logger.Warn(ctx, n.Message, fields...)
	default:
		c.logger.Info(ctx, n.Message, fields...)
	}
	return nil
}
