package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// WebhookConfig configures a WebhookChannel.
type WebhookConfig struct {
	// Name is the channel name.
	// Default: "webhook"
	Name string

	// URL receives a POST with the JSON notification.
	URL string

	// SigningKey signs an HS256 bearer token sent with every request. An
	// empty key sends no Authorization header.
	SigningKey []byte

	// Issuer is the iss claim of the bearer token.
	// Default: "dbguard"
	Issuer string

	// Timeout bounds one delivery.
	// Default: 5 seconds
	Timeout time.Duration

	// Headers are added to every request.
	Headers map[string]string

	// Client sends the requests.
	// Default: an http.Client with Timeout
	Client *http.Client
}

// WebhookChannel posts notifications to an HTTP endpoint.
type WebhookChannel struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(config WebhookConfig) (*WebhookChannel, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("alerting: webhook %q: missing url", config.Name)
	}
	if config.Name == "" {
		config.Name = "webhook"
	}
	if config.Issuer == "" {
		config.Issuer = "dbguard"
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &WebhookChannel{config: config, client: client}, nil
}

// Name returns the channel name.
func (c *WebhookChannel) Name() string {
	return c.config.Name
}

// Send posts n. A non-2xx response is an error wrapping ErrDelivery.
func (c *WebhookChannel) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("alerting: encode notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alerting: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	if len(c.config.SigningKey) > 0 {
		token, err := c.sign(n)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("alerting: webhook %s: %w", c.config.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: webhook %s: status %d", ErrDelivery, c.config.Name, resp.StatusCode)
	}
	return nil
}

func (c *WebhookChannel) sign(n Notification) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": c.config.Issuer,
		"sub": n.AlertID,
		"iat": now.Unix(),
		"exp": now.Add(c.config.Timeout + time.Minute).Unix(),
		"sev": string(n.Severity),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.config.SigningKey)
	if err != nil {
		return "", fmt.Errorf("alerting: sign webhook token: %w", err)
	}
	return token, nil
}
