package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jonwraymond/dbguard/clock"
)

// RateLimiterConfig configures the rate limiter.
type RateLimiterConfig struct {
	// Rate is the number of operations allowed per second.
	// Default: 100
	Rate float64

	// Burst is the maximum burst size.
	// Default: 10
	Burst int

	// WaitOnLimit waits for a token instead of returning error.
	// Default: false
	WaitOnLimit bool

	// MaxWait is the maximum time to wait for a token.
	// Default: 1 second
	MaxWait time.Duration

	// Clock drives token refill.
	// Default: clock.Real()
	Clock clock.Clock
}

// RateLimiter implements a token bucket rate limiter.
type RateLimiter struct {
	config RateLimiterConfig
	clock  clock.Clock

	mu          sync.Mutex
	tokens      float64
	lastRefresh time.Time
	allowed     int64
	dropped     int64
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Rate <= 0 {
		config.Rate = 100
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	if config.MaxWait <= 0 {
		config.MaxWait = time.Second
	}

	c := clock.OrReal(config.Clock)
	return &RateLimiter{
		config:      config,
		clock:       c,
		tokens:      float64(config.Burst),
		lastRefresh: c.Now(),
	}
}

// Allow checks if a request is allowed under the rate limit.
func (rl *RateLimiter) Allow() bool {
	return rl.AllowN(1)
}

// AllowN checks if n requests are allowed. A refusal counts as a drop.
func (rl *RateLimiter) AllowN(n int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.takeLocked(n) {
		rl.allowed++
		return true
	}
	rl.dropped++
	return false
}

func (rl *RateLimiter) takeLocked(n int) bool {
	rl.refillLocked()

	if rl.tokens >= float64(n) {
		rl.tokens -= float64(n)
		return true
	}
	return false
}

// Wait blocks until a token is available or context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.WaitN(ctx, 1)
}

// WaitN blocks until n tokens are available.
func (rl *RateLimiter) WaitN(ctx context.Context, n int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	rl.mu.Lock()
	if rl.takeLocked(n) {
		rl.allowed++
		rl.mu.Unlock()
		return nil
	}
	tokensNeeded := float64(n) - rl.tokens
	waitTime := time.Duration(tokensNeeded / rl.config.Rate * float64(time.Second))
	rl.mu.Unlock()

	if waitTime > rl.config.MaxWait {
		waitTime = rl.config.MaxWait
	}

	timer := time.NewTimer(waitTime)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if rl.AllowN(n) {
			return nil
		}
		return ErrRateLimitExceeded
	}
}

// Execute runs the operation if allowed by rate limit.
func (rl *RateLimiter) Execute(ctx context.Context, op func(context.Context) error) error {
	if rl.config.WaitOnLimit {
		if err := rl.Wait(ctx); err != nil {
			return err
		}
	} else if !rl.Allow() {
		return ErrRateLimitExceeded
	}

	return op(ctx)
}

func (rl *RateLimiter) refillLocked() {
	now := rl.clock.Now()
	elapsed := now.Sub(rl.lastRefresh)
	if elapsed <= 0 {
		return
	}
	rl.lastRefresh = now

	rl.tokens += elapsed.Seconds() * rl.config.Rate
	if rl.tokens > float64(rl.config.Burst) {
		rl.tokens = float64(rl.config.Burst)
	}
}

// Tokens returns the current number of available tokens.
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refillLocked()
	return rl.tokens
}

// Reset resets the rate limiter to full capacity and clears its counters.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.tokens = float64(rl.config.Burst)
	rl.lastRefresh = rl.clock.Now()
	rl.allowed = 0
	rl.dropped = 0
}

// Metrics returns the allow and drop counts.
func (rl *RateLimiter) Metrics() RateLimiterMetrics {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return RateLimiterMetrics{Allowed: rl.allowed, Dropped: rl.dropped}
}

// RateLimiterMetrics contains rate limiter statistics.
type RateLimiterMetrics struct {
	Allowed int64 `json:"allowed"`
	Dropped int64 `json:"dropped"`
}
