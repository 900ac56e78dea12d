package alerting

import "errors"

var (
	// ErrInvalidRule indicates a rule failed validation.
	ErrInvalidRule = errors.New("alerting: invalid rule")

	// ErrRuleNotFound indicates no rule has the given ID.
	ErrRuleNotFound = errors.New("alerting: rule not found")

	// ErrDuplicateRule indicates a rule with the same ID is already registered.
	ErrDuplicateRule = errors.New("alerting: duplicate rule")

	// ErrAlertNotFound indicates no alert has the given ID.
	ErrAlertNotFound = errors.New("alerting: alert not found")

	// ErrAlreadyRunning is returned by Engine.Start on a running engine.
	ErrAlreadyRunning = errors.New("alerting: engine already running")

	// ErrNoSource indicates the engine has no snapshot source.
	ErrNoSource = errors.New("alerting: no snapshot source")

	// ErrChannelLimited indicates a notification was dropped by a channel's
	// rate limiter.
	ErrChannelLimited = errors.New("alerting: channel rate limited")

	// ErrDelivery indicates a channel rejected a notification.
	ErrDelivery = errors.New("alerting: delivery failed")
)
