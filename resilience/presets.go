package resilience

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Preset names accepted by Preset.
const (
	PresetNameDefault          = "default"
	PresetNameConnectionReset  = "connection_reset"
	PresetNamePoolExhausted    = "pool_exhausted"
	PresetNameLockTimeout      = "lock_timeout"
	PresetNameStatementTimeout = "statement_timeout"
	PresetNameSerialization    = "serialization"
)

var presets = map[string]func() RetryConfig{
	PresetNameDefault:          PresetDefault,
	PresetNameConnectionReset:  PresetConnectionReset,
	PresetNamePoolExhausted:    PresetPoolExhausted,
	PresetNameLockTimeout:      PresetLockTimeout,
	PresetNameStatementTimeout: PresetStatementTimeout,
	PresetNameSerialization:    PresetSerialization,
}

// Preset returns the named retry preset. An empty name selects the default.
func Preset(name string) (RetryConfig, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = PresetNameDefault
	}
	fn, ok := presets[name]
	if !ok {
		return RetryConfig{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	return fn(), nil
}

// PresetNames lists the known preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// PresetDefault retries the general transient set a few times.
func PresetDefault() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		Factor:          2,
		Jitter:          true,
		RetryableErrors: slices.Clone(DefaultRetryableErrors),
	}
}

// PresetConnectionReset is for dropped or refused connections, where the
// server usually needs a moment to come back.
func PresetConnectionReset() RetryConfig {
	return RetryConfig{
		MaxRetries:   5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2,
		Jitter:       true,
		RetryableErrors: []string{
			"ECONNRESET",
			"ECONNREFUSED",
			"ECONNABORTED",
			"EPIPE",
			"ETIMEDOUT",
			"ER_SERVER_SHUTDOWN",
			"08001", // sqlclient_unable_to_establish_sqlconnection
			"08003",
			"08006",
			"57P01", // admin_shutdown
			"driver: bad connection",
			"invalid connection",
			"connection reset",
			"connection refused",
			"broken pipe",
		},
	}
}

// PresetPoolExhausted backs off slowly while the server or the local pool
// has no free connections.
func PresetPoolExhausted() RetryConfig {
	return RetryConfig{
		MaxRetries:   5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     15 * time.Second,
		Factor:       1.5,
		Jitter:       true,
		RetryableErrors: []string{
			"ER_CON_COUNT_ERROR",
			"ER_TOO_MANY_USER_CONNECTIONS",
			"53300", // too_many_connections
			"too many connections",
			"bulkhead at capacity",
		},
	}
}

// PresetLockTimeout retries quickly on lock waits and deadlocks.
func PresetLockTimeout() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Factor:       2,
		Jitter:       true,
		RetryableErrors: []string{
			"ER_LOCK_WAIT_TIMEOUT",
			"ER_LOCK_DEADLOCK",
			"40P01",
			"55P03", // lock_not_available
			"Deadlock found",
			"Lock wait timeout",
			"deadlock detected",
			"lock timeout",
		},
	}
}

// PresetStatementTimeout gives a slow statement one or two more chances.
func PresetStatementTimeout() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Factor:       2,
		Jitter:       true,
		RetryableErrors: []string{
			"ETIMEDOUT",
			"ER_QUERY_TIMEOUT",
			"ER_QUERY_INTERRUPTED",
			"57014", // query_canceled
			"statement timeout",
		},
	}
}

// PresetSerialization retries aborted serializable transactions with short
// delays.
func PresetSerialization() RetryConfig {
	return RetryConfig{
		MaxRetries:   5,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     time.Second,
		Factor:       2,
		Jitter:       true,
		RetryableErrors: []string{
			"40001",
			"40P01",
			"ER_LOCK_DEADLOCK",
			"could not serialize access",
		},
	}
}
