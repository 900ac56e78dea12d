package alerting

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/dbguard/clock"
	"github.com/jonwraymond/dbguard/internal/window"
	"github.com/jonwraymond/dbguard/observe"
	"github.com/jonwraymond/dbguard/resilience"
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Source provides the snapshot for each pass. Required.
	Source Source

	// EvaluationInterval is the period of the Start loop.
	// Default: 30 seconds
	EvaluationInterval time.Duration

	// MaxAlerts caps the alert log; the oldest alerts are dropped first.
	// Default: 1000
	MaxAlerts int

	// Channels receive fired alerts.
	Channels []Channel

	// ChannelRate is the sustained number of notifications per second each
	// channel accepts. Excess notifications are dropped and logged.
	// Default: 1
	ChannelRate float64

	// ChannelBurst is the per-channel burst size.
	// Default: 10
	ChannelBurst int

	// Clock is the time source.
	// Default: clock.Real()
	Clock clock.Clock

	// Logger receives evaluation and delivery entries.
	// Default: observe.NopLogger()
	Logger observe.Logger

	// Metrics counts fired alerts.
	// Default: observe.NopMetrics()
	Metrics observe.Metrics
}

type ruleState struct {
	rule         Rule
	tmpl         *template.Template
	lastFired    time.Time
	pendingSince time.Time
	active       []*Alert
}

type channelEntry struct {
	ch      Channel
	limiter *resilience.RateLimiter
}

// Engine evaluates rules against snapshots and dispatches alerts.
type Engine struct {
	config   EngineConfig
	clock    clock.Clock
	logger   observe.Logger
	metrics  observe.Metrics
	channels []channelEntry

	mu     sync.Mutex
	rules  map[string]*ruleState
	order  []string
	alerts *window.Window[*Alert]

	runMu sync.Mutex
	stop  context.CancelFunc
	done  chan struct{}
}

// NewEngine creates an engine with no rules.
func NewEngine(config EngineConfig) (*Engine, error) {
	if config.Source == nil {
		return nil, ErrNoSource
	}
	if config.EvaluationInterval <= 0 {
		config.EvaluationInterval = 30 * time.Second
	}
	if config.MaxAlerts <= 0 {
		config.MaxAlerts = 1000
	}
	if config.ChannelRate <= 0 {
		config.ChannelRate = 1
	}
	if config.ChannelBurst <= 0 {
		config.ChannelBurst = 10
	}

	c := clock.OrReal(config.Clock)
	e := &Engine{
		config:  config,
		clock:   c,
		logger:  observe.OrNop(config.Logger).With(observe.Field{Key: "component", Value: "alerting"}),
		metrics: config.Metrics,
		rules:   make(map[string]*ruleState),
		alerts:  window.New[*Alert](config.MaxAlerts),
	}
	if e.metrics == nil {
		e.metrics = observe.NopMetrics()
	}

	seen := make(map[string]bool, len(config.Channels))
	for _, ch := range config.Channels {
		if seen[ch.Name()] {
			return nil, fmt.Errorf("alerting: duplicate channel %q", ch.Name())
		}
		seen[ch.Name()] = true
		e.channels = append(e.channels, channelEntry{
			ch: ch,
			limiter: resilience.NewRateLimiter(resilience.RateLimiterConfig{
				Rate:  config.ChannelRate,
				Burst: config.ChannelBurst,
				Clock: c,
			}),
		})
	}
	return e, nil
}

// AddRule validates and registers a rule.
func (e *Engine) AddRule(r Rule) error {
	r, tmpl, err := r.validate()
	if err != nil {
		return err
	}
	for _, name := range r.Channels {
		if !e.hasChannel(name) {
			return fmt.Errorf("%w: %s: unknown channel %q", ErrInvalidRule, r.ID, name)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[r.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, r.ID)
	}
	e.rules[r.ID] = &ruleState{rule: r, tmpl: tmpl}
	e.order = append(e.order, r.ID)
	return nil
}

// RemoveRule unregisters a rule. Its alerts stay in the log.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(e.rules, id)
	e.order = slices.DeleteFunc(e.order, func(s string) bool { return s == id })
	return nil
}

// SetRuleEnabled toggles a rule. Disabling a rule clears any pending For
// window.
func (e *Engine) SetRuleEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	st.rule.Enabled = enabled
	if !enabled {
		st.pendingSince = time.Time{}
	}
	return nil
}

// Rules returns the registered rules in registration order.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Rule, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.rules[id].rule)
	}
	return out
}

// Alerts returns up to limit alerts, newest first. A limit of zero or less
// returns the whole log.
func (e *Engine) Alerts(limit int) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	all := e.alerts.Snapshot()
	n := len(all)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Alert, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i].clone())
	}
	return out
}

// ActiveAlerts returns the unresolved alerts, newest first.
func (e *Engine) ActiveAlerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Alert
	all := e.alerts.Snapshot()
	for i := len(all) - 1; i >= 0; i-- {
		if !all[i].Resolved() {
			out = append(out, all[i].clone())
		}
	}
	return out
}

// Resolve marks an alert resolved. Resolving a resolved alert is a no-op.
func (e *Engine) Resolve(id string) error {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	var found *Alert
	e.alerts.Each(func(a *Alert) bool {
		if a.ID == id {
			found = a
			return false
		}
		return true
	})
	if found == nil {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if found.ResolvedAt == nil {
		found.ResolvedAt = &now
	}
	if st, ok := e.rules[found.RuleID]; ok {
		st.active = slices.DeleteFunc(st.active, func(a *Alert) bool { return a == found })
	}
	return nil
}

// EvaluateOnce runs one pass over the enabled rules, dispatches the alerts
// that fired and returns them. Alerts whose condition no longer holds are
// resolved.
func (e *Engine) EvaluateOnce(ctx context.Context) []Alert {
	snap, err := e.config.Source.Snapshot(ctx)
	if err != nil {
		e.logger.Warn(ctx, "alert evaluation skipped", observe.Field{Key: "error", Value: err})
		return nil
	}
	now := e.clock.Now()

	var (
		fired    []Alert
		targets  [][]string
		resolved []Alert
	)
	e.mu.Lock()
	for _, id := range e.order {
		st := e.rules[id]
		if !st.rule.Enabled {
			continue
		}
		a, res := e.evaluateLocked(st, snap, now)
		if a != nil {
			fired = append(fired, a.clone())
			targets = append(targets, slices.Clone(st.rule.Channels))
		}
		resolved = append(resolved, res...)
	}
	e.mu.Unlock()

	for _, a := range resolved {
		e.logger.Info(ctx, "alert resolved",
			observe.Field{Key: "alert_id", Value: a.ID},
			observe.Field{Key: "rule", Value: a.RuleID},
		)
	}
	for i, a := range fired {
		e.logger.Warn(ctx, "alert fired",
			observe.Field{Key: "alert_id", Value: a.ID},
			observe.Field{Key: "rule", Value: a.RuleID},
			observe.Field{Key: "severity", Value: string(a.Severity)},
			observe.Field{Key: "message", Value: a.Message},
		)
		e.metrics.RecordAlert(ctx, a.RuleID, string(a.Severity))
		e.dispatch(ctx, a, targets[i])
	}
	return fired
}

func (e *Engine) evaluateLocked(st *ruleState, snap Snapshot, now time.Time) (*Alert, []Alert) {
	cond := st.rule.Condition
	value, ok := snap.Extract(cond.Metric, cond.Schema)
	if !ok {
		return nil, nil
	}

	if !cond.Matches(value) {
		st.pendingSince = time.Time{}
		var resolved []Alert
		for _, a := range st.active {
			if a.ResolvedAt == nil {
				t := now
				a.ResolvedAt = &t
				resolved = append(resolved, a.clone())
			}
		}
		st.active = nil
		return nil, resolved
	}

	if cond.For > 0 {
		if st.pendingSince.IsZero() {
			st.pendingSince = now
		}
		if now.Sub(st.pendingSince) < cond.For {
			return nil, nil
		}
	}
	if !st.lastFired.IsZero() && now.Sub(st.lastFired) < st.rule.Cooldown {
		return nil, nil
	}

	threshold := cond.thresholdString()
	a := &Alert{
		ID:        uuid.NewString(),
		RuleID:    st.rule.ID,
		RuleName:  st.rule.Name,
		Severity:  st.rule.Severity,
		Timestamp: now,
		Message: renderMessage(st.tmpl, MessageData{
			Rule:      st.rule,
			Value:     value,
			Threshold: threshold,
			Schema:    cond.Schema,
			Timestamp: now,
		}),
		Data: map[string]any{
			"metric":    string(cond.Metric),
			"operator":  string(cond.Operator),
			"threshold": threshold,
			"value":     value.String(),
		},
	}
	if cond.Schema != "" {
		a.Data["schema"] = cond.Schema
	}

	st.lastFired = now
	st.active = append(st.active, a)
	if dropped, ok := e.alerts.Push(a); ok {
		if rs, ok := e.rules[dropped.RuleID]; ok {
			rs.active = slices.DeleteFunc(rs.active, func(x *Alert) bool { return x == dropped })
		}
	}
	return a, nil
}

// dispatch sends a to the named channels, or to all channels when names is
// empty, concurrently. Each channel gets one attempt; failures are logged and
// do not affect the other channels.
func (e *Engine) dispatch(ctx context.Context, a Alert, names []string) {
	targets := e.targets(names)
	if len(targets) == 0 {
		return
	}
	n := NewNotification(a)

	var g errgroup.Group
	for _, t := range targets {
		g.Go(func() error {
			err := e.send(ctx, t, n)
			if err != nil {
				e.logger.Error(ctx, "alert delivery failed",
					observe.Field{Key: "alert_id", Value: a.ID},
					observe.Field{Key: "channel", Value: t.ch.Name()},
					observe.Field{Key: "error", Value: err},
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) send(ctx context.Context, t channelEntry, n Notification) (err error) {
	if !t.limiter.Allow() {
		return ErrChannelLimited
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("alerting: channel %s panicked: %v", t.ch.Name(), r)
		}
	}()
	return t.ch.Send(ctx, n)
}

func (e *Engine) targets(names []string) []channelEntry {
	if len(names) == 0 {
		return e.channels
	}
	out := make([]channelEntry, 0, len(names))
	for _, t := range e.channels {
		if slices.Contains(names, t.ch.Name()) {
			out = append(out, t)
		}
	}
	return out
}

func (e *Engine) hasChannel(name string) bool {
	for _, t := range e.channels {
		if t.ch.Name() == name {
			return true
		}
	}
	return false
}

// Start evaluates once immediately and then every EvaluationInterval until
// ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.stop != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.stop, e.done = cancel, done

	go func() {
		defer func() {
			// Clear the run state when ctx ends the loop so Start works again.
			e.runMu.Lock()
			if e.done == done {
				cancel()
				e.stop, e.done = nil, nil
			}
			e.runMu.Unlock()
			close(done)
		}()

		ticker := time.NewTicker(e.config.EvaluationInterval)
		defer ticker.Stop()

		e.EvaluateOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.EvaluateOnce(ctx)
			}
		}
	}()

	e.logger.Info(ctx, "alerting engine started",
		observe.Field{Key: "interval", Value: e.config.EvaluationInterval.String()},
		observe.Field{Key: "rules", Value: len(e.Rules())},
	)
	return nil
}

// Stop ends the Start loop and waits for the running pass to finish.
func (e *Engine) Stop() {
	e.runMu.Lock()
	stop, done := e.stop, e.done
	e.stop, e.done = nil, nil
	e.runMu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
}
