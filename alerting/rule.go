package alerting

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// Severity ranks alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Operator compares a metric with a rule threshold.
type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpContains     Operator = "contains"
)

var operators = []Operator{OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpContains}

// ParseOperator accepts the symbolic operators and the gt/gte/lt/lte/eq
// spellings.
func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case ">", "gt":
		return OpGreater, nil
	case ">=", "gte":
		return OpGreaterEqual, nil
	case "<", "lt":
		return OpLess, nil
	case "<=", "lte":
		return OpLessEqual, nil
	case "==", "=", "eq":
		return OpEqual, nil
	case "contains":
		return OpContains, nil
	}
	return "", fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, s)
}

// Condition is the predicate of a rule.
type Condition struct {
	// Metric selects the value to test.
	Metric MetricKind

	// Schema narrows schema metrics to one monitor. Empty aggregates over
	// all schemas.
	Schema string

	// Operator compares the metric with the threshold.
	Operator Operator

	// Threshold is the numeric threshold.
	Threshold float64

	// Text is the textual threshold used by == on text metrics and by
	// contains.
	Text string

	// For requires the condition to hold continuously this long before the
	// rule fires.
	For time.Duration
}

// Matches reports whether v satisfies the condition.
func (c Condition) Matches(v Value) bool {
	switch c.Operator {
	case OpContains:
		return strings.Contains(v.String(), c.Text)
	case OpEqual:
		if c.Text != "" {
			return v.String() == c.Text
		}
		return v.Num == c.Threshold
	case OpGreater:
		return v.Num > c.Threshold
	case OpGreaterEqual:
		return v.Num >= c.Threshold
	case OpLess:
		return v.Num < c.Threshold
	case OpLessEqual:
		return v.Num <= c.Threshold
	}
	return false
}

func (c Condition) thresholdString() string {
	if c.Text != "" {
		return c.Text
	}
	return strconv.FormatFloat(c.Threshold, 'f', -1, 64)
}

// Rule is a declarative alert rule.
type Rule struct {
	ID          string
	Name        string
	Description string
	Severity    Severity
	Condition   Condition

	// Cooldown is the minimum time between two firings.
	// Default: 5 minutes
	Cooldown time.Duration

	Enabled bool

	// Channels names the channels alerts are sent to. Empty sends to all
	// channels of the engine.
	Channels []string

	// Message is an optional text/template for the alert message. It is
	// executed with a MessageData.
	Message string
}

// DefaultCooldown applies to rules without a cooldown.
const DefaultCooldown = 5 * time.Minute

// MessageData is passed to rule message templates.
type MessageData struct {
	Rule      Rule
	Value     Value
	Threshold string
	Schema    string
	Timestamp time.Time
}

// validate checks the rule and returns it with defaults applied and its
// message template compiled.
func (r Rule) validate() (Rule, *template.Template, error) {
	if r.ID == "" {
		return r, nil, fmt.Errorf("%w: missing id", ErrInvalidRule)
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	if r.Severity == "" {
		r.Severity = SeverityWarning
	}
	if !r.Severity.valid() {
		return r, nil, fmt.Errorf("%w: %s: unknown severity %q", ErrInvalidRule, r.ID, r.Severity)
	}
	if !r.Condition.Metric.valid() {
		return r, nil, fmt.Errorf("%w: %s: unknown metric %q", ErrInvalidRule, r.ID, r.Condition.Metric)
	}
	if !slices.Contains(operators, r.Condition.Operator) {
		return r, nil, fmt.Errorf("%w: %s: unknown operator %q", ErrInvalidRule, r.ID, r.Condition.Operator)
	}
	if r.Condition.Operator == OpContains && r.Condition.Text == "" {
		return r, nil, fmt.Errorf("%w: %s: contains needs a text threshold", ErrInvalidRule, r.ID)
	}
	if r.Condition.For < 0 {
		return r, nil, fmt.Errorf("%w: %s: negative for duration", ErrInvalidRule, r.ID)
	}
	if r.Cooldown <= 0 {
		r.Cooldown = DefaultCooldown
	}
	r.Channels = slices.Clone(r.Channels)

	if r.Message == "" {
		return r, nil, nil
	}
	tmpl, err := template.New(r.ID).Option("missingkey=zero").Parse(r.Message)
	if err != nil {
		return r, nil, fmt.Errorf("%w: %s: message template: %w", ErrInvalidRule, r.ID, err)
	}
	return r, tmpl, nil
}

func renderMessage(tmpl *template.Template, data MessageData) string {
	if tmpl != nil {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err == nil {
			return buf.String()
		}
	}
	c := data.Rule.Condition
	subject := string(c.Metric)
	if data.Schema != "" {
		subject += "[" + data.Schema + "]"
	}
	return fmt.Sprintf("%s: %s is %s (%s %s)",
		data.Rule.Name, subject, data.Value, c.Operator, data.Threshold)
}

// Alert is a fired rule. Only ResolvedAt changes after creation.
type Alert struct {
	ID         string         `json:"id"`
	RuleID     string         `json:"ruleId"`
	RuleName   string         `json:"ruleName"`
	Severity   Severity       `json:"severity"`
	Message    string         `json:"message"`
	Timestamp  time.Time      `json:"timestamp"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Resolved reports whether the alert has been resolved.
func (a Alert) Resolved() bool {
	return a.ResolvedAt != nil
}

func (a *Alert) clone() Alert {
	c := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}
