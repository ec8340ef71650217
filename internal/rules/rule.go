package rules

import (
	"math"
	"time"

	"github.com/riffhi/MedWatch-sub000/internal/features"
	"github.com/riffhi/MedWatch-sub000/internal/model"
)

// EvalContext is what conditions and actions see for one data point
type EvalContext struct {
	Data    *model.EnrichedDataPoint
	Helpers Helpers
}

// Helpers are small pure functions available to rule conditions and actions
type Helpers struct{}

// InRange reports whether min <= v <= max
func (Helpers) InRange(v, min, max float64) bool {
	return v >= min && v <= max
}

// PercentChange returns the change from oldValue to newValue in percent,
// or 0 when oldValue is 0.
func (Helpers) PercentChange(oldValue, newValue float64) float64 {
	if oldValue == 0 {
		return 0
	}
	return (newValue - oldValue) / oldValue * 100
}

// DaysBetween returns the whole number of days separating a and b, rounded up
func (Helpers) DaysBetween(a, b time.Time) float64 {
	return math.Ceil(math.Abs(b.Sub(a).Hours()) / 24)
}

func (Helpers) IsWeekend(t time.Time) bool {
	d := t.Weekday()
	return d == time.Saturday || d == time.Sunday
}

// MovingAverage is the mean of the last window samples of series
func (Helpers) MovingAverage(series []float64, window int) float64 {
	if window <= 0 {
		return 0
	}
	return features.Mean(features.Tail(series, window))
}

// Outcome is what a matching rule reports
type Outcome struct {
	Type       model.AnomalyType `json:"type"`
	Severity   model.Severity    `json:"severity,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Message    string            `json:"message"`
	Details    map[string]any    `json:"details,omitempty"`
}

// Action builds the outcome of a rule once its condition matched
type Action func(ec *EvalContext) (Outcome, error)

// Rule is a named condition plus the action run when it matches
type Rule struct {
	ID          string
	Name        string
	Category    string
	Severity    model.Severity
	Description string
	Condition   Condition
	Action      Action
}

// Match is one rule firing for one data point
type Match struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Category string `json:"category"`
	Outcome
}

// RuleStats are the run-time counters of a registered rule
type RuleStats struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Category     string     `json:"category"`
	Enabled      bool       `json:"enabled"`
	Executions   int64      `json:"executions"`
	Matches      int64      `json:"matches"`
	AvgLatencyMs float64    `json:"avg_latency_ms"`
	SuccessRate  float64    `json:"success_rate"`
	LastMatch    *time.Time `json:"last_match,omitempty"`
}

// DefaultConfidence is used when a matching rule does not set its own
func DefaultConfidence(severity model.Severity) float64 {
	switch severity {
	case model.SeverityCritical:
		return 0.95
	case model.SeverityHigh:
		return 0.85
	case model.SeverityMedium:
		return 0.7
	default:
		return 0.5
	}
}
