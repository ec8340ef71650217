package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/riffhi/MedWatch-sub000/internal/model"
)

// Observer receives one call per rule evaluation
type Observer interface {
	ObserveRule(ruleID string, matched bool, err error, elapsed time.Duration)
}

// Option configures an Engine
type Option func(*Engine)

// WithObserver reports every rule evaluation to o
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

type registeredRule struct {
	rule *Rule

	mu         sync.Mutex
	enabled    bool
	executions int64
	matches    int64
	avgLatency float64 // milliseconds
	lastMatch  time.Time
}

func (r *registeredRule) isEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *registeredRule) setEnabled(enabled bool) {
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
}

func (r *registeredRule) record(elapsed time.Duration, matched bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions++
	ms := float64(elapsed) / float64(time.Millisecond)
	r.avgLatency = (r.avgLatency*float64(r.executions-1) + ms) / float64(r.executions)
	if matched {
		r.matches++
		r.lastMatch = time.Now()
	}
}

func (r *registeredRule) stats() RuleStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := RuleStats{
		ID:           r.rule.ID,
		Name:         r.rule.Name,
		Category:     r.rule.Category,
		Enabled:      r.enabled,
		Executions:   r.executions,
		Matches:      r.matches,
		AvgLatencyMs: r.avgLatency,
	}
	if r.executions > 0 {
		s.SuccessRate = float64(r.matches) / float64(r.executions) * 100
	}
	if !r.lastMatch.IsZero() {
		t := r.lastMatch
		s.LastMatch = &t
	}
	return s
}

// Engine is a registry of rules evaluated against enriched data points.
// Evaluate is safe for concurrent use.
type Engine struct {
	logger   *zap.Logger
	observer Observer

	mu    sync.RWMutex
	rules map[string]*registeredRule
	order []string
}

// NewEngine creates an empty rule engine
func NewEngine(logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger: logger.Named("rule-engine"),
		rules:  make(map[string]*registeredRule),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddRule registers rule as enabled with zeroed statistics
func (e *Engine) AddRule(rule *Rule) error {
	if rule == nil {
		return fmt.Errorf("%w: nil rule", ErrInvalidRule)
	}
	switch {
	case rule.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	case rule.Name == "":
		return fmt.Errorf("%w: rule %s: name is required", ErrInvalidRule, rule.ID)
	case rule.Condition == nil:
		return fmt.Errorf("%w: rule %s: condition is required", ErrInvalidRule, rule.ID)
	case rule.Action == nil:
		return fmt.Errorf("%w: rule %s: action is required", ErrInvalidRule, rule.ID)
	}
	if rule.Severity != "" && !rule.Severity.Valid() {
		return fmt.Errorf("%w: rule %s: unknown severity %q", ErrInvalidRule, rule.ID, rule.Severity)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.ID)
	}
	e.rules[rule.ID] = &registeredRule{rule: rule, enabled: true}
	e.order = append(e.order, rule.ID)

	e.logger.Debug("Rule registered",
		zap.String("rule_id", rule.ID),
		zap.String("category", rule.Category))
	return nil
}

// AddRules registers every rule, stopping at the first error
func (e *Engine) AddRules(rules []*Rule) error {
	for _, r := range rules {
		if err := e.AddRule(r); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate runs every enabled rule against dp and returns the matches in
// registration order. A rule that fails is logged and skipped.
func (e *Engine) Evaluate(ctx context.Context, dp *model.EnrichedDataPoint) []Match {
	e.mu.RLock()
	active := make([]*registeredRule, 0, len(e.order))
	for _, id := range e.order {
		if r := e.rules[id]; r.isEnabled() {
			active = append(active, r)
		}
	}
	e.mu.RUnlock()

	ec := &EvalContext{Data: dp}
	var matches []Match
	for _, r := range active {
		if ctx.Err() != nil {
			break
		}
		m, matched, err := e.evaluateRule(r, ec)
		if err != nil {
			e.logger.Warn("Rule evaluation failed",
				zap.String("rule_id", r.rule.ID),
				zap.String("data_point_id", dp.ID),
				zap.Error(err))
			continue
		}
		if matched {
			matches = append(matches, m)
		}
	}
	return matches
}

func (e *Engine) evaluateRule(r *registeredRule, ec *EvalContext) (m Match, matched bool, err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			matched = false
			err = fmt.Errorf("%w: rule %s panicked: %v", ErrRuleEvaluation, r.rule.ID, p)
		}
		elapsed := time.Since(start)
		r.record(elapsed, matched)
		if e.observer != nil {
			e.observer.ObserveRule(r.rule.ID, matched, err, elapsed)
		}
	}()

	ok, err := r.rule.Condition.Evaluate(ec)
	if err != nil {
		return Match{}, false, fmt.Errorf("%w: condition of %s: %v", ErrRuleEvaluation, r.rule.ID, err)
	}
	if !ok {
		return Match{}, false, nil
	}

	outcome, err := r.rule.Action(ec)
	if err != nil {
		return Match{}, false, fmt.Errorf("%w: action of %s: %v", ErrRuleEvaluation, r.rule.ID, err)
	}
	if outcome.Severity == "" {
		outcome.Severity = r.rule.Severity
	}
	if outcome.Confidence <= 0 {
		outcome.Confidence = DefaultConfidence(outcome.Severity)
	}
	if outcome.Confidence > 1 {
		outcome.Confidence = 1
	}

	return Match{
		RuleID:   r.rule.ID,
		RuleName: r.rule.Name,
		Category: r.rule.Category,
		Outcome:  outcome,
	}, true, nil
}

// EnableRule reports false for an unknown id
func (e *Engine) EnableRule(id string) bool {
	return e.setEnabled(id, true)
}

// DisableRule reports false for an unknown id
func (e *Engine) DisableRule(id string) bool {
	return e.setEnabled(id, false)
}

func (e *Engine) setEnabled(id string, enabled bool) bool {
	e.mu.RLock()
	r, ok := e.rules[id]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	r.setEnabled(enabled)
	e.logger.Info("Rule state changed",
		zap.String("rule_id", id),
		zap.Bool("enabled", enabled))
	return true
}

// RemoveRule reports false for an unknown id
func (e *Engine) RemoveRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return false
	}
	delete(e.rules, id)
	for i, existing := range e.order {
		if existing == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return true
}

// GetRuleStats returns a snapshot of the statistics of every rule
func (e *Engine) GetRuleStats() map[string]RuleStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]RuleStats, len(e.rules))
	for id, r := range e.rules {
		out[id] = r.stats()
	}
	return out
}

// Rules lists the registered rules in registration order
func (e *Engine) Rules() []RuleStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]RuleStats, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.rules[id].stats())
	}
	return out
}
