package rules

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/riffhi/MedWatch-sub000/internal/model"
)

// Definition is the YAML form of a rule. Exactly one of Expression and
// Condition must be set.
type Definition struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Category    string         `yaml:"category"`
	Severity    model.Severity `yaml:"severity"`
	Description string         `yaml:"description"`
	Enabled     *bool          `yaml:"enabled"`

	Expression string         `yaml:"expression"`
	Condition  *ConditionNode `yaml:"condition"`
	Outcome    OutcomeSpec    `yaml:"outcome"`
}

// ConditionNode is either a group (Logic + Conditions) or a comparison
// (Field + Operator + Value).
type ConditionNode struct {
	Logic      string          `yaml:"logic"`
	Conditions []ConditionNode `yaml:"conditions"`

	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
	Value    any    `yaml:"value"`
}

// OutcomeSpec is the declarative result of a matching definition.
// Message may reference fields as {path}, e.g. "{medicineName} at {location}".
type OutcomeSpec struct {
	Type       model.AnomalyType `yaml:"type"`
	Severity   model.Severity    `yaml:"severity"`
	Confidence float64           `yaml:"confidence"`
	Message    string            `yaml:"message"`
	Details    []string          `yaml:"details"`
}

type definitionFile struct {
	Rules []Definition `yaml:"rules"`
}

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.]*)\}`)

// LoadDefinitions decodes and validates a YAML document of rule definitions
func LoadDefinitions(r io.Reader) ([]Definition, error) {
	var file definitionFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: decode rule definitions: %v", ErrInvalidRule, err)
	}
	for i := range file.Rules {
		if _, err := file.Rules[i].Build(); err != nil {
			return nil, err
		}
	}
	return file.Rules, nil
}

// Load reads definitions from r and registers them, honouring enabled: false
func (e *Engine) Load(r io.Reader) (int, error) {
	defs, err := LoadDefinitions(r)
	if err != nil {
		return 0, err
	}
	for i, def := range defs {
		rule, err := def.Build()
		if err != nil {
			return i, err
		}
		if err := e.AddRule(rule); err != nil {
			return i, err
		}
		if def.Enabled != nil && !*def.Enabled {
			e.DisableRule(rule.ID)
		}
	}
	return len(defs), nil
}

// LoadFile is Load for a file path
func (e *Engine) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open rule file: %w", err)
	}
	defer f.Close()
	return e.Load(f)
}

// Build compiles the definition into a Rule
func (d Definition) Build() (*Rule, error) {
	if d.ID == "" || d.Name == "" {
		return nil, fmt.Errorf("%w: definition %q needs an id and a name", ErrInvalidRule, d.ID)
	}
	if d.Severity != "" && !d.Severity.Valid() {
		return nil, fmt.Errorf("%w: rule %s: unknown severity %q", ErrInvalidRule, d.ID, d.Severity)
	}
	if d.Outcome.Severity != "" && !d.Outcome.Severity.Valid() {
		return nil, fmt.Errorf("%w: rule %s: unknown outcome severity %q", ErrInvalidRule, d.ID, d.Outcome.Severity)
	}
	if d.Outcome.Confidence < 0 || d.Outcome.Confidence > 1 {
		return nil, fmt.Errorf("%w: rule %s: confidence must be within [0,1]", ErrInvalidRule, d.ID)
	}

	var cond Condition
	switch {
	case d.Expression != "" && d.Condition != nil:
		return nil, fmt.Errorf("%w: rule %s: set expression or condition, not both", ErrInvalidRule, d.ID)
	case d.Expression != "":
		expr, err := CompileExpression(d.Expression)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", d.ID, err)
		}
		cond = expr
	case d.Condition != nil:
		c, err := d.Condition.build()
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", d.ID, err)
		}
		cond = c
	default:
		return nil, fmt.Errorf("%w: rule %s has no condition", ErrInvalidRule, d.ID)
	}

	for _, path := range placeholder.FindAllStringSubmatch(d.Outcome.Message, -1) {
		if _, _, err := resolveField(path[1]); err != nil {
			return nil, fmt.Errorf("%w: rule %s message: %v", ErrInvalidRule, d.ID, err)
		}
	}
	details := make(map[string]fieldGetter, len(d.Outcome.Details))
	for _, path := range d.Outcome.Details {
		p, get, err := resolveField(path)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s details: %v", ErrInvalidRule, d.ID, err)
		}
		details[p] = get
	}

	outcome := d.Outcome
	if outcome.Type == "" {
		outcome.Type = model.AnomalyTypeStatistical
	}
	return &Rule{
		ID:          d.ID,
		Name:        d.Name,
		Category:    d.Category,
		Severity:    d.Severity,
		Description: d.Description,
		Condition:   cond,
		Action: func(ec *EvalContext) (Outcome, error) {
			out := Outcome{
				Type:       outcome.Type,
				Severity:   outcome.Severity,
				Confidence: outcome.Confidence,
				Message:    renderMessage(outcome.Message, ec.Data),
			}
			if len(details) > 0 {
				out.Details = make(map[string]any, len(details))
				for path, get := range details {
					out.Details[path] = get(ec.Data)
				}
			}
			return out, nil
		},
	}, nil
}

func (n *ConditionNode) build() (Condition, error) {
	if n.Field != "" {
		if n.Logic != "" || len(n.Conditions) > 0 {
			return nil, fmt.Errorf("%w: a comparison on %s cannot have children", ErrInvalidRule, n.Field)
		}
		return Compare(n.Field, Operator(n.Operator), n.Value)
	}

	g := &Group{Logic: Logic(strings.ToUpper(n.Logic))}
	if g.Logic == "" {
		g.Logic = LogicAnd
	}
	if g.Logic != LogicAnd && g.Logic != LogicOr {
		return nil, fmt.Errorf("%w: unknown logic %q", ErrInvalidRule, n.Logic)
	}
	for i := range n.Conditions {
		child, err := n.Conditions[i].build()
		if err != nil {
			return nil, err
		}
		g.Conditions = append(g.Conditions, child)
	}
	return g, nil
}

func renderMessage(tmpl string, e *model.EnrichedDataPoint) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		_, get, err := resolveField(m[1 : len(m)-1])
		if err != nil {
			return m
		}
		switch v := get(e).(type) {
		case nil:
			return "n/a"
		case float64:
			return fmt.Sprintf("%g", v)
		default:
			return fmt.Sprint(v)
		}
	})
}
