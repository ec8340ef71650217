package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Condition decides whether a rule applies to a data point
type Condition interface {
	Evaluate(ec *EvalContext) (bool, error)
}

// PredicateFunc adapts a Go function to a Condition
type PredicateFunc func(ec *EvalContext) bool

func (f PredicateFunc) Evaluate(ec *EvalContext) (bool, error) {
	return f(ec), nil
}

// Operator is a comparison operator of a declarative condition tree
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpEqStrict   Operator = "eqs"
	OpNeStrict   Operator = "nes"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
	OpEndsWith   Operator = "endsWith"
	OpRegex      Operator = "regex"
)

func (o Operator) valid() bool {
	switch o {
	case OpEq, OpNe, OpEqStrict, OpNeStrict, OpGt, OpGte, OpLt, OpLte,
		OpContains, OpStartsWith, OpEndsWith, OpRegex:
		return true
	}
	return false
}

// Logic joins the children of a Group
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Group combines child conditions. An empty AND group is true, an empty OR
// group is false.
type Group struct {
	Logic      Logic
	Conditions []Condition
}

// All is shorthand for an AND group
func All(conds ...Condition) *Group {
	return &Group{Logic: LogicAnd, Conditions: conds}
}

// Any is shorthand for an OR group
func Any(conds ...Condition) *Group {
	return &Group{Logic: LogicOr, Conditions: conds}
}

func (g *Group) Evaluate(ec *EvalContext) (bool, error) {
	switch g.Logic {
	case LogicAnd, "":
		for _, c := range g.Conditions {
			ok, err := c.Evaluate(ec)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case LogicOr:
		for _, c := range g.Conditions {
			ok, err := c.Evaluate(ec)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: unknown logic %q", ErrInvalidRule, g.Logic)
}

// Comparison tests one field against a constant
type Comparison struct {
	Field    string
	Operator Operator
	Value    any

	get fieldGetter
	re  *regexp.Regexp
}

// Compare builds a Comparison, resolving the field and compiling regex
// patterns up front.
func Compare(field string, op Operator, value any) (*Comparison, error) {
	if !op.valid() {
		return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, op)
	}
	path, get, err := resolveField(field)
	if err != nil {
		return nil, err
	}
	c := &Comparison{Field: path, Operator: op, Value: value, get: get}
	if op == OpRegex {
		pattern, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: regex value for %s must be a string", ErrInvalidRule, path)
		}
		if c.re, err = regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	}
	return c, nil
}

// MustCompare is Compare for statically known comparisons
func MustCompare(field string, op Operator, value any) *Comparison {
	c, err := Compare(field, op, value)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Comparison) Evaluate(ec *EvalContext) (bool, error) {
	if c.get == nil {
		return false, fmt.Errorf("%w: comparison on %s was not built with Compare", ErrInvalidRule, c.Field)
	}
	v := c.get(ec.Data)

	switch c.Operator {
	case OpEq:
		return looseEqual(v, c.Value), nil
	case OpNe:
		return !looseEqual(v, c.Value), nil
	case OpEqStrict:
		return strictEqual(v, c.Value), nil
	case OpNeStrict:
		return !strictEqual(v, c.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := compareOrdered(v, c.Value)
		if !ok {
			return false, nil
		}
		switch c.Operator {
		case OpGt:
			return cmp > 0, nil
		case OpGte:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		}
		return cmp <= 0, nil
	case OpContains:
		return containsValue(v, c.Value), nil
	case OpStartsWith, OpEndsWith:
		s, ok := v.(string)
		prefix, ok2 := c.Value.(string)
		if !ok || !ok2 {
			return false, nil
		}
		if c.Operator == OpStartsWith {
			return strings.HasPrefix(s, prefix), nil
		}
		return strings.HasSuffix(s, prefix), nil
	case OpRegex:
		s, ok := v.(string)
		return ok && c.re.MatchString(s), nil
	}
	return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, c.Operator)
}
