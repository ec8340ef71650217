package rules

import "errors"

var (
	// ErrInvalidRule is returned when a rule is missing a required part
	ErrInvalidRule = errors.New("invalid rule")

	// ErrDuplicateRule is returned when a rule id is already registered
	ErrDuplicateRule = errors.New("duplicate rule")

	// ErrRuleEvaluation wraps failures raised by a condition or action
	ErrRuleEvaluation = errors.New("rule evaluation failed")

	// ErrExpression is returned for expressions that fail to compile or evaluate
	ErrExpression = errors.New("invalid expression")

	// ErrUnknownField is returned when a condition references an unknown field
	ErrUnknownField = errors.New("unknown field")
)
