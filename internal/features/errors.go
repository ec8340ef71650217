package features

import "errors"

var (
	// ErrValidation is returned when a data point fails validation
	ErrValidation = errors.New("data point validation failed")
)
