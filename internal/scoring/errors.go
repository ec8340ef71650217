package scoring

import "errors"

var (
	// ErrScorer wraps a failure inside a scoring model
	ErrScorer = errors.New("scorer failed")

	// ErrInsufficientHistory means a model abstains for lack of samples
	ErrInsufficientHistory = errors.New("insufficient history")
)
