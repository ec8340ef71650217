package alerting

import "time"

// RetryStrategy defines the interface for retry strategies
type RetryStrategy interface {
	// NextRetry returns the delay before the next attempt, given the
	// number of attempts made so far
	NextRetry(attempt int) time.Duration
}

// LinearBackoff waits Base × attempt
type LinearBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// NextRetry calculates the next retry delay using linear backoff
func (s *LinearBackoff) NextRetry(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := s.Base * time.Duration(attempt)
	if s.Max > 0 && delay > s.Max {
		return s.Max
	}
	return delay
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry calculates the next retry delay using exponential backoff
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	delay := float64(s.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= s.Multiplier
	}

	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// NewRetryStrategy builds a strategy by name ("linear" or "exponential")
func NewRetryStrategy(name string, base, max time.Duration) RetryStrategy {
	if name == "exponential" {
		return &ExponentialBackoff{InitialDelay: base, MaxDelay: max, Multiplier: 2}
	}
	return &LinearBackoff{Base: base, Max: max}
}
