package alerting

import "errors"

var (
	// ErrAlertNotFound is returned for an unknown alert id
	ErrAlertNotFound = errors.New("alert not found")

	// ErrNoPolicy is returned when no alert rule covers a severity
	ErrNoPolicy = errors.New("no alert policy for severity")

	// ErrDelivery wraps a failed channel send
	ErrDelivery = errors.New("notification delivery failed")

	// ErrChannelDisabled is recorded when a policy names a disabled channel
	ErrChannelDisabled = errors.New("channel disabled")

	// ErrChannelNotConfigured is recorded when a policy names an unknown channel
	ErrChannelNotConfigured = errors.New("channel not configured")

	// ErrClosed is returned once the manager has been closed
	ErrClosed = errors.New("alert manager closed")
)
