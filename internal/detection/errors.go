package detection

import "errors"

var (
	// ErrAnomalyNotFound is returned for an unknown anomaly id
	ErrAnomalyNotFound = errors.New("anomaly not found")

	// ErrInvalidStatus is returned for an unknown anomaly status value
	ErrInvalidStatus = errors.New("invalid anomaly status")
)
