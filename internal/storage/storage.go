package storage

import (
	"context"
	"errors"
	"time"

	"github.com/riffhi/MedWatch-sub000/internal/model"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// AnomalyFilter narrows List results. Empty fields match everything.
type AnomalyFilter struct {
	Status   model.AnomalyStatus
	Severity model.Severity
	Method   model.DetectionMethod
	Since    time.Time
}

// AnomalyStore keeps the append-only anomaly history
type AnomalyStore interface {
	// Save stores a new anomaly
	Save(ctx context.Context, anomaly *model.Anomaly) error

	// UpdateStatus applies a review and returns the updated record
	UpdateStatus(ctx context.Context, id string, update model.AnomalyUpdate) (*model.Anomaly, error)

	// Get retrieves an anomaly by ID
	Get(ctx context.Context, id string) (*model.Anomaly, error)

	// List returns up to limit anomalies, newest first
	List(ctx context.Context, filter AnomalyFilter, limit int) ([]*model.Anomaly, error)
}

// AlertStore persists alerts and their delivery state
type AlertStore interface {
	SaveAlert(ctx context.Context, alert *model.Alert) error
	UpdateAlert(ctx context.Context, alert *model.Alert) error
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	ListAlerts(ctx context.Context, limit int) ([]*model.Alert, error)
}
