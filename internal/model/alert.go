package model

import "time"

// Severity represents the severity level of an anomaly or alert
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists all levels from most to least severe
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Rank orders severities; higher is more severe and unknown values rank 0
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// SeverityForConfidence maps a confidence in [0,1] onto a severity band.
// Lower bounds are inclusive.
func SeverityForConfidence(confidence float64) Severity {
	switch {
	case confidence >= 0.9:
		return SeverityCritical
	case confidence >= 0.7:
		return SeverityHigh
	case confidence >= 0.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// AlertStatus represents the delivery state of an alert
type AlertStatus string

const (
	AlertStatusPending      AlertStatus = "pending"
	AlertStatusProcessing   AlertStatus = "processing"
	AlertStatusSent         AlertStatus = "sent"
	AlertStatusFailed       AlertStatus = "failed"
	AlertStatusEscalated    AlertStatus = "escalated"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
)

// Channel names used by the default policies
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelSlack   = "slack"
	ChannelWebhook = "webhook"
	ChannelNATS    = "nats"
)

// EscalationPolicy defines the secondary notification for unacknowledged alerts
type EscalationPolicy struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
	Channels []string      `json:"channels" yaml:"channels"`
}

// AlertRule is the static delivery policy for one severity
type AlertRule struct {
	Severity        Severity            `json:"severity"`
	Channels        []string            `json:"channels"`
	Immediate       bool                `json:"immediate"`
	BatchingEnabled bool                `json:"batching_enabled"`
	BatchInterval   time.Duration       `json:"batch_interval,omitempty"`
	Escalation      EscalationPolicy    `json:"escalation"`
	Recipients      map[string][]string `json:"recipients,omitempty"`
}

// NotificationResult records the outcome of one channel delivery
type NotificationResult struct {
	Channel    string    `json:"channel"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Recipients []string  `json:"recipients,omitempty"`
	Escalation bool      `json:"escalation,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

// Alert is the outbound notification lifecycle for one anomaly, or for a
// batch of anomalies sharing severity and batch interval.
type Alert struct {
	ID          string               `json:"id"`
	AnomalyID   string               `json:"anomaly_id,omitempty"`
	AnomalyIDs  []string             `json:"anomaly_ids,omitempty"`
	BatchID     string               `json:"batch_id,omitempty"`
	Severity    Severity             `json:"severity"`
	Status      AlertStatus          `json:"status"`
	Channels    []string             `json:"channels"`
	Immediate   bool                 `json:"immediate"`
	Attempts    int                  `json:"attempts"`
	MaxAttempts int                  `json:"max_attempts"`
	Results     []NotificationResult `json:"results,omitempty"`
	Message     string               `json:"message"`

	CreatedAt      time.Time  `json:"created_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
	EscalatedAt    *time.Time `json:"escalated_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
}

// IsBatch reports whether the alert wraps several anomalies
func (a *Alert) IsBatch() bool {
	return len(a.AnomalyIDs) > 1
}

// Clone returns a deep copy safe to hand out of a lock
func (a *Alert) Clone() *Alert {
	c := *a
	c.AnomalyIDs = append([]string(nil), a.AnomalyIDs...)
	c.Channels = append([]string(nil), a.Channels...)
	c.Results = append([]NotificationResult(nil), a.Results...)
	c.ProcessedAt = cloneTime(a.ProcessedAt)
	c.EscalatedAt = cloneTime(a.EscalatedAt)
	c.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
