package model

import "time"

// DetectionMethod identifies which subsystem produced an anomaly
type DetectionMethod string

const (
	DetectionRuleBased DetectionMethod = "rule-based"
	DetectionMLBased   DetectionMethod = "ml-based"
)

// AnomalyStatus represents the review state of an anomaly
type AnomalyStatus string

const (
	AnomalyStatusDetected      AnomalyStatus = "detected"
	AnomalyStatusInvestigating AnomalyStatus = "investigating"
	AnomalyStatusResolved      AnomalyStatus = "resolved"
	AnomalyStatusFalsePositive AnomalyStatus = "false-positive"
)

// Valid reports whether s is a known anomaly status
func (s AnomalyStatus) Valid() bool {
	switch s {
	case AnomalyStatusDetected, AnomalyStatusInvestigating, AnomalyStatusResolved, AnomalyStatusFalsePositive:
		return true
	}
	return false
}

// AnomalyType classifies what kind of deviation was found
type AnomalyType string

const (
	AnomalyTypeShortage          AnomalyType = "shortage"
	AnomalyTypePriceManipulation AnomalyType = "price_manipulation"
	AnomalyTypeSupplyChain       AnomalyType = "supply_chain"
	AnomalyTypeExpiry            AnomalyType = "expiry"
	AnomalyTypeDemandSpike       AnomalyType = "demand_spike"
	AnomalyTypeStatistical       AnomalyType = "statistical"
)

// Anomaly is a flagged deviation produced by the rule engine or the scoring
// ensemble. Anomalies are never deleted; only status fields change.
type Anomaly struct {
	ID              string          `json:"id"`
	Type            AnomalyType     `json:"type"`
	DetectionMethod DetectionMethod `json:"detection_method"`
	RuleIDs         []string        `json:"rule_ids,omitempty"`
	ModelIDs        []string        `json:"model_ids,omitempty"`
	Severity        Severity        `json:"severity"`
	Confidence      float64         `json:"confidence"`
	Message         string          `json:"message"`
	Details         map[string]any  `json:"details,omitempty"`

	DataPointID  string `json:"data_point_id"`
	MedicineName string `json:"medicine_name"`
	Location     string `json:"location"`

	Status     AnomalyStatus `json:"status"`
	ReviewedBy string        `json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time    `json:"reviewed_at,omitempty"`
	DetectedAt time.Time     `json:"detected_at"`
}

// AnomalyUpdate carries the mutable fields of an anomaly
type AnomalyUpdate struct {
	Status     AnomalyStatus
	ReviewedBy string
	ReviewedAt time.Time
}

// Clone returns a deep copy of the anomaly
func (a *Anomaly) Clone() *Anomaly {
	c := *a
	c.RuleIDs = append([]string(nil), a.RuleIDs...)
	c.ModelIDs = append([]string(nil), a.ModelIDs...)
	if a.Details != nil {
		c.Details = make(map[string]any, len(a.Details))
		for k, v := range a.Details {
			c.Details[k] = v
		}
	}
	c.ReviewedAt = cloneTime(a.ReviewedAt)
	return &c
}
