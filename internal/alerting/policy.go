package alerting

import (
	"fmt"
	"time"

	"github.com/riffhi/MedWatch-sub000/internal/model"
)

// DefaultPolicies returns the built-in delivery policy per severity
func DefaultPolicies() map[model.Severity]model.AlertRule {
	return map[model.Severity]model.AlertRule{
		model.SeverityCritical: {
			Severity:  model.SeverityCritical,
			Channels:  []string{model.ChannelEmail, model.ChannelSMS, model.ChannelSlack},
			Immediate: true,
			Escalation: model.EscalationPolicy{
				Enabled:  true,
				Timeout:  15 * time.Minute,
				Channels: []string{model.ChannelSMS, model.ChannelWebhook},
			},
		},
		model.SeverityHigh: {
			Severity:  model.SeverityHigh,
			Channels:  []string{model.ChannelEmail, model.ChannelSlack},
			Immediate: true,
			Escalation: model.EscalationPolicy{
				Enabled:  true,
				Timeout:  30 * time.Minute,
				Channels: []string{model.ChannelEmail, model.ChannelSMS},
			},
		},
		model.SeverityMedium: {
			Severity:        model.SeverityMedium,
			Channels:        []string{model.ChannelEmail, model.ChannelSlack},
			BatchingEnabled: true,
			BatchInterval:   15 * time.Minute,
		},
		model.SeverityLow: {
			Severity:        model.SeverityLow,
			Channels:        []string{model.ChannelEmail},
			BatchingEnabled: true,
			BatchInterval:   60 * time.Minute,
		},
	}
}

// ValidatePolicies checks that every policy is internally consistent
func ValidatePolicies(policies map[model.Severity]model.AlertRule) error {
	for sev, p := range policies {
		if !sev.Valid() {
			return fmt.Errorf("%w: unknown severity %q", ErrNoPolicy, sev)
		}
		if p.Severity != "" && p.Severity != sev {
			return fmt.Errorf("policy for %s declares severity %s", sev, p.Severity)
		}
		if len(p.Channels) == 0 {
			return fmt.Errorf("policy for %s has no channels", sev)
		}
		if p.Escalation.Enabled && (p.Escalation.Timeout <= 0 || len(p.Escalation.Channels) == 0) {
			return fmt.Errorf("policy for %s: escalation needs a timeout and channels", sev)
		}
		if p.BatchingEnabled && p.Immediate {
			return fmt.Errorf("policy for %s cannot be both immediate and batched", sev)
		}
	}
	return nil
}
