package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/riffhi/MedWatch-sub000/internal/model"
)

// Notification is the payload handed to a channel
type Notification struct {
	AlertID    string         `json:"alert_id"`
	Severity   model.Severity `json:"severity"`
	Subject    string         `json:"subject"`
	Message    string         `json:"message"`
	AnomalyIDs []string       `json:"anomaly_ids"`
	Recipients []string       `json:"recipients,omitempty"`
	Escalation bool           `json:"escalation,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Channel delivers notifications over one transport
type Channel interface {
	Send(ctx context.Context, n Notification) error
}

// ChannelFunc adapts a function to Channel
type ChannelFunc func(ctx context.Context, n Notification) error

// Send calls f
func (f ChannelFunc) Send(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogChannel simulates a transport by logging each notification
type LogChannel struct {
	logger *zap.Logger
	name   string
}

// NewLogChannel creates a simulated channel named name
func NewLogChannel(logger *zap.Logger, name string) *LogChannel {
	return &LogChannel{logger: logger.Named("channel." + name), name: name}
}

// Send logs the notification
func (c *LogChannel) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.logger.Info("Notification sent",
		zap.String("channel", c.name),
		zap.String("alert_id", n.AlertID),
		zap.String("severity", string(n.Severity)),
		zap.Strings("recipients", n.Recipients),
		zap.Bool("escalation", n.Escalation),
		zap.String("message", n.Message))
	return nil
}

// SMTPConfig holds the mail relay settings for EmailChannel
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// EmailChannel sends notifications through an SMTP relay
type EmailChannel struct {
	config SMTPConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates an SMTP backed channel
func NewEmailChannel(config SMTPConfig) *EmailChannel {
	return &EmailChannel{config: config, send: smtp.SendMail}
}

// Send mails the notification to its recipients
func (c *EmailChannel) Send(ctx context.Context, n Notification) error {
	if len(n.Recipients) == 0 {
		return fmt.Errorf("%w: email has no recipients", ErrDelivery)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
	}

	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n",
		c.config.From,
		strings.Join(n.Recipients, ", "),
		n.Subject,
		n.Message)

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	if err := c.send(addr, auth, c.config.From, n.Recipients, []byte(msg)); err != nil {
		return fmt.Errorf("%w: smtp: %v", ErrDelivery, err)
	}
	return nil
}

// WebhookChannel posts notifications as JSON to an HTTP endpoint. The
// payload carries a "text" field so Slack incoming webhooks accept it.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{url: url, client: &http.Client{Timeout: timeout}}
}

type webhookPayload struct {
	Text string `json:"text"`
	Notification
}

// Send posts the notification
func (c *WebhookChannel) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(webhookPayload{Text: n.Subject + "\n" + n.Message, Notification: n})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook returned %s", ErrDelivery, resp.Status)
	}
	return nil
}

const (
	// AlertStream is the JetStream stream carrying published alerts
	AlertStream = "ALERTS"
	// AlertSubjectPrefix is followed by the severity, e.g. alert.critical
	AlertSubjectPrefix = "alert."
)

// NATSChannel publishes notifications to the ALERTS JetStream stream
type NATSChannel struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewNATSChannel creates the channel, making sure the stream exists
func NewNATSChannel(logger *zap.Logger, js nats.JetStreamContext) (*NATSChannel, error) {
	c := &NATSChannel{logger: logger.Named("channel.nats"), js: js}

	if _, err := js.StreamInfo(AlertStream); err != nil {
		if err != nats.ErrStreamNotFound {
			return nil, fmt.Errorf("failed to get alert stream info: %w", err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      AlertStream,
			Subjects:  []string{AlertSubjectPrefix + ">"},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create alert stream: %w", err)
		}
	}
	return c, nil
}

// Subject returns the subject a notification is published on
func Subject(n Notification) string {
	subject := AlertSubjectPrefix + string(n.Severity)
	if n.Escalation {
		subject += ".escalated"
	}
	return subject
}

// Send publishes the notification
func (c *NATSChannel) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := c.js.Publish(Subject(n), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: publish: %v", ErrDelivery, err)
	}
	c.logger.Debug("Alert published", zap.String("subject", Subject(n)), zap.String("alert_id", n.AlertID))
	return nil
}
