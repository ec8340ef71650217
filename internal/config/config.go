package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/riffhi/MedWatch-sub000/internal/alerting"
	"github.com/riffhi/MedWatch-sub000/internal/detection"
	"github.com/riffhi/MedWatch-sub000/internal/ingest"
	"github.com/riffhi/MedWatch-sub000/internal/logging"
	"github.com/riffhi/MedWatch-sub000/internal/model"
)

// EnvPrefix prefixes every environment override, e.g. MEDWATCH_NATS_URL
const EnvPrefix = "MEDWATCH"

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Logging   logging.Config   `mapstructure:"logging"`
	NATS      NATSConfig       `mapstructure:"nats"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Ingest    ingest.Config    `mapstructure:"ingest"`
	Detection detection.Config `mapstructure:"detection"`
	Alerting  AlertingConfig   `mapstructure:"alerting"`
	Rules     RulesConfig      `mapstructure:"rules"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
}

type AppConfig struct {
	Name            string        `mapstructure:"name"`
	Environment     string        `mapstructure:"environment"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// NATSConfig configures the broker connection. With Embedded set the
// process runs its own JetStream-enabled server and connects to it.
type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	Embedded       bool          `mapstructure:"embedded"`
	StoreDir       string        `mapstructure:"store_dir"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or memory
	Path   string `mapstructure:"path"`
}

type RulesConfig struct {
	Builtin bool   `mapstructure:"builtin"`
	File    string `mapstructure:"file"`
}

type MetricsConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Address          string        `mapstructure:"address"`
	Path             string        `mapstructure:"path"`
	ResourceInterval time.Duration `mapstructure:"resource_interval"`
}

type AlertingConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryStrategy string        `mapstructure:"retry_strategy"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	Debounce      time.Duration `mapstructure:"debounce"`

	Channels      ChannelsConfig          `mapstructure:"channels"`
	PolicyConfigs map[string]PolicyConfig `mapstructure:"policies"`
}

// ChannelsConfig holds delivery settings. A channel without settings falls
// back to logging its notifications.
type ChannelsConfig struct {
	SMTP           alerting.SMTPConfig `mapstructure:"smtp"`
	SlackWebhook   string              `mapstructure:"slack_webhook"`
	WebhookURL     string              `mapstructure:"webhook_url"`
	WebhookTimeout time.Duration       `mapstructure:"webhook_timeout"`
	Disabled       []string            `mapstructure:"disabled"`
}

type EscalationConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Channels []string      `mapstructure:"channels"`
}

type PolicyConfig struct {
	Channels        []string            `mapstructure:"channels"`
	Immediate       bool                `mapstructure:"immediate"`
	BatchingEnabled bool                `mapstructure:"batching_enabled"`
	BatchInterval   time.Duration       `mapstructure:"batch_interval"`
	Escalation      EscalationConfig    `mapstructure:"escalation"`
	Recipients      map[string][]string `mapstructure:"recipients"`
}

// Policies converts the configured policies. It returns nil when none are
// configured so the alert manager uses its defaults.
func (c AlertingConfig) Policies() map[model.Severity]model.AlertRule {
	if len(c.PolicyConfigs) == 0 {
		return nil
	}
	policies := make(map[model.Severity]model.AlertRule, len(c.PolicyConfigs))
	for name, p := range c.PolicyConfigs {
		sev := model.Severity(strings.ToLower(name))
		policies[sev] = model.AlertRule{
			Severity:        sev,
			Channels:        p.Channels,
			Immediate:       p.Immediate,
			BatchingEnabled: p.BatchingEnabled,
			BatchInterval:   p.BatchInterval,
			Escalation: model.EscalationPolicy{
				Enabled:  p.Escalation.Enabled,
				Timeout:  p.Escalation.Timeout,
				Channels: p.Escalation.Channels,
			},
			Recipients: p.Recipients,
		}
	}
	return policies
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "medwatch")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.embedded", false)
	v.SetDefault("nats.store_dir", "./data/jetstream")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.connect_retries", 5)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "medwatch.db")

	v.SetDefault("ingest.consumer", "medwatch-detector")
	v.SetDefault("ingest.batch_size", 500)
	v.SetDefault("ingest.fetch_wait", 500*time.Millisecond)
	v.SetDefault("ingest.max_age", 24*time.Hour)

	v.SetDefault("detection.interval", 30*time.Second)
	v.SetDefault("detection.alert_threshold", 0.7)
	v.SetDefault("detection.workers", 0)

	v.SetDefault("alerting.max_attempts", 3)
	v.SetDefault("alerting.retry_strategy", "linear")
	v.SetDefault("alerting.retry_delay", 5*time.Second)
	v.SetDefault("alerting.max_retry_delay", 5*time.Minute)
	v.SetDefault("alerting.send_timeout", 10*time.Second)
	v.SetDefault("alerting.debounce", time.Second)
	v.SetDefault("alerting.channels.smtp.host", "")
	v.SetDefault("alerting.channels.smtp.port", 587)
	v.SetDefault("alerting.channels.smtp.username", "")
	v.SetDefault("alerting.channels.smtp.password", "")
	v.SetDefault("alerting.channels.smtp.from", "")
	v.SetDefault("alerting.channels.slack_webhook", "")
	v.SetDefault("alerting.channels.webhook_url", "")
	v.SetDefault("alerting.channels.webhook_timeout", 10*time.Second)
	v.SetDefault("alerting.channels.disabled", []string{})

	v.SetDefault("rules.builtin", true)
	v.SetDefault("rules.file", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":9090")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.resource_interval", 15*time.Second)
}

// Load reads the configuration. An empty path searches ./config and the
// working directory for config.yaml and tolerates its absence; an explicit
// path must exist. MEDWATCH_* environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem at once
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Detection.Interval <= 0 {
		add("detection.interval must be positive")
	}
	if c.Detection.AlertThreshold < 0 || c.Detection.AlertThreshold > 1 {
		add("detection.alert_threshold must be within [0, 1], got %v", c.Detection.AlertThreshold)
	}
	if c.Detection.Workers < 0 {
		add("detection.workers must not be negative")
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			add("storage.path is required for the sqlite driver")
		}
	default:
		add("storage.driver must be sqlite or memory, got %q", c.Storage.Driver)
	}

	if c.NATS.Enabled && !c.NATS.Embedded && c.NATS.URL == "" {
		add("nats.url is required unless nats.embedded is set")
	}
	if c.Ingest.BatchSize <= 0 {
		add("ingest.batch_size must be positive")
	}

	if c.Alerting.MaxAttempts < 1 {
		add("alerting.max_attempts must be at least 1")
	}
	switch c.Alerting.RetryStrategy {
	case "linear", "exponential":
	default:
		add("alerting.retry_strategy must be linear or exponential, got %q", c.Alerting.RetryStrategy)
	}
	if c.Alerting.SendTimeout <= 0 {
		add("alerting.send_timeout must be positive")
	}
	if policies := c.Alerting.Policies(); policies != nil {
		if err := alerting.ValidatePolicies(policies); err != nil {
			add("alerting.policies: %v", err)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		add("metrics.address is required when metrics are enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
