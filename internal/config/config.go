package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. CADENCE_API_KEY
const EnvPrefix = "CADENCE"

// Config is the main configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	API        APIConfig        `yaml:"api"`
	Storage    StorageConfig    `yaml:"storage"`
	Contacts   ContactsConfig   `yaml:"contacts"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Tracking   TrackingConfig   `yaml:"tracking"`
	Inbound    InboundConfig    `yaml:"inbound"`
	Refinement RefinementConfig `yaml:"refinement"`
	Generator  GeneratorConfig  `yaml:"generator"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Templates  TemplatesConfig  `yaml:"templates"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname        string        `yaml:"hostname"`         // Used in EHLO and logs
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Default: 30s
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
	AllowedIPs     []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access the management API (empty = allow all)
}

// StorageConfig contains engine state storage settings
type StorageConfig struct {
	Path string `yaml:"path"` // bbolt file
}

// ContactsConfig contains contact directory settings
type ContactsConfig struct {
	Path string `yaml:"path"` // SQLite file
}

// SchedulerConfig contains stage scheduler settings
type SchedulerConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	SettlementWindow time.Duration `yaml:"settlement_window"`
	MaxAttempts      int           `yaml:"max_attempts"`
	RetryInterval    time.Duration `yaml:"retry_interval"` // Base of the exponential backoff
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	LeaseDuration    time.Duration `yaml:"lease_duration"`
	Workers          int           `yaml:"workers"`
	BatchSize        int           `yaml:"batch_size"`
}

// DispatchConfig contains dispatch coordinator settings
type DispatchConfig struct {
	From        string        `yaml:"from"`
	FromName    string        `yaml:"from_name"`
	Concurrency int             `yaml:"concurrency"`  // Parallel sends per stage
	SendTimeout time.Duration   `yaml:"send_timeout"` // Per-recipient send timeout
	RateLimits  RateLimitConfig `yaml:"rate_limits"`
}

// RateLimitConfig contains send quotas. Zero values mean unlimited.
type RateLimitConfig struct {
	Global          QuotaConfig   `yaml:"global"`
	Campaign        QuotaConfig   `yaml:"campaign"`         // Per campaign
	RecipientDomain QuotaConfig   `yaml:"recipient_domain"` // Per recipient domain, e.g. gmail.com
	FlushInterval   time.Duration `yaml:"flush_interval"`   // Counter persistence interval (default: 10s)
}

// QuotaConfig holds hourly and daily send limits
type QuotaConfig struct {
	PerHour int `yaml:"per_hour"`
	PerDay  int `yaml:"per_day"`
}

// Delivery modes
const (
	DeliverySMTP = "smtp"
	DeliveryLog  = "log"
)

// DeliveryConfig contains delivery adapter settings
type DeliveryConfig struct {
	Mode string             `yaml:"mode"` // smtp or log
	SMTP DeliverySMTPConfig `yaml:"smtp"`
	DKIM DKIMConfig         `yaml:"dkim"`
}

// DeliverySMTPConfig contains relay settings
type DeliverySMTPConfig struct {
	Addr               string        `yaml:"addr"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	TLS                string        `yaml:"tls"` // none, starttls, implicit
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// TrackingConfig contains open/click tracking settings
type TrackingConfig struct {
	BaseURL string `yaml:"base_url"` // Public URL of the tracking endpoints (empty = no pixel or link rewriting)
	Secret  string `yaml:"secret"`
}

// InboundConfig contains inbound SMTP settings for replies and bounces
type InboundConfig struct {
	Enabled         bool              `yaml:"enabled"`
	ListenAddr      string            `yaml:"listen_addr"`
	Domain          string            `yaml:"domain"`
	MaxMessageBytes int64             `yaml:"max_message_bytes"`
	ReadTimeout     time.Duration     `yaml:"read_timeout"`
	WriteTimeout    time.Duration     `yaml:"write_timeout"`
	Users           map[string]string `yaml:"users"`       // username -> bcrypt hash
	AllowedIPs      []string          `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to connect (empty = allow all)
}

// RefinementConfig contains content refinement settings
type RefinementConfig struct {
	Margin          float64        `yaml:"margin"`
	BaselineWindow  int            `yaml:"baseline_window"`
	DefaultBaseline BaselineConfig `yaml:"default_baseline"`
}

// BaselineConfig holds default engagement rates
type BaselineConfig struct {
	Open  float64 `yaml:"open_rate"`
	Click float64 `yaml:"click_rate"`
	Reply float64 `yaml:"reply_rate"`
}

// Generator types
const (
	GeneratorNone   = "none"
	GeneratorHTTP   = "http"
	GeneratorOpenAI = "openai"
)

// GeneratorConfig contains content generation service settings
type GeneratorConfig struct {
	Type    string        `yaml:"type"` // none, http, openai
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// KafkaConfig contains engagement event stream settings
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// TemplatesConfig contains file template settings
type TemplatesConfig struct {
	Dir string `yaml:"dir"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr"`      // Default: :9090
	Path            string        `yaml:"path"`             // Default: /metrics
	CollectInterval time.Duration `yaml:"collect_interval"` // Default: 10s
	AllowedIPs      []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// envOverrides holds the settings that may come from the environment,
// mostly secrets that should stay out of the config file
type envOverrides struct {
	APIKey          string   `envconfig:"API_KEY"`
	SMTPUsername    string   `envconfig:"SMTP_USERNAME"`
	SMTPPassword    string   `envconfig:"SMTP_PASSWORD"`
	TrackingSecret  string   `envconfig:"TRACKING_SECRET"`
	GeneratorAPIKey string   `envconfig:"GENERATOR_API_KEY"`
	KafkaBrokers    []string `envconfig:"KAFKA_BROKERS"`
	LogLevel        string   `envconfig:"LOG_LEVEL"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides settings from CADENCE_* environment variables
func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.API.APIKey, env.APIKey)
	set(&c.Delivery.SMTP.Username, env.SMTPUsername)
	set(&c.Delivery.SMTP.Password, env.SMTPPassword)
	set(&c.Tracking.Secret, env.TrackingSecret)
	set(&c.Generator.APIKey, env.GeneratorAPIKey)
	set(&c.Logging.Level, env.LogLevel)
	if len(env.KafkaBrokers) > 0 {
		c.Kafka.Brokers = env.KafkaBrokers
	}
	return nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/cadence/state.db"
	}
	if c.Contacts.Path == "" {
		c.Contacts.Path = "/var/lib/cadence/contacts.db"
	}

	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = 60 * time.Second
	}
	if c.Scheduler.SettlementWindow == 0 {
		c.Scheduler.SettlementWindow = 48 * time.Hour
	}
	if c.Scheduler.MaxAttempts == 0 {
		c.Scheduler.MaxAttempts = 5
	}
	if c.Scheduler.RetryInterval == 0 {
		c.Scheduler.RetryInterval = 5 * time.Minute
	}
	if c.Scheduler.MaxBackoff == 0 {
		c.Scheduler.MaxBackoff = time.Hour
	}
	if c.Scheduler.LeaseDuration == 0 {
		c.Scheduler.LeaseDuration = 10 * time.Minute
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 4
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 100
	}

	if c.Dispatch.Concurrency == 0 {
		c.Dispatch.Concurrency = 8
	}
	if c.Dispatch.SendTimeout == 0 {
		c.Dispatch.SendTimeout = 60 * time.Second
	}

	if c.Delivery.Mode == "" {
		c.Delivery.Mode = DeliverySMTP
	}
	if c.Delivery.SMTP.TLS == "" {
		c.Delivery.SMTP.TLS = "starttls"
	}
	if c.Delivery.SMTP.Timeout == 0 {
		c.Delivery.SMTP.Timeout = 30 * time.Second
	}

	if c.Inbound.ListenAddr == "" {
		c.Inbound.ListenAddr = ":2525"
	}
	if c.Inbound.MaxMessageBytes == 0 {
		c.Inbound.MaxMessageBytes = 10 * 1024 * 1024 // 10MB
	}
	if c.Inbound.ReadTimeout == 0 {
		c.Inbound.ReadTimeout = 60 * time.Second
	}
	if c.Inbound.WriteTimeout == 0 {
		c.Inbound.WriteTimeout = 60 * time.Second
	}

	if c.Refinement.Margin == 0 {
		c.Refinement.Margin = 0.1
	}
	if c.Refinement.BaselineWindow == 0 {
		c.Refinement.BaselineWindow = 10
	}
	if c.Refinement.DefaultBaseline == (BaselineConfig{}) {
		c.Refinement.DefaultBaseline = BaselineConfig{Open: 0.40, Click: 0.10}
	}

	if c.Generator.Type == "" {
		c.Generator.Type = GeneratorNone
	}
	if c.Generator.Timeout == 0 {
		c.Generator.Timeout = 60 * time.Second
	}

	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "cadence"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// Metrics defaults
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.CollectInterval == 0 {
		c.Metrics.CollectInterval = 10 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Dispatch.From == "" {
		return fmt.Errorf("dispatch.from is required")
	}

	switch c.Delivery.Mode {
	case DeliverySMTP:
		if c.Delivery.SMTP.Addr == "" {
			return fmt.Errorf("delivery.smtp.addr is required in smtp mode")
		}
	case DeliveryLog:
	default:
		return fmt.Errorf("invalid delivery.mode: %s (must be smtp or log)", c.Delivery.Mode)
	}

	validTLS := map[string]bool{"none": true, "starttls": true, "implicit": true}
	if !validTLS[c.Delivery.SMTP.TLS] {
		return fmt.Errorf("invalid delivery.smtp.tls: %s (must be none, starttls or implicit)", c.Delivery.SMTP.TLS)
	}

	if err := c.validateDKIM(); err != nil {
		return err
	}

	if c.Tracking.Secret == "" && (c.Tracking.BaseURL != "" || c.Inbound.Enabled) {
		return fmt.Errorf("tracking.secret is required when tracking or inbound is enabled")
	}
	if c.Inbound.Enabled && c.Inbound.Domain == "" {
		return fmt.Errorf("inbound.domain is required when inbound is enabled")
	}

	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.max_attempts must be at least 1")
	}
	for name, q := range map[string]QuotaConfig{
		"global":           c.Dispatch.RateLimits.Global,
		"campaign":         c.Dispatch.RateLimits.Campaign,
		"recipient_domain": c.Dispatch.RateLimits.RecipientDomain,
	} {
		if q.PerHour < 0 || q.PerDay < 0 {
			return fmt.Errorf("dispatch.rate_limits.%s must not be negative", name)
		}
	}

	if c.Refinement.Margin < 0 || c.Refinement.Margin >= 1 {
		return fmt.Errorf("refinement.margin must be in [0, 1)")
	}

	switch c.Generator.Type {
	case GeneratorNone:
	case GeneratorHTTP:
		if c.Generator.BaseURL == "" {
			return fmt.Errorf("generator.base_url is required for the http generator")
		}
	case GeneratorOpenAI:
		if c.Generator.APIKey == "" {
			return fmt.Errorf("generator.api_key is required for the openai generator")
		}
	default:
		return fmt.Errorf("invalid generator.type: %s (must be none, http or openai)", c.Generator.Type)
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers must not be empty when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka is enabled")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// validateDKIM validates DKIM configuration
func (c *Config) validateDKIM() error {
	dkim := c.Delivery.DKIM
	if !dkim.Enabled {
		return nil
	}

	if dkim.Selector == "" {
		return fmt.Errorf("delivery.dkim.selector is required when DKIM is enabled")
	}
	if dkim.KeyFile == "" {
		return fmt.Errorf("delivery.dkim.key_file is required when DKIM is enabled")
	}
	if dkim.Domain == "" {
		return fmt.Errorf("delivery.dkim.domain is required when DKIM is enabled")
	}

	return nil
}
