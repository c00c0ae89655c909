package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/outreach/internal/eligibility"
	"github.com/foxzi/outreach/internal/ratelimit"
)

// Environment variables that override secrets from the YAML file
const (
	EnvAPIKey       = "OUTREACH_API_KEY"
	EnvGeminiAPIKey = "OUTREACH_GEMINI_API_KEY"
	EnvSMTPPassword = "OUTREACH_SMTP_PASSWORD"
	EnvWebhookToken = "OUTREACH_WEBHOOK_TOKEN"
)

// Config is the main configuration structure
type Config struct {
	Server     ServerConfig         `yaml:"server"`
	API        APIConfig            `yaml:"api"`
	Storage    StorageConfig        `yaml:"storage"`
	Logging    LoggingConfig        `yaml:"logging"`
	Metrics    MetricsConfig        `yaml:"metrics"`
	Automation AutomationConfig     `yaml:"automation"`
	Targeting  eligibility.Criteria `yaml:"targeting"`
	History    HistoryConfig        `yaml:"history"`
	Generator  GeneratorConfig      `yaml:"generator"`
	Delivery   DeliveryConfig       `yaml:"delivery"`
	Recipients RecipientsConfig     `yaml:"recipients"`

	// Internal: location resolved from Automation.Timezone (not in YAML)
	location *time.Location `yaml:"-"`
}

// ServerConfig contains process-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"` // Used in SMTP HELO and logs
	EnvFile  string `yaml:"env_file"` // Optional .env file with secrets
}

// APIConfig contains operator HTTP API settings
type APIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	APIKeyHash     string        `yaml:"api_key_hash"`     // bcrypt hash, checked when api_key is empty
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
	AllowedIPs     []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access API (empty = allow all)
	TrustProxy     bool          `yaml:"trust_proxy"`      // Honor X-Forwarded-For / X-Real-IP
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Gauge refresh interval. Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// AutomationConfig seeds the runtime automation settings.
// Values persisted through the API take precedence on later starts.
type AutomationConfig struct {
	Enabled           bool             `yaml:"enabled"`
	Policy            ratelimit.Policy `yaml:",inline"`
	ModelID           string           `yaml:"model_id"`
	SenderDisplayName string           `yaml:"sender_display_name"`
	Timezone          string           `yaml:"timezone"`          // IANA name for day boundaries. Default: Local
	FallbackInterval  time.Duration    `yaml:"fallback_interval"` // Cycle interval when min_delay is 0. Default: 60s
}

// HistoryConfig contains history capacity settings
type HistoryConfig struct {
	MaxDispatchRecords int `yaml:"max_dispatch_records"` // Default: 500
	MaxDraftRecords    int `yaml:"max_draft_records"`    // Default: 100
}

// GeneratorConfig contains message generator settings
type GeneratorConfig struct {
	Provider        string        `yaml:"provider"` // gemini, ollama, static
	Timeout         time.Duration `yaml:"timeout"`  // Default: 30s
	DefaultModel    string        `yaml:"default_model"`
	Prompt          string        `yaml:"prompt"` // Must contain one %s for the profile summary
	GeminiAPIKey    string        `yaml:"gemini_api_key"`
	GeminiBaseURL   string        `yaml:"gemini_base_url"`
	OllamaBaseURL   string        `yaml:"ollama_base_url"`
	StaticTemplates []string      `yaml:"static_templates"`
}

// DeliveryConfig selects and configures the delivery transport
type DeliveryConfig struct {
	Transport string             `yaml:"transport"` // sandbox, webhook, smtp
	Sandbox   SandboxConfig      `yaml:"sandbox"`
	Webhook   WebhookConfig      `yaml:"webhook"`
	SMTP      SMTPDeliveryConfig `yaml:"smtp"`
}

// SandboxConfig contains capture transport settings
type SandboxConfig struct {
	SimulateErrors   bool    `yaml:"simulate_errors"`
	ErrorProbability float64 `yaml:"error_probability"` // 0..1. Default: 0.1
}

// WebhookConfig contains HTTP transport settings
type WebhookConfig struct {
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Timeout       time.Duration `yaml:"timeout"`         // Default: 30s
	RatePerSecond float64       `yaml:"rate_per_second"` // 0 = unthrottled
	Burst         int           `yaml:"burst"`
}

// SMTPDeliveryConfig contains SMTP relay settings
type SMTPDeliveryConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"` // Default: 587
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	Security           string        `yaml:"security"` // starttls, tls, none. Default: starttls
	RequireTLS         bool          `yaml:"require_tls"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	From               string        `yaml:"from"`
	FromName           string        `yaml:"from_name"`
	Subject            string        `yaml:"subject"`
	Timeout            time.Duration `yaml:"timeout"`
	DKIM               DKIMConfig    `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// RecipientsConfig contains the profile source settings
type RecipientsConfig struct {
	ImportFile    string `yaml:"import_file"`     // JSON file with recipient profiles
	ImportOnStart bool   `yaml:"import_on_start"` // Import import_file when the server starts
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

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadEnv reads the optional .env file and applies secret overrides.
// Variables already present in the environment win over the file.
func (c *Config) loadEnv() error {
	if c.Server.EnvFile != "" {
		if err := godotenv.Load(c.Server.EnvFile); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if v := os.Getenv(EnvAPIKey); v != "" {
		c.API.APIKey = v
	}
	if v := os.Getenv(EnvGeminiAPIKey); v != "" {
		c.Generator.GeminiAPIKey = v
	}
	if v := os.Getenv(EnvSMTPPassword); v != "" {
		c.Delivery.SMTP.Password = v
	}
	if v := os.Getenv(EnvWebhookToken); v != "" {
		c.Delivery.Webhook.Token = v
	}
	return nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
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
		c.Storage.Path = "/var/lib/outreach/outreach.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	c.Automation.Policy = c.Automation.Policy.WithDefaults()
	if c.Automation.FallbackInterval == 0 {
		c.Automation.FallbackInterval = 60 * time.Second
	}

	if c.History.MaxDispatchRecords == 0 {
		c.History.MaxDispatchRecords = 500
	}
	if c.History.MaxDraftRecords == 0 {
		c.History.MaxDraftRecords = 100
	}

	if c.Generator.Provider == "" {
		c.Generator.Provider = "static"
	}
	if c.Generator.Timeout == 0 {
		c.Generator.Timeout = 30 * time.Second
	}

	if c.Delivery.Transport == "" {
		c.Delivery.Transport = "sandbox"
	}
	if c.Delivery.Sandbox.ErrorProbability == 0 {
		c.Delivery.Sandbox.ErrorProbability = 0.1
	}
	if c.Delivery.Webhook.Timeout == 0 {
		c.Delivery.Webhook.Timeout = 30 * time.Second
	}
	if c.Delivery.SMTP.Port == 0 {
		c.Delivery.SMTP.Port = 587
	}
	if c.Delivery.SMTP.Security == "" {
		c.Delivery.SMTP.Security = "starttls"
	}
	if c.Delivery.SMTP.Timeout == 0 {
		c.Delivery.SMTP.Timeout = 30 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if err := c.Automation.Policy.Validate(); err != nil {
		return fmt.Errorf("automation: %w", err)
	}
	if c.Automation.FallbackInterval < 0 {
		return fmt.Errorf("automation.fallback_interval must be >= 0")
	}

	loc, err := loadLocation(c.Automation.Timezone)
	if err != nil {
		return fmt.Errorf("invalid automation.timezone: %w", err)
	}
	c.location = loc

	if err := c.validateTargeting(); err != nil {
		return err
	}

	if c.API.Enabled && c.API.APIKey == "" && c.API.APIKeyHash == "" {
		return fmt.Errorf("api.api_key or api.api_key_hash is required when the API is enabled")
	}

	if err := c.validateGenerator(); err != nil {
		return err
	}

	if err := c.validateDelivery(); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateTargeting() error {
	t := c.Targeting
	for _, g := range t.AgeGroups {
		if !g.Valid() {
			return fmt.Errorf("targeting.age_groups: unknown age group %q", g)
		}
	}
	for _, in := range t.Interests {
		if !in.Valid() {
			return fmt.Errorf("targeting.interests: unknown interest %q", in)
		}
	}
	if t.MinAge < 0 || t.MaxAge < 0 {
		return fmt.Errorf("targeting.min_age and targeting.max_age must be >= 0")
	}
	if t.MinAge > 0 && t.MaxAge > 0 && t.MinAge > t.MaxAge {
		return fmt.Errorf("targeting.min_age must not exceed targeting.max_age")
	}
	return nil
}

func (c *Config) validateGenerator() error {
	g := c.Generator
	switch strings.ToLower(g.Provider) {
	case "gemini":
		if g.GeminiAPIKey == "" {
			return fmt.Errorf("generator.gemini_api_key is required for the gemini provider (or set %s)", EnvGeminiAPIKey)
		}
	case "ollama", "static":
	default:
		return fmt.Errorf("invalid generator.provider: %s (must be gemini, ollama, or static)", g.Provider)
	}
	if g.Prompt != "" && strings.Count(g.Prompt, "%s") != 1 {
		return fmt.Errorf("generator.prompt must contain exactly one %%s")
	}
	return nil
}

func (c *Config) validateDelivery() error {
	d := c.Delivery
	switch strings.ToLower(d.Transport) {
	case "sandbox":
		if d.Sandbox.ErrorProbability < 0 || d.Sandbox.ErrorProbability > 1 {
			return fmt.Errorf("delivery.sandbox.error_probability must be between 0 and 1")
		}
	case "webhook":
		if d.Webhook.URL == "" {
			return fmt.Errorf("delivery.webhook.url is required for the webhook transport")
		}
		if d.Webhook.RatePerSecond < 0 {
			return fmt.Errorf("delivery.webhook.rate_per_second must be >= 0")
		}
	case "smtp":
		if d.SMTP.Host == "" {
			return fmt.Errorf("delivery.smtp.host is required for the smtp transport")
		}
		if d.SMTP.From == "" {
			return fmt.Errorf("delivery.smtp.from is required for the smtp transport")
		}
		switch d.SMTP.Security {
		case "starttls", "tls", "none":
		default:
			return fmt.Errorf("invalid delivery.smtp.security: %s (must be starttls, tls, or none)", d.SMTP.Security)
		}
		if err := d.SMTP.DKIM.validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid delivery.transport: %s (must be sandbox, webhook, or smtp)", d.Transport)
	}
	return nil
}

func (d DKIMConfig) validate() error {
	if !d.Enabled {
		return nil
	}
	if d.Selector == "" {
		return fmt.Errorf("delivery.smtp.dkim.selector is required when DKIM is enabled")
	}
	if d.KeyFile == "" {
		return fmt.Errorf("delivery.smtp.dkim.key_file is required when DKIM is enabled")
	}
	if d.Domain == "" {
		return fmt.Errorf("delivery.smtp.dkim.domain is required when DKIM is enabled")
	}
	return nil
}

// Location returns the reference timezone for calendar-day windows
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}
	return c.location
}

// HasAPIAuth returns true if API authentication is configured
func (c *Config) HasAPIAuth() bool {
	return c.API.APIKey != "" || c.API.APIKeyHash != ""
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
