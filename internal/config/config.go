package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ingestion service.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Graph       GraphConfig       `yaml:"graph"`
	Polling     PollingConfig     `yaml:"polling"`
	Processing  ProcessingConfig  `yaml:"processing"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Bus         BusConfig         `yaml:"bus"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Spam        SpamConfig        `yaml:"spam"`
	Features    FeatureFlags      `yaml:"features"`
}

// ServerConfig holds the control-API and webhook HTTP ports.
// The two servers must listen on different ports.
type ServerConfig struct {
	Host        string `yaml:"host"`
	APIPort     int    `yaml:"api_port"`
	WebhookPort int    `yaml:"webhook_port"`
}

// APIListenAddr returns the control-API listen address.
func (c ServerConfig) APIListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.APIPort)
}

// WebhookListenAddr returns the notification listener address.
func (c ServerConfig) WebhookListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.WebhookPort)
}

// RedisConfig holds shared-store connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// GraphConfig holds provider OAuth credentials and API limits.
type GraphConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TenantID     string `yaml:"tenant_id"`
	RedirectURI  string `yaml:"redirect_uri"`
	BaseURL      string `yaml:"base_url"`

	RateLimitThreshold     int `yaml:"rate_limit_threshold"`
	RateLimitWindowSeconds int `yaml:"rate_limit_window_seconds"`
	RateLimitRetrySeconds  int `yaml:"rate_limit_retry_seconds"`

	MaxRetries            int     `yaml:"max_retries"`
	InitialBackoffSeconds int     `yaml:"initial_backoff_seconds"`
	BackoffFactor         float64 `yaml:"backoff_factor"`

	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the provider HTTP timeout as a duration.
func (c GraphConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RateLimitWindow returns the rate-limit window as a duration.
func (c GraphConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

// RateLimitRetryDelay returns the sleep applied when the governor denies a call.
func (c GraphConfig) RateLimitRetryDelay() time.Duration {
	return time.Duration(c.RateLimitRetrySeconds) * time.Second
}

// InitialBackoff returns the base retry backoff as a duration.
func (c GraphConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffSeconds) * time.Second
}

// PollingConfig holds poll-cycle settings.
type PollingConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	MaxPollPages    int `yaml:"max_poll_pages"`
	PageSize        int `yaml:"page_size"`
}

// Interval returns the polling interval as a duration.
func (c PollingConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// ProcessingConfig holds batch worker pool settings.
type ProcessingConfig struct {
	BatchSize            int `yaml:"batch_size"`
	MaxWorkers           int `yaml:"max_workers"`
	FetchIntervalSeconds int `yaml:"fetch_interval_seconds"`
}

// FetchInterval returns the queue observation interval as a duration.
func (c ProcessingConfig) FetchInterval() time.Duration {
	return time.Duration(c.FetchIntervalSeconds) * time.Second
}

// WebhookConfig holds subscription and notification settings.
type WebhookConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BaseURL     string `yaml:"base_url"`
	ClientState string `yaml:"client_state"`
	MaxErrors   int    `yaml:"max_errors"`
}

// PersistenceConfig holds the outbound forwarder target.
type PersistenceConfig struct {
	BaseURL   string `yaml:"base_url"`
	BatchSize int    `yaml:"batch_size"`
}

// BusConfig holds the AMQP topic-exchange publisher settings.
type BusConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// AttachmentsConfig holds attachment writer settings.
// Type is "fs" (default) or "s3".
type AttachmentsConfig struct {
	Type      string `yaml:"type"`
	LocalPath string `yaml:"local_path"`
	S3Bucket  string `yaml:"s3_bucket"`
	S3Region  string `yaml:"s3_region"`
}

// SpamConfig holds the sender substring filter.
type SpamConfig struct {
	Patterns []string `yaml:"patterns"`
}

// FeatureFlags gate optional pipeline stages.
type FeatureFlags struct {
	AttachmentSave bool `yaml:"attachment_save"`
	SpamFilter     bool `yaml:"spam_filter"`
	BusPublish     bool `yaml:"bus_publish"`
	MS4Forward     bool `yaml:"ms4_forward"`
}

// DefaultSpamPatterns are the sender substrings filtered when
// SPAM_PATTERNS is not set.
var DefaultSpamPatterns = []string{"noreply@spam", "promotions@", "marketing@"}

// Load reads and parses an optional YAML configuration file, applying
// defaults for anything unset. A missing file yields pure defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.APIPort == 0 {
		c.Server.APIPort = 8000
	}
	if c.Server.WebhookPort == 0 {
		c.Server.WebhookPort = 8100
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Graph.BaseURL == "" {
		c.Graph.BaseURL = "https://graph.microsoft.com/v1.0"
	}
	if c.Graph.RateLimitThreshold == 0 {
		c.Graph.RateLimitThreshold = 100
	}
	if c.Graph.RateLimitWindowSeconds == 0 {
		c.Graph.RateLimitWindowSeconds = 60
	}
	if c.Graph.RateLimitRetrySeconds == 0 {
		c.Graph.RateLimitRetrySeconds = 30
	}
	if c.Graph.MaxRetries == 0 {
		c.Graph.MaxRetries = 5
	}
	if c.Graph.InitialBackoffSeconds == 0 {
		c.Graph.InitialBackoffSeconds = 1
	}
	if c.Graph.BackoffFactor == 0 {
		c.Graph.BackoffFactor = 2
	}
	if c.Graph.TimeoutSeconds == 0 {
		c.Graph.TimeoutSeconds = 10
	}
	if c.Polling.IntervalSeconds == 0 {
		c.Polling.IntervalSeconds = 300
	}
	if c.Polling.MaxPollPages == 0 {
		c.Polling.MaxPollPages = 10
	}
	if c.Polling.PageSize == 0 {
		c.Polling.PageSize = 100
	}
	if c.Processing.BatchSize == 0 {
		c.Processing.BatchSize = 50
	}
	if c.Processing.MaxWorkers == 0 {
		c.Processing.MaxWorkers = 20
	}
	if c.Processing.FetchIntervalSeconds == 0 {
		c.Processing.FetchIntervalSeconds = 2
	}
	if c.Webhook.ClientState == "" {
		c.Webhook.ClientState = "webhook_secret_state"
	}
	if c.Webhook.MaxErrors == 0 {
		c.Webhook.MaxErrors = 5
	}
	if c.Persistence.BatchSize == 0 {
		c.Persistence.BatchSize = 50
	}
	if c.Bus.Exchange == "" {
		c.Bus.Exchange = "email.ingestion"
	}
	if c.Bus.RoutingKey == "" {
		c.Bus.RoutingKey = "email.metadata"
	}
	if c.Attachments.Type == "" {
		c.Attachments.Type = "fs"
	}
	if c.Attachments.LocalPath == "" {
		c.Attachments.LocalPath = "attachments"
	}
	if len(c.Spam.Patterns) == 0 {
		c.Spam.Patterns = DefaultSpamPatterns
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	setStr(&cfg.Graph.ClientID, "CLIENT_ID")
	setStr(&cfg.Graph.ClientSecret, "CLIENT_SECRET")
	setStr(&cfg.Graph.TenantID, "TENANT_ID")
	setStr(&cfg.Graph.RedirectURI, "REDIRECT_URI")
	setStr(&cfg.Graph.BaseURL, "GRAPH_API_BASE_URL")
	setInt(&cfg.Graph.RateLimitThreshold, "GRAPH_API_RATE_LIMIT_THRESHOLD")
	setInt(&cfg.Graph.RateLimitWindowSeconds, "GRAPH_API_RATE_LIMIT_WINDOW_SECONDS")
	setInt(&cfg.Graph.RateLimitRetrySeconds, "GRAPH_API_RATE_LIMIT_RETRY_DELAY_SECONDS")
	setInt(&cfg.Graph.MaxRetries, "GRAPH_API_MAX_RETRIES")
	setInt(&cfg.Graph.InitialBackoffSeconds, "GRAPH_API_INITIAL_BACKOFF_SECONDS")
	setFloat(&cfg.Graph.BackoffFactor, "GRAPH_API_BACKOFF_FACTOR")

	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")

	setInt(&cfg.Server.APIPort, "API_PORT")
	setInt(&cfg.Server.WebhookPort, "WEBHOOK_PORT")

	setInt(&cfg.Polling.IntervalSeconds, "POLLING_INTERVAL")
	setInt(&cfg.Polling.MaxPollPages, "MAX_POLL_PAGES")

	setInt(&cfg.Processing.BatchSize, "BATCH_SIZE")
	setInt(&cfg.Processing.MaxWorkers, "MAX_WORKERS")
	setInt(&cfg.Processing.FetchIntervalSeconds, "FETCH_INTERVAL")

	setStr(&cfg.Webhook.BaseURL, "WEBHOOK_BASE_URL")
	setStr(&cfg.Webhook.ClientState, "WEBHOOK_CLIENT_STATE")
	setInt(&cfg.Webhook.MaxErrors, "WEBHOOK_MAX_ERRORS")

	setStr(&cfg.Persistence.BaseURL, "MS4_PERSISTENCE_BASE_URL")
	setInt(&cfg.Persistence.BatchSize, "MS4_BATCH_SIZE")

	setStr(&cfg.Bus.URL, "AMQP_URL")
	setStr(&cfg.Bus.Exchange, "AMQP_EXCHANGE")
	setStr(&cfg.Bus.RoutingKey, "AMQP_ROUTING_KEY")

	setStr(&cfg.Attachments.Type, "ATTACHMENT_STORE")
	setStr(&cfg.Attachments.LocalPath, "ATTACHMENT_PATH")
	setStr(&cfg.Attachments.S3Bucket, "ATTACHMENT_S3_BUCKET")
	setStr(&cfg.Attachments.S3Region, "ATTACHMENT_S3_REGION")

	if v := os.Getenv("SPAM_PATTERNS"); v != "" {
		var patterns []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
		cfg.Spam.Patterns = patterns
	}

	cfg.Webhook.Enabled = envBool("ENABLE_WEBHOOK", true)
	cfg.Features.AttachmentSave = envBool("ENABLE_ATTACHMENT_SAVE", true)
	cfg.Features.SpamFilter = envBool("ENABLE_SPAM_FILTER", true)
	cfg.Features.BusPublish = envBool("ENABLE_BUS_PUBLISH", true)
	cfg.Features.MS4Forward = envBool("ENABLE_MS4_FORWARD", true)

	return cfg, nil
}

// Validate checks required settings. It runs at startup before any
// component is constructed.
func (c *Config) Validate() error {
	if c.Graph.ClientID == "" || c.Graph.ClientSecret == "" {
		return fmt.Errorf("config: CLIENT_ID and CLIENT_SECRET are required")
	}
	if c.Server.APIPort == c.Server.WebhookPort {
		return fmt.Errorf("config: API_PORT and WEBHOOK_PORT must differ (both %d)", c.Server.APIPort)
	}
	if c.Features.MS4Forward && c.Persistence.BaseURL == "" {
		return fmt.Errorf("config: MS4_PERSISTENCE_BASE_URL is required when forwarding is enabled")
	}
	if c.Features.BusPublish && c.Bus.URL == "" {
		return fmt.Errorf("config: AMQP_URL is required when bus publishing is enabled")
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
