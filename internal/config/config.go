// ABOUTME: Configuration loading and parsing for coven-messaging
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// minSecretLength matches the HS256 key size the token verifier accepts.
const minSecretLength = 32

// Config represents the complete coven-messaging configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Presence    PresenceConfig    `yaml:"presence" toml:"presence"`
	Attachments AttachmentsConfig `yaml:"attachments" toml:"attachments"`
	Moderation  ModerationConfig  `yaml:"moderation" toml:"moderation"`
	Retention   RetentionConfig   `yaml:"retention" toml:"retention"`
	Export      ExportConfig      `yaml:"export" toml:"export"`
	Notify      NotifyConfig      `yaml:"notify" toml:"notify"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" toml:"rate_limit"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener addresses and request timing
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // gRPC health service; empty disables it

	RequestTimeout  time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	// IdempotencyTTL is how long a send's Idempotency-Key is remembered.
	IdempotencyTTL  time.Duration `yaml:"-" toml:"-"`
	IdempotencyKeys int           `yaml:"idempotency_keys" toml:"idempotency_keys"` // max remembered keys

	// Raw string values for unmarshaling
	RequestTimeoutRaw  string `yaml:"request_timeout" toml:"request_timeout"`
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	IdempotencyTTLRaw  string `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret  string   `yaml:"jwt_secret" toml:"jwt_secret"`
	Moderators []string `yaml:"moderators" toml:"moderators"` // user IDs granted the moderator role
}

// PresenceConfig selects and configures the typing tracker
type PresenceConfig struct {
	Backend string        `yaml:"backend" toml:"backend"` // memory or redis
	TTL     time.Duration `yaml:"-" toml:"-"`
	TTLRaw  string        `yaml:"ttl" toml:"ttl"`
	Redis   RedisConfig   `yaml:"redis" toml:"redis"`
}

// RedisConfig holds the Redis connection used by the redis presence backend
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
}

// AttachmentsConfig holds the scan pipeline settings
type AttachmentsConfig struct {
	Workers           int      `yaml:"workers" toml:"workers"`
	QueueSize         int      `yaml:"queue_size" toml:"queue_size"`
	MaxScanAttempts   int      `yaml:"max_scan_attempts" toml:"max_scan_attempts"`
	MaxIngestAttempts int      `yaml:"max_ingest_attempts" toml:"max_ingest_attempts"`
	CDNBaseURL        string   `yaml:"cdn_base_url" toml:"cdn_base_url"`
	BlockedMIMETypes  []string `yaml:"blocked_mime_types" toml:"blocked_mime_types"`
	AllowedMIMETypes  []string `yaml:"allowed_mime_types" toml:"allowed_mime_types"`

	InitialBackoff time.Duration `yaml:"-" toml:"-"`
	MaxBackoff     time.Duration `yaml:"-" toml:"-"`
	MaxSizeBytes   int64         `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling. max_size accepts "25MB", "1 GiB", ...
	InitialBackoffRaw string `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoffRaw     string `yaml:"max_backoff" toml:"max_backoff"`
	MaxSizeRaw        string `yaml:"max_size" toml:"max_size"`
}

// ModerationConfig holds report handling settings
type ModerationConfig struct {
	AutoFlagThreshold int `yaml:"auto_flag_threshold" toml:"auto_flag_threshold"`
}

// RetentionConfig holds the retention sweep schedule
type RetentionConfig struct {
	Enabled         bool   `yaml:"enabled" toml:"enabled"`
	Cron            string `yaml:"cron" toml:"cron"`
	GraceMultiplier int    `yaml:"grace_multiplier" toml:"grace_multiplier"`
	DefaultPolicy   string `yaml:"default_policy" toml:"default_policy"` // for threads created without one

	AuditRetention    time.Duration `yaml:"-" toml:"-"`
	AuditRetentionRaw string        `yaml:"audit_retention" toml:"audit_retention"`
}

// ExportConfig holds transcript export settings
type ExportConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Dir     string `yaml:"dir" toml:"dir"`
	BaseURL string `yaml:"base_url" toml:"base_url"`
	Workers int    `yaml:"workers" toml:"workers"`
}

// NotifyConfig holds the external notification bus settings
type NotifyConfig struct {
	NATSURL       string `yaml:"nats_url" toml:"nats_url"` // empty disables NATS publishing
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
}

// RateLimitConfig holds the per-caller API rate limit
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := parseSizes(&cfg); err != nil {
		return nil, fmt.Errorf("parsing sizes: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills in every unset optional field.
func (c *Config) ApplyDefaults() {
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.IdempotencyTTL == 0 {
		c.Server.IdempotencyTTL = 24 * time.Hour
	}
	if c.Server.IdempotencyKeys == 0 {
		c.Server.IdempotencyKeys = 10000
	}
	if c.Presence.Backend == "" {
		c.Presence.Backend = "memory"
	}
	if c.Presence.TTL == 0 {
		c.Presence.TTL = 8 * time.Second
	}
	if c.Attachments.Workers == 0 {
		c.Attachments.Workers = 4
	}
	if c.Attachments.QueueSize == 0 {
		c.Attachments.QueueSize = 256
	}
	if c.Attachments.MaxScanAttempts == 0 {
		c.Attachments.MaxScanAttempts = 3
	}
	if c.Attachments.MaxIngestAttempts == 0 {
		c.Attachments.MaxIngestAttempts = 3
	}
	if c.Attachments.InitialBackoff == 0 {
		c.Attachments.InitialBackoff = 500 * time.Millisecond
	}
	if c.Attachments.MaxBackoff == 0 {
		c.Attachments.MaxBackoff = 30 * time.Second
	}
	if c.Retention.Cron == "" {
		c.Retention.Cron = "*/15 * * * *"
	}
	if c.Retention.GraceMultiplier == 0 {
		c.Retention.GraceMultiplier = 2
	}
	if c.Retention.DefaultPolicy == "" {
		c.Retention.DefaultPolicy = "permanent"
	}
	if c.Export.Workers == 0 {
		c.Export.Workers = 1
	}
	if c.Notify.SubjectPrefix == "" {
		c.Notify.SubjectPrefix = "coven.messaging"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Server.IdempotencyKeys < 0 {
		return fmt.Errorf("server.idempotency_keys must not be negative")
	}
	if len(c.Auth.JWTSecret) < minSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minSecretLength)
	}

	switch c.Presence.Backend {
	case "memory":
	case "redis":
		if c.Presence.Redis.Addr == "" {
			return fmt.Errorf("presence.redis.addr is required when presence.backend is redis")
		}
	default:
		return fmt.Errorf("presence.backend must be memory or redis, got %q", c.Presence.Backend)
	}

	if c.Attachments.CDNBaseURL == "" {
		return fmt.Errorf("attachments.cdn_base_url is required")
	}
	if c.Attachments.Workers < 0 || c.Attachments.QueueSize < 0 {
		return fmt.Errorf("attachments.workers and attachments.queue_size must not be negative")
	}
	if c.Attachments.MaxBackoff < c.Attachments.InitialBackoff {
		return fmt.Errorf("attachments.max_backoff must not be shorter than attachments.initial_backoff")
	}

	if c.Moderation.AutoFlagThreshold < 0 {
		return fmt.Errorf("moderation.auto_flag_threshold must not be negative")
	}

	if c.Retention.Enabled && !gronx.IsValid(c.Retention.Cron) {
		return fmt.Errorf("retention.cron %q is not a valid cron expression", c.Retention.Cron)
	}
	if c.Retention.GraceMultiplier < 1 {
		return fmt.Errorf("retention.grace_multiplier must be at least 1")
	}
	if !slices.Contains(retentionPolicies, strings.ToLower(c.Retention.DefaultPolicy)) {
		return fmt.Errorf("retention.default_policy %q is not a known policy", c.Retention.DefaultPolicy)
	}

	if c.Export.Enabled && (c.Export.Dir == "" || c.Export.BaseURL == "") {
		return fmt.Errorf("export.dir and export.base_url are required when export is enabled")
	}

	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}

	return nil
}

// retentionPolicies lists the spellings accepted for retention.default_policy.
var retentionPolicies = []string{
	"7d", "7days", "30d", "30days", "90d", "90days", "1y", "1year", "365d", "permanent",
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.request_timeout", cfg.Server.RequestTimeoutRaw, &cfg.Server.RequestTimeout},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"server.idempotency_ttl", cfg.Server.IdempotencyTTLRaw, &cfg.Server.IdempotencyTTL},
		{"presence.ttl", cfg.Presence.TTLRaw, &cfg.Presence.TTL},
		{"attachments.initial_backoff", cfg.Attachments.InitialBackoffRaw, &cfg.Attachments.InitialBackoff},
		{"attachments.max_backoff", cfg.Attachments.MaxBackoffRaw, &cfg.Attachments.MaxBackoff},
		{"retention.audit_retention", cfg.Retention.AuditRetentionRaw, &cfg.Retention.AuditRetention},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}

// parseSizes converts human-readable byte sizes.
func parseSizes(cfg *Config) error {
	if cfg.Attachments.MaxSizeRaw == "" {
		return nil
	}
	n, err := humanize.ParseBytes(cfg.Attachments.MaxSizeRaw)
	if err != nil {
		return fmt.Errorf("parsing attachments.max_size %q: %w", cfg.Attachments.MaxSizeRaw, err)
	}
	cfg.Attachments.MaxSizeBytes = int64(n)
	return nil
}
