// ABOUTME: Configuration loading and parsing for tenantline-gateway
// ABOUTME: Supports YAML or TOML files with .env loading, env var expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Notify drivers
const (
	NotifyLocal = "local"
	NotifyRedis = "redis"
	NotifyNATS  = "nats"
)

// Config represents the complete tenantline-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Notify      NotifyConfig      `yaml:"notify" toml:"notify"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Attachments AttachmentsConfig `yaml:"attachments" toml:"attachments"`
	Fanout      FanoutConfig      `yaml:"fanout" toml:"fanout"`
	Messaging   MessagingConfig   `yaml:"messaging" toml:"messaging"`
	API         APIConfig         `yaml:"api" toml:"api"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig selects and configures the conversation store.
// Path is used by sqlite, DSN by postgres and mongo.
type DatabaseConfig struct {
	Driver        string `yaml:"driver" toml:"driver"`
	Path          string `yaml:"path" toml:"path"`
	DSN           string `yaml:"dsn" toml:"dsn"`
	MongoDatabase string `yaml:"mongo_database" toml:"mongo_database"`
}

// NotifyConfig selects the change-notification bus
type NotifyConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	URL    string `yaml:"url" toml:"url"`
}

// AuthConfig holds authentication configuration.
// An empty secret runs the gateway in dev mode with header identities.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// AttachmentsConfig configures the local upload pipeline
type AttachmentsConfig struct {
	Dir           string   `yaml:"dir" toml:"dir"`
	PublicBaseURL string   `yaml:"public_base_url" toml:"public_base_url"`
	MaxBytes      int64    `yaml:"max_bytes" toml:"max_bytes"`
	AllowedTypes  []string `yaml:"allowed_types" toml:"allowed_types"`
}

// FanoutConfig holds retry timing for live subscriptions
type FanoutConfig struct {
	InitialBackoff time.Duration `yaml:"-" toml:"-"`
	MaxBackoff     time.Duration `yaml:"-" toml:"-"`
	MaxRetries     int           `yaml:"max_retries" toml:"max_retries"`

	// Raw string values for unmarshaling
	InitialBackoffRaw string `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoffRaw     string `yaml:"max_backoff" toml:"max_backoff"`
}

// MessagingConfig bounds message bodies and list sizes
type MessagingConfig struct {
	MaxBodyBytes int `yaml:"max_body_bytes" toml:"max_body_bytes"`
	ListLimit    int `yaml:"list_limit" toml:"list_limit"`
	HistoryLimit int `yaml:"history_limit" toml:"history_limit"`
}

// APIConfig holds per-participant send limits and idempotency retention
type APIConfig struct {
	SendRate       float64       `yaml:"send_rate" toml:"send_rate"` // messages per second
	SendBurst      int           `yaml:"send_burst" toml:"send_burst"`
	IdempotencyTTL time.Duration `yaml:"-" toml:"-"`

	IdempotencyTTLRaw string `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file in the same directory is loaded into the environment first; variables
// already set win. ${VAR_NAME} patterns are then expanded, the file is decoded as
// TOML when its extension is .toml and YAML otherwise, defaults are applied and the
// result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}

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

// ApplyDefaults fills zero values with working defaults. Limits left at zero
// here are filled by the packages that own them.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "localhost:8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverMongo && c.Database.MongoDatabase == "" {
		c.Database.MongoDatabase = "tenantline"
	}
	if c.Notify.Driver == "" {
		c.Notify.Driver = NotifyLocal
	}
	if c.Attachments.MaxBytes == 0 {
		c.Attachments.MaxBytes = 10 << 20
	}
	if c.API.SendRate == 0 {
		c.API.SendRate = 5
	}
	if c.API.SendBurst == 0 {
		c.API.SendBurst = 10
	}
	if c.API.IdempotencyTTL == 0 {
		c.API.IdempotencyTTL = 10 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres, DriverMongo:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the %s driver", c.Database.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}

	switch c.Notify.Driver {
	case NotifyLocal:
	case NotifyRedis, NotifyNATS:
		if c.Notify.URL == "" {
			return fmt.Errorf("notify.url is required for the %s driver", c.Notify.Driver)
		}
	default:
		return fmt.Errorf("notify.driver %q is not supported", c.Notify.Driver)
	}

	// A process-local bus cannot wake other gateway instances
	if c.Notify.Driver == NotifyLocal && c.Database.Driver != DriverSQLite && c.Database.Driver != DriverMemory {
		return fmt.Errorf("notify.driver %q cannot be shared across instances; use redis or nats with %s", c.Notify.Driver, c.Database.Driver)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Attachments.Dir == "" {
		return fmt.Errorf("attachments.dir is required")
	}
	if c.Attachments.MaxBytes < 0 {
		return fmt.Errorf("attachments.max_bytes must not be negative")
	}
	for _, t := range c.Attachments.AllowedTypes {
		if !strings.Contains(t, "/") {
			return fmt.Errorf("attachments.allowed_types entry %q is not a media type", t)
		}
	}

	if c.Fanout.MaxRetries < 0 {
		return fmt.Errorf("fanout.max_retries must not be negative")
	}
	if c.Fanout.InitialBackoff < 0 || c.Fanout.MaxBackoff < 0 {
		return fmt.Errorf("fanout backoff durations must not be negative")
	}
	if c.Fanout.MaxBackoff > 0 && c.Fanout.InitialBackoff > c.Fanout.MaxBackoff {
		return fmt.Errorf("fanout.initial_backoff exceeds fanout.max_backoff")
	}

	if c.Messaging.MaxBodyBytes < 0 || c.Messaging.ListLimit < 0 || c.Messaging.HistoryLimit < 0 {
		return fmt.Errorf("messaging limits must not be negative")
	}

	if c.API.SendRate < 0 || c.API.SendBurst < 0 {
		return fmt.Errorf("api.send_rate and api.send_burst must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Fanout.InitialBackoffRaw != "" {
		cfg.Fanout.InitialBackoff, err = time.ParseDuration(cfg.Fanout.InitialBackoffRaw)
		if err != nil {
			return fmt.Errorf("parsing initial_backoff %q: %w", cfg.Fanout.InitialBackoffRaw, err)
		}
	}

	if cfg.Fanout.MaxBackoffRaw != "" {
		cfg.Fanout.MaxBackoff, err = time.ParseDuration(cfg.Fanout.MaxBackoffRaw)
		if err != nil {
			return fmt.Errorf("parsing max_backoff %q: %w", cfg.Fanout.MaxBackoffRaw, err)
		}
	}

	if cfg.API.IdempotencyTTLRaw != "" {
		cfg.API.IdempotencyTTL, err = time.ParseDuration(cfg.API.IdempotencyTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing idempotency_ttl %q: %w", cfg.API.IdempotencyTTLRaw, err)
		}
	}

	return nil
}

// DefaultPath returns the path to the gateway config file.
// Priority: TENANTLINE_CONFIG env var > XDG_CONFIG_HOME/tenantline/gateway.yaml > ~/.config/tenantline/gateway.yaml
func DefaultPath() string {
	if envPath := os.Getenv("TENANTLINE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "tenantline", "gateway.yaml")
}

// DefaultDataPath returns the directory for the database and uploads.
// Priority: XDG_DATA_HOME/tenantline > ~/.local/share/tenantline
func DefaultDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "tenantline")
}
