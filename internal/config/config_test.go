// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, .env files, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const secret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "0.0.0.0:8080"

database:
  driver: "sqlite"
  path: "./test.db"

auth:
  jwt_secret: "`+secret+`"

attachments:
  dir: "./uploads"
  public_base_url: "https://files.example.com"
  max_bytes: 2048
  allowed_types:
    - "image/*"
    - "application/pdf"

fanout:
  initial_backoff: "100ms"
  max_backoff: "5s"
  max_retries: 7

messaging:
  max_body_bytes: 4096
  list_limit: 50
  history_limit: 100

api:
  send_rate: 2.5
  send_burst: 4
  idempotency_ttl: "1h"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Database.Path != "./test.db" {
		t.Errorf("Database = %+v, want sqlite at ./test.db", cfg.Database)
	}
	if cfg.Auth.JWTSecret != secret {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}

	if cfg.Attachments.Dir != "./uploads" {
		t.Errorf("Attachments.Dir = %q, want %q", cfg.Attachments.Dir, "./uploads")
	}
	if cfg.Attachments.PublicBaseURL != "https://files.example.com" {
		t.Errorf("Attachments.PublicBaseURL = %q", cfg.Attachments.PublicBaseURL)
	}
	if cfg.Attachments.MaxBytes != 2048 {
		t.Errorf("Attachments.MaxBytes = %d, want 2048", cfg.Attachments.MaxBytes)
	}
	if len(cfg.Attachments.AllowedTypes) != 2 || cfg.Attachments.AllowedTypes[1] != "application/pdf" {
		t.Errorf("Attachments.AllowedTypes = %v", cfg.Attachments.AllowedTypes)
	}

	if cfg.Fanout.InitialBackoff != 100*time.Millisecond {
		t.Errorf("Fanout.InitialBackoff = %v, want 100ms", cfg.Fanout.InitialBackoff)
	}
	if cfg.Fanout.MaxBackoff != 5*time.Second {
		t.Errorf("Fanout.MaxBackoff = %v, want 5s", cfg.Fanout.MaxBackoff)
	}
	if cfg.Fanout.MaxRetries != 7 {
		t.Errorf("Fanout.MaxRetries = %d, want 7", cfg.Fanout.MaxRetries)
	}

	if cfg.Messaging.MaxBodyBytes != 4096 || cfg.Messaging.ListLimit != 50 || cfg.Messaging.HistoryLimit != 100 {
		t.Errorf("Messaging = %+v", cfg.Messaging)
	}

	if cfg.API.SendRate != 2.5 || cfg.API.SendBurst != 4 {
		t.Errorf("API rate = %v/%d, want 2.5/4", cfg.API.SendRate, cfg.API.SendBurst)
	}
	if cfg.API.IdempotencyTTL != time.Hour {
		t.Errorf("API.IdempotencyTTL = %v, want 1h", cfg.API.IdempotencyTTL)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "gateway.toml", `
[server]
http_addr = "127.0.0.1:9090"

[database]
driver = "postgres"
dsn = "postgres://localhost/tenantline"

[notify]
driver = "nats"
url = "nats://localhost:4222"

[attachments]
dir = "/var/lib/tenantline/uploads"

[fanout]
initial_backoff = "50ms"
max_retries = 2

[api]
idempotency_ttl = "30s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Driver != DriverPostgres || cfg.Database.DSN != "postgres://localhost/tenantline" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Notify.Driver != NotifyNATS || cfg.Notify.URL != "nats://localhost:4222" {
		t.Errorf("Notify = %+v", cfg.Notify)
	}
	if cfg.Fanout.InitialBackoff != 50*time.Millisecond || cfg.Fanout.MaxRetries != 2 {
		t.Errorf("Fanout = %+v", cfg.Fanout)
	}
	if cfg.API.IdempotencyTTL != 30*time.Second {
		t.Errorf("API.IdempotencyTTL = %v, want 30s", cfg.API.IdempotencyTTL)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_TENANTLINE_SECRET", secret)
	t.Setenv("TEST_TENANTLINE_DSN", "mongodb://db:27017")

	configPath := writeConfig(t, "gateway.yaml", `
database:
  driver: "mongo"
  dsn: "${TEST_TENANTLINE_DSN}"

notify:
  driver: "redis"
  url: "redis://localhost:6379/0"

auth:
  jwt_secret: "${TEST_TENANTLINE_SECRET}"

attachments:
  dir: "./uploads${TEST_TENANTLINE_UNSET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.DSN != "mongodb://db:27017" {
		t.Errorf("Database.DSN = %q, want expanded value", cfg.Database.DSN)
	}
	if cfg.Database.MongoDatabase != "tenantline" {
		t.Errorf("Database.MongoDatabase = %q, want default", cfg.Database.MongoDatabase)
	}
	if cfg.Auth.JWTSecret != secret {
		t.Errorf("Auth.JWTSecret = %q, want expanded value", cfg.Auth.JWTSecret)
	}
	if cfg.Attachments.Dir != "./uploads" {
		t.Errorf("Attachments.Dir = %q, unset vars expand to empty", cfg.Attachments.Dir)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "gateway.yaml")
	content := `
database:
  path: "${TENANTLINE_TEST_DB_PATH}"
attachments:
  dir: "${TENANTLINE_TEST_UPLOADS}"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	env := "TENANTLINE_TEST_DB_PATH=/data/from-dotenv.db\nTENANTLINE_TEST_UPLOADS=/data/uploads\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0600); err != nil {
		t.Fatal(err)
	}

	// Registers cleanup; the value set here must win over the .env file
	t.Setenv("TENANTLINE_TEST_UPLOADS", "/override/uploads")
	t.Setenv("TENANTLINE_TEST_DB_PATH", "")
	os.Unsetenv("TENANTLINE_TEST_DB_PATH")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/data/from-dotenv.db" {
		t.Errorf("Database.Path = %q, want value from .env", cfg.Database.Path)
	}
	if cfg.Attachments.Dir != "/override/uploads" {
		t.Errorf("Attachments.Dir = %q, environment should win over .env", cfg.Attachments.Dir)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "gateway.yaml", `
database:
  path: "./test.db"
attachments:
  dir: "./uploads"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "localhost:8080" {
		t.Errorf("Server.HTTPAddr = %q, want localhost:8080", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Driver != DriverSQLite {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Notify.Driver != NotifyLocal {
		t.Errorf("Notify.Driver = %q, want local", cfg.Notify.Driver)
	}
	if cfg.Attachments.MaxBytes != 10<<20 {
		t.Errorf("Attachments.MaxBytes = %d, want 10MiB", cfg.Attachments.MaxBytes)
	}
	if cfg.API.SendRate != 5 || cfg.API.SendBurst != 10 {
		t.Errorf("API rate = %v/%d, want 5/10", cfg.API.SendRate, cfg.API.SendBurst)
	}
	if cfg.API.IdempotencyTTL != 10*time.Minute {
		t.Errorf("API.IdempotencyTTL = %v, want 10m", cfg.API.IdempotencyTTL)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want info/text", cfg.Logging)
	}
	if cfg.Auth.JWTSecret != "" {
		t.Errorf("Auth.JWTSecret = %q, want empty for dev mode", cfg.Auth.JWTSecret)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/gateway.yaml")
	if err == nil {
		t.Fatal("Load() expected error for nonexistent file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("error = %v, want reading config file error", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "gateway.yaml", "server:\n  http_addr: [unterminated\n")

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("error = %v, want parsing error", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name  string
		field string
		yaml  string
	}{
		{"initial backoff", "initial_backoff", "fanout:\n  initial_backoff: \"soon\"\n"},
		{"max backoff", "max_backoff", "fanout:\n  max_backoff: \"10 parsecs\"\n"},
		{"idempotency ttl", "idempotency_ttl", "api:\n  idempotency_ttl: \"forever\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, "gateway.yaml", "database:\n  path: x.db\nattachments:\n  dir: up\n"+tt.yaml)
			_, err := Load(configPath)
			if err == nil {
				t.Fatal("Load() expected error for invalid duration")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error = %v, want mention of %s", err, tt.field)
			}
		})
	}
}

func validConfig() *Config {
	cfg := &Config{
		Database:    DatabaseConfig{Path: "./test.db"},
		Attachments: AttachmentsConfig{Dir: "./uploads"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "missing http addr",
			mutate:  func(c *Config) { c.Server.HTTPAddr = "" },
			wantErr: "server.http_addr is required",
		},
		{
			name: "tailscale without hostname",
			mutate: func(c *Config) {
				c.Tailscale.Enabled = true
			},
			wantErr: "tailscale.hostname is required",
		},
		{
			name: "tailscale replaces http addr",
			mutate: func(c *Config) {
				c.Server.HTTPAddr = ""
				c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "tenantline"}
			},
		},
		{
			name:    "sqlite without path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path is required",
		},
		{
			name: "postgres without dsn",
			mutate: func(c *Config) {
				c.Database.Driver = DriverPostgres
				c.Notify = NotifyConfig{Driver: NotifyRedis, URL: "redis://x"}
			},
			wantErr: "database.dsn is required for the postgres driver",
		},
		{
			name:    "unknown database driver",
			mutate:  func(c *Config) { c.Database.Driver = "oracle" },
			wantErr: `database.driver "oracle" is not supported`,
		},
		{
			name:    "memory driver",
			mutate:  func(c *Config) { c.Database = DatabaseConfig{Driver: DriverMemory} },
			wantErr: "",
		},
		{
			name:    "redis without url",
			mutate:  func(c *Config) { c.Notify.Driver = NotifyRedis },
			wantErr: "notify.url is required for the redis driver",
		},
		{
			name:    "unknown notify driver",
			mutate:  func(c *Config) { c.Notify.Driver = "kafka" },
			wantErr: `notify.driver "kafka" is not supported`,
		},
		{
			name: "local bus with shared database",
			mutate: func(c *Config) {
				c.Database = DatabaseConfig{Driver: DriverPostgres, DSN: "postgres://x"}
			},
			wantErr: "cannot be shared across instances",
		},
		{
			name:    "short jwt secret",
			mutate:  func(c *Config) { c.Auth.JWTSecret = "short" },
			wantErr: "at least 32 bytes",
		},
		{
			name:    "missing attachments dir",
			mutate:  func(c *Config) { c.Attachments.Dir = "" },
			wantErr: "attachments.dir is required",
		},
		{
			name:    "bad allowed type",
			mutate:  func(c *Config) { c.Attachments.AllowedTypes = []string{"png"} },
			wantErr: `"png" is not a media type`,
		},
		{
			name: "inverted backoff",
			mutate: func(c *Config) {
				c.Fanout.InitialBackoff = time.Minute
				c.Fanout.MaxBackoff = time.Second
			},
			wantErr: "exceeds fanout.max_backoff",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Fanout.MaxRetries = -1 },
			wantErr: "fanout.max_retries must not be negative",
		},
		{
			name:    "negative list limit",
			mutate:  func(c *Config) { c.Messaging.ListLimit = -5 },
			wantErr: "messaging limits must not be negative",
		},
		{
			name:    "negative burst",
			mutate:  func(c *Config) { c.API.SendBurst = -1 },
			wantErr: "api.send_rate and api.send_burst",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format must be text or json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TENANTLINE_A", "alpha")
	t.Setenv("TENANTLINE_B", "beta")

	tests := []struct {
		input string
		want  string
	}{
		{"no vars", "no vars"},
		{"${TENANTLINE_A}", "alpha"},
		{"${TENANTLINE_A}-${TENANTLINE_B}", "alpha-beta"},
		{"$TENANTLINE_A", "$TENANTLINE_A"},
		{"${TENANTLINE_NOT_SET_ANYWHERE}", ""},
	}

	for _, tt := range tests {
		if got := expandEnvVars(tt.input); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDefaultPath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("TENANTLINE_CONFIG", "/etc/tenantline.toml")
		if got := DefaultPath(); got != "/etc/tenantline.toml" {
			t.Errorf("DefaultPath() = %q", got)
		}
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv("TENANTLINE_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
		if got := DefaultPath(); got != "/tmp/xdg/tenantline/gateway.yaml" {
			t.Errorf("DefaultPath() = %q", got)
		}
	})

	t.Run("home fallback", func(t *testing.T) {
		t.Setenv("TENANTLINE_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "")
		t.Setenv("HOME", "/home/tess")
		if got := DefaultPath(); got != "/home/tess/.config/tenantline/gateway.yaml" {
			t.Errorf("DefaultPath() = %q", got)
		}
	})
}

func TestDefaultDataPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/data")
	if got := DefaultDataPath(); got != "/tmp/data/tenantline" {
		t.Errorf("DefaultDataPath() = %q", got)
	}
}
