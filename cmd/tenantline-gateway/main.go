// ABOUTME: Entry point for the tenantline messaging gateway
// ABOUTME: Subcommands serve the API, write a starter config, check health and mint dev tokens

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/tenantline/internal/auth"
	"github.com/2389/tenantline/internal/config"
	"github.com/2389/tenantline/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _                        _   _ _
 | |_ ___ _ __   __ _ _ __ | |_| (_)_ __   ___
 | __/ _ \ '_ \ / _' | '_ \| __| | | '_ \ / _ \
 | ||  __/ | | | (_| | | | | |_| | | | | |  __/
  \__\___|_| |_|\__,_|_| |_|\__|_|_|_| |_|\___|
`

// defaultTokenTTL is the lifetime of tokens minted by the token command.
const defaultTokenTTL = 30 * 24 * time.Hour

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: tenantline-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                                  Start the gateway server")
		fmt.Println("  init                                   Create a new config file interactively")
		fmt.Println("  health                                 Check gateway readiness")
		fmt.Println("  token --participant ID [--name NAME]   Mint a participant token")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Bus:       %s\n", cfg.Notify.Driver)
	if !cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! dev mode: X-Participant-ID is trusted")
	}

	fmt.Println()

	logger.Info("starting tenantline-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Driver,
		"notify", cfg.Notify.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{mu: &sync.Mutex{}, level: level}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// colorHandler provides colorized log output with thread-safe writes.
// Handlers derived through WithAttrs and WithGroup share the parent's mutex.
type colorHandler struct {
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	writeAttr := func(a slog.Attr) {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(os.Stdout, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{mu: h.mu, level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{mu: h.mu, level: h.level, attrs: h.attrs, groups: newGroups}
}

// runHealth asks a running gateway whether its store is reachable.
func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is not set; check the tailnet address instead")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println("healthy")
	return nil
}

// tokenArgs are the flags accepted by the token command.
type tokenArgs struct {
	participantID string
	displayName   string
	ttl           time.Duration
}

// parseTokenArgs supports both "--flag value" and "--flag=value".
func parseTokenArgs(args []string) (tokenArgs, error) {
	out := tokenArgs{ttl: defaultTokenTTL}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--participant", "-p", "--name", "-n", "--ttl":
		default:
			if strings.HasPrefix(arg, "-") {
				return out, fmt.Errorf("unknown flag: %s", arg)
			}
			return out, fmt.Errorf("unexpected argument: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return out, fmt.Errorf("%s requires a value", name)
			}
			value = args[i+1]
			i++
		}

		switch name {
		case "--participant", "-p":
			out.participantID = strings.TrimSpace(value)
		case "--name", "-n":
			out.displayName = strings.TrimSpace(value)
		case "--ttl":
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return out, fmt.Errorf("--ttl must be a positive duration, got %q", value)
			}
			out.ttl = d
		}
	}

	if out.participantID == "" {
		return out, fmt.Errorf("--participant flag is required")
	}
	if len(out.displayName) > 100 {
		return out, fmt.Errorf("display name exceeds maximum length of 100 characters")
	}
	return out, nil
}

// runToken mints a bearer token for a participant using the configured secret.
func runToken(args []string) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s (the gateway is in dev mode)", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(auth.Identity{
		ParticipantID: parsed.participantID,
		DisplayName:   parsed.displayName,
	}, parsed.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	expiresAt := time.Now().Add(parsed.ttl).UTC()
	gray := color.New(color.FgHiBlack)
	gray.Fprintf(os.Stderr, "participant %s, expires %s\n", parsed.participantID, expiresAt.Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func isYes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("tenantline-gateway configuration setup")
	fmt.Println("======================================")
	fmt.Println()

	defaultConfigPath := config.DefaultPath()
	defaultDataPath := config.DefaultDataPath()

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Storage Configuration ---")
	driver := prompt(reader, "Database driver (sqlite/postgres/mongo)", config.DriverSQLite)
	var dbPath, dsn, notifyDriver, notifyURL string
	switch driver {
	case config.DriverSQLite:
		dbPath = prompt(reader, "SQLite database path", filepath.Join(defaultDataPath, "tenantline.db"))
		notifyDriver = config.NotifyLocal
	case config.DriverPostgres, config.DriverMongo:
		dsn = prompt(reader, "Connection string", "${TENANTLINE_DATABASE_DSN}")
		notifyDriver = prompt(reader, "Change bus (redis/nats)", config.NotifyRedis)
		notifyURL = prompt(reader, "Change bus URL", "${TENANTLINE_NOTIFY_URL}")
	default:
		return fmt.Errorf("unsupported database driver %q", driver)
	}
	attachmentsDir := prompt(reader, "Attachment directory", filepath.Join(defaultDataPath, "attachments"))

	fmt.Println("\n--- Auth Configuration ---")
	var jwtSecret string
	if isYes(prompt(reader, "Require signed tokens? (no = dev mode)", "yes")) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		jwtSecret = secret
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "tenantline")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# tenantline-gateway configuration\n")
	cfg.WriteString("# Generated by tenantline-gateway init\n\n")

	if !tailscaleEnabled {
		cfg.WriteString("server:\n")
		cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
		cfg.WriteString("\n")
	}

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  driver: %q\n", driver))
	if dbPath != "" {
		cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	}
	if dsn != "" {
		cfg.WriteString(fmt.Sprintf("  dsn: %q\n", dsn))
	}
	cfg.WriteString("\n")

	cfg.WriteString("notify:\n")
	cfg.WriteString(fmt.Sprintf("  driver: %q\n", notifyDriver))
	if notifyURL != "" {
		cfg.WriteString(fmt.Sprintf("  url: %q\n", notifyURL))
	}
	cfg.WriteString("\n")

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", jwtSecret))
		cfg.WriteString("\n")
	}

	cfg.WriteString("attachments:\n")
	cfg.WriteString(fmt.Sprintf("  dir: %q\n", attachmentsDir))
	cfg.WriteString("  max_bytes: 10485760\n")
	cfg.WriteString("  allowed_types: [\"image/*\", \"audio/*\", \"application/pdf\", \"text/plain\"]\n")
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("fanout:\n")
	cfg.WriteString("  initial_backoff: \"100ms\"\n")
	cfg.WriteString("  max_backoff: \"5s\"\n")
	cfg.WriteString("  max_retries: 5\n")
	cfg.WriteString("\n")

	cfg.WriteString("api:\n")
	cfg.WriteString("  send_rate: 5\n")
	cfg.WriteString("  send_burst: 10\n")
	cfg.WriteString("  idempotency_ttl: \"10m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file may hold a signing secret
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}
	if err := os.MkdirAll(attachmentsDir, 0755); err != nil {
		return fmt.Errorf("creating attachment directory: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Println("  tenantline-gateway serve")
	if jwtSecret != "" {
		fmt.Println("\nTo mint a token for a participant:")
		fmt.Println("  tenantline-gateway token --participant tenant-42 --name \"Tess\"")
	}

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
