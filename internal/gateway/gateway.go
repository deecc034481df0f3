// ABOUTME: Gateway orchestrator that wires store, bus, messaging core and HTTP surface
// ABOUTME: Manages listener setup (TCP or Tailscale), health endpoints and shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/tenantline/internal/attachment"
	"github.com/2389/tenantline/internal/auth"
	"github.com/2389/tenantline/internal/config"
	"github.com/2389/tenantline/internal/dedupe"
	"github.com/2389/tenantline/internal/fanout"
	"github.com/2389/tenantline/internal/messaging"
	"github.com/2389/tenantline/internal/notify"
	"github.com/2389/tenantline/internal/render"
	"github.com/2389/tenantline/internal/store"
)

// connectTimeout bounds the initial dial of networked stores and buses.
const connectTimeout = 15 * time.Second

// Gateway serves the messaging core to UI surfaces over HTTP, SSE and WebSocket.
type Gateway struct {
	config      *config.Config
	store       store.Store
	bus         notify.Bus
	uploads     *attachment.LocalPipeline
	messaging   *messaging.Service
	renderer    *render.Renderer
	limiter     *sendLimiter
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	upgrader    websocket.Upgrader
	logger      *slog.Logger

	// seen suppresses repeated participant upserts from the auth middleware
	seen *dedupe.Cache[struct{}]

	// idempotency maps Idempotency-Key headers to the message they created
	idempotency *dedupe.Cache[string]

	// heartbeat is the SSE keep-alive interval
	heartbeat time.Duration

	sessionsMu sync.Mutex
	sessions   map[*wsSession]struct{}
}

// initStore creates the store selected by database.driver.
func initStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var s store.Store
	var err error
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("TENANTLINE_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err = store.NewSQLiteStore(dbPath)
	case config.DriverPostgres:
		s, err = store.NewPostgresStore(ctx, cfg.Database.DSN)
	case config.DriverMongo:
		s, err = store.NewMongoStore(ctx, cfg.Database.DSN, cfg.Database.MongoDatabase)
	case config.DriverMemory:
		s = store.NewMockStore()
	default:
		err = fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initBus creates the change bus selected by notify.driver.
func initBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (notify.Bus, error) {
	var b notify.Bus
	var err error
	switch cfg.Notify.Driver {
	case config.NotifyLocal:
		b = notify.NewLocalBus(logger)
	case config.NotifyRedis:
		b, err = notify.NewRedisBus(ctx, cfg.Notify.URL, logger)
	case config.NotifyNATS:
		b, err = notify.NewNATSBus(cfg.Notify.URL, logger)
	default:
		err = fmt.Errorf("unknown notify driver %q", cfg.Notify.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing notify bus: %w", err)
	}
	return b, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	s, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	bus, err := initBus(ctx, cfg, logger.With("component", "notify"))
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	gw, err := newGateway(cfg, s, bus, logger)
	if err != nil {
		_ = bus.Close()
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway assembles the gateway around an already opened store and bus.
func newGateway(cfg *config.Config, s store.Store, bus notify.Bus, logger *slog.Logger) (*Gateway, error) {
	// A nil interface selects dev mode; a typed nil pointer would not
	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
	}

	uploads, err := attachment.NewLocalPipeline(attachment.LocalConfig{
		Dir:           cfg.Attachments.Dir,
		PublicBaseURL: cfg.Attachments.PublicBaseURL,
		MaxBytes:      cfg.Attachments.MaxBytes,
		AllowedTypes:  cfg.Attachments.AllowedTypes,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating attachment pipeline: %w", err)
	}

	svc := messaging.New(s, bus, uploads, messaging.Config{
		MaxBodyBytes: cfg.Messaging.MaxBodyBytes,
		ListLimit:    cfg.Messaging.ListLimit,
		HistoryLimit: cfg.Messaging.HistoryLimit,
		Fanout: fanout.Config{
			InitialBackoff: cfg.Fanout.InitialBackoff,
			MaxBackoff:     cfg.Fanout.MaxBackoff,
			MaxRetries:     cfg.Fanout.MaxRetries,
		},
	}, logger)

	idempotencyTTL := cfg.API.IdempotencyTTL
	if idempotencyTTL <= 0 {
		idempotencyTTL = 10 * time.Minute
	}

	gw := &Gateway{
		config:      cfg,
		store:       s,
		bus:         bus,
		uploads:     uploads,
		messaging:   svc,
		renderer:    render.New(),
		limiter:     newSendLimiter(cfg.API.SendRate, cfg.API.SendBurst),
		logger:      logger.With("component", "gateway"),
		seen:        dedupe.New[struct{}](time.Hour, 100_000),
		idempotency: dedupe.New[string](idempotencyTTL, 100_000),
		heartbeat:   30 * time.Second,
		sessions:    make(map[*wsSession]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Identity comes from a bearer token, never from cookies
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	if verifier != nil {
		gw.logger.Info("HTTP auth middleware enabled")
	} else {
		gw.logger.Warn("auth disabled - no jwt_secret configured, trusting X-Participant-ID")
	}
	authMiddleware := auth.HTTPAuthMiddleware(verifier, svc, gw.seen, logger)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(authMiddleware),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP mux.
func (g *Gateway) routes(authMiddleware func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Attachment URLs are unguessable and embedded in <img> tags, which cannot carry a bearer token
	mux.Handle("GET "+attachment.FilesPrefix, g.uploads.Handler())

	api := http.NewServeMux()
	api.HandleFunc("POST /api/conversations", g.handleCreateConversation)
	api.HandleFunc("GET /api/conversations", g.handleListConversations)
	api.HandleFunc("GET /api/conversations/stream", g.handleStreamConversations)
	api.HandleFunc("GET /api/conversations/{id}/messages", g.handleHistory)
	api.HandleFunc("POST /api/conversations/{id}/messages", g.handleSendMessage)
	api.HandleFunc("GET /api/conversations/{id}/messages/stream", g.handleStreamMessages)
	api.HandleFunc("POST /api/conversations/{id}/read", g.handleMarkRead)
	api.HandleFunc("POST /api/conversations/{id}/archive", g.handleArchive)
	api.HandleFunc("GET /ws", g.handleWebSocket)

	protected := authMiddleware(api)
	mux.Handle("/api/", protected)
	mux.Handle("/ws", protected)

	return mux
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates a listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tenantline", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens for HTTP on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server and releases resources.
// Subscriptions end first so SSE handlers return and the server can drain.
// WebSocket sessions are hijacked connections, so they are closed explicitly.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.closeSessions()
	g.messaging.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "bus close", g.bus.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.seen.Close()
	g.idempotency.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
