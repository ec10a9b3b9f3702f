// Package main is the entry point for the gatekeeper decision
// service. It loads the policy configuration, wires the evaluation
// chain and serves a decision endpoint for the application tier,
// along with health and metrics endpoints.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/promptforge/gatekeeper/internal/admission"
	"github.com/promptforge/gatekeeper/internal/admission/store"
	"github.com/promptforge/gatekeeper/internal/audit"
	"github.com/promptforge/gatekeeper/internal/config"
	"github.com/promptforge/gatekeeper/internal/gate"
	"github.com/promptforge/gatekeeper/internal/observability"
	"github.com/promptforge/gatekeeper/internal/ownership"
	"github.com/promptforge/gatekeeper/internal/policy"
	"github.com/promptforge/gatekeeper/internal/principal"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const shutdownTimeout = 30 * time.Second

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	listenAddr  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	app := initApplication(cfg, flags, logger)

	run(app, flags, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("GATEKEEPER_CONFIG_PATH", "configs/gatekeeper.yaml"),
		"Path to configuration file")
	listenAddr := flag.String("listen", getEnvOrDefault("GATEKEEPER_LISTEN_ADDR", ":8080"),
		"Listen address for the decision service")
	logLevel := flag.String("log-level", getEnvOrDefault("GATEKEEPER_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("GATEKEEPER_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		listenAddr:  *listenAddr,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("gatekeeper version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// getEnvOrDefault returns the environment variable or a default.
func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func fatal(logger observability.Logger, msg string, fields ...observability.Field) {
	logger.Error(msg, fields...)
	_ = logger.Sync()
	os.Exit(1)
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting gatekeeper",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		fatal(logger, "failed to load configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.Int("permissions", len(cfg.Permissions)),
		observability.Int("presets", len(cfg.Presets)),
		observability.Int("ownership_rules", len(cfg.OwnershipRules)),
		observability.Int("rate_limit_classes", len(cfg.RateLimits)),
	)

	return cfg
}

// application holds all wired components.
type application struct {
	gateway    *gate.Gateway
	controller *admission.Controller
	sink       *audit.AtomicSink
	store      store.Store
	lookup     ownership.Lookup
	config     *config.Config
	server     *http.Server
}

// initApplication wires the evaluation chain from the configuration.
func initApplication(cfg *config.Config, flags cliFlags, logger observability.Logger) *application {
	bucketStore, lookup := initStore(cfg, logger)

	controller, err := admission.NewController(
		cfg.BuildAdmissionRules(),
		bucketStore,
		admission.WithControllerLogger(logger),
	)
	if err != nil {
		fatal(logger, "failed to create admission controller", observability.Error(err))
	}

	sinkImpl, err := audit.NewSink(cfg.BuildAuditConfig(), audit.WithLogger(logger))
	if err != nil {
		fatal(logger, "failed to create audit sink", observability.Error(err))
	}
	sink := audit.NewAtomicSink(sinkImpl)

	reg, err := cfg.BuildRegistry()
	if err != nil {
		fatal(logger, "failed to build permission registry", observability.Error(err))
	}

	bindings, err := cfg.BuildBindings(lookup, ownership.WithLogger(logger))
	if err != nil {
		fatal(logger, "failed to build policy bindings", observability.Error(err))
	}

	auditCfg := cfg.Audit
	gw, err := gate.NewGateway(reg, bindings,
		gate.WithAdmission(controller),
		gate.WithAuditSink(sink),
		gate.WithGatewayLogger(logger),
		gate.WithRetention(auditCfg.RetentionFor),
	)
	if err != nil {
		fatal(logger, "failed to create gateway", observability.Error(err))
	}

	app := &application{
		gateway:    gw,
		controller: controller,
		sink:       sink,
		store:      bucketStore,
		lookup:     lookup,
		config:     cfg,
	}
	app.server = &http.Server{
		Addr:              flags.listenAddr,
		Handler:           app.routes(logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return app
}

// initStore creates the bucket store and resource lookup. With Redis
// enabled both share one client; otherwise the in-process store is
// used and ownership rules cannot be served.
func initStore(cfg *config.Config, logger observability.Logger) (store.Store, ownership.Lookup) {
	if cfg.Redis == nil || !cfg.Redis.Enabled {
		logger.Info("using in-process bucket store")
		return store.NewMemoryStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	dialTimeout := cfg.Redis.Timeout.Duration()
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		fatal(logger, "failed to connect to redis",
			observability.String("addr", cfg.Redis.Addr),
			observability.Error(err),
		)
	}

	logger.Info("using redis bucket store", observability.String("addr", cfg.Redis.Addr))
	return store.NewRedisStoreWithClient(client, store.DefaultRedisConfig().Prefix),
		ownership.NewRedisLookup(client, "").Lookup
}

// routes builds the HTTP mux.
func (app *application) routes(logger observability.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/check", app.handleCheck(logger))
	return mux
}

// principalPayload is the wire form of a principal.
type principalPayload struct {
	ID              string    `json:"id"`
	Role            string    `json:"role"`
	OrganizationID  string    `json:"organization_id"`
	Permissions     []string  `json:"permissions"`
	MFAVerified     bool      `json:"mfa_verified"`
	MFAVerifiedAt   time.Time `json:"mfa_verified_at"`
	SessionIssuedAt time.Time `json:"session_issued_at"`
	Tier            string    `json:"tier"`
}

// checkPayload is the decision request body.
type checkPayload struct {
	Principal  *principalPayload `json:"principal,omitempty"`
	Preset     string            `json:"preset"`
	Class      string            `json:"class,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	BreakGlass bool              `json:"break_glass,omitempty"`
	IP         string            `json:"ip,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
}

// checkResult is the decision response body. The decision service is
// consumed by the application tier, which is responsible for keeping
// reason codes away from end users.
type checkResult struct {
	Allowed           bool   `json:"allowed"`
	Status            int    `json:"status"`
	Reason            string `json:"reason,omitempty"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// handleCheck serves POST /v1/check.
func (app *application) handleCheck(logger observability.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var payload checkPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if payload.Preset == "" {
			http.Error(w, "preset is required", http.StatusBadRequest)
			return
		}

		req := &gate.Request{
			Principal:           payload.Principal.toPrincipal(),
			PresetName:          payload.Preset,
			EndpointClass:       payload.Class,
			PathParams:          payload.Params,
			BreakGlassRequested: payload.BreakGlass,
			IP:                  payload.IP,
			UserAgent:           payload.UserAgent,
		}

		d := app.gateway.Check(r.Context(), req)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(decisionResult(d)); err != nil {
			logger.Error("failed to encode decision", observability.Error(err))
		}
	}
}

// toPrincipal converts the wire form. A nil payload is an anonymous
// caller.
func (p *principalPayload) toPrincipal() *principal.Principal {
	if p == nil {
		return nil
	}
	perms := make(map[string]struct{}, len(p.Permissions))
	for _, perm := range p.Permissions {
		perms[perm] = struct{}{}
	}
	var mfaAt *time.Time
	if !p.MFAVerifiedAt.IsZero() {
		t := p.MFAVerifiedAt
		mfaAt = &t
	}
	return &principal.Principal{
		ID:              p.ID,
		Role:            p.Role,
		OrganizationID:  p.OrganizationID,
		Permissions:     perms,
		MFAVerified:     p.MFAVerified,
		MFAVerifiedAt:   mfaAt,
		SessionIssuedAt: p.SessionIssuedAt,
		Tier:            principal.Tier(p.Tier),
	}
}

func decisionResult(d policy.Decision) checkResult {
	res := checkResult{
		Allowed: d.Allowed(),
		Status:  d.HTTPStatus,
		Reason:  string(d.Reason),
		Message: d.ClientMessage(),
	}
	if d.Allowed() {
		res.Status = http.StatusOK
		res.Message = ""
	}
	if d.RetryAfter > 0 {
		res.RetryAfterSeconds = int(d.RetryAfter / time.Second)
	}
	return res
}

// run starts the server, the config watcher, and blocks until
// shutdown.
func run(app *application, flags cliFlags, logger observability.Logger) {
	watcher := startConfigWatcher(app, flags.configPath, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("decision service listening",
			observability.String("addr", app.server.Addr))
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", observability.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server error", observability.Error(err))
	}

	shutdown(app, watcher, logger)
}

// startConfigWatcher watches the configuration file and hot-reloads
// the preset table and audit sink. Admission and store changes need a
// restart.
func startConfigWatcher(app *application, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath,
		func(cfg *config.Config) { applyReload(app, cfg, logger) },
		config.WithWatcherLogger(logger),
	)
	if err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher, hot reload disabled", observability.Error(err))
		return nil
	}

	return watcher
}

// applyReload swaps in the reloaded preset table and audit sink.
func applyReload(app *application, cfg *config.Config, logger observability.Logger) {
	bindings, err := cfg.BuildBindings(app.lookup, ownership.WithLogger(logger))
	if err != nil {
		logger.Error("reload rejected, keeping previous presets", observability.Error(err))
		return
	}
	if err := app.gateway.Reload(bindings); err != nil {
		logger.Error("reload rejected, keeping previous presets", observability.Error(err))
		return
	}

	newSink, err := audit.NewSink(cfg.BuildAuditConfig(), audit.WithLogger(logger))
	if err != nil {
		logger.Error("failed to rebuild audit sink, keeping previous", observability.Error(err))
		return
	}
	old := app.sink.Swap(newSink)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := old.Close(ctx); err != nil {
		logger.Warn("failed to flush previous audit sink", observability.Error(err))
	}

	app.config = cfg
	logger.Info("configuration reload applied")
}

// shutdown drains the server and flushes the audit queue.
func shutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", observability.Error(err))
	}

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Error("failed to stop config watcher", observability.Error(err))
		}
	}

	if err := app.sink.Close(ctx); err != nil {
		logger.Error("failed to flush audit sink", observability.Error(err))
	}

	if err := app.controller.Close(); err != nil {
		logger.Error("failed to close admission controller", observability.Error(err))
	}

	logger.Info("gatekeeper stopped")
}
