// Command bqguard-server runs the read-only BigQuery tool server.
//
// Projects are granted on the command line as positional
// "project-id:pattern,pattern" arguments, or through a YAML config file:
//
//	bqguard-server --billing-project my-proj "my-proj:analytics_*,public"
//	bqguard-server --config /etc/bqguard/config.yaml
//
// CLI flags take precedence over the config file, which takes precedence
// over environment variables. SIGHUP reloads the config file in place.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bqguard/bqguard/internal/analysis"
	"github.com/bqguard/bqguard/internal/api"
	"github.com/bqguard/bqguard/internal/bq"
	"github.com/bqguard/bqguard/internal/chread"
	"github.com/bqguard/bqguard/internal/config"
	"github.com/bqguard/bqguard/internal/discovery"
	"github.com/bqguard/bqguard/internal/guard"
	"github.com/bqguard/bqguard/internal/observability"
	"github.com/bqguard/bqguard/internal/storage"
	"github.com/bqguard/bqguard/internal/store"
)

func main() {
	var (
		configPath     = flag.String("config", "", "path to YAML config file")
		billingProject = flag.String("billing-project", "", "project billed for query execution")
		location       = flag.String("location", "", "BigQuery location (default EU)")
		httpAddress    = flag.String("http-address", "", "listen address (default :8080)")
		logLevel       = flag.String("log-level", "", "log level: debug, info, warn, error")
		timeout        = flag.Int("timeout", 0, "maximum query timeout in seconds")
		maxLimit       = flag.Int("max-limit", 0, "maximum row limit per query")
		maxBytes       = flag.Int64("max-bytes", 0, "maximum bytes billed per query")
		selectOnly     = flag.Bool("select-only", true, "allow only SELECT statements and CTEs")
		requireLimits  = flag.Bool("require-explicit-limits", false, "reject queries without an explicit LIMIT")
		compact        = flag.Bool("compact", false, "compact response format")
		bannedKeywords = flag.String("banned-keywords", "", "comma-separated keyword blocklist override")
		clickhouseDSN  = flag.String("clickhouse-dsn", "", "ClickHouse DSN for query audit events")
		postgresDSN    = flag.String("postgres-dsn", "", "Postgres DSN for saved queries")
	)
	flag.Parse()

	// Bool flags have defaults, so only flags the operator actually set
	// may override the config file and environment.
	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	opts := config.FlagOptions{
		BillingProject:    *billingProject,
		Location:          *location,
		HTTPAddress:       *httpAddress,
		LogLevel:          *logLevel,
		Timeout:           *timeout,
		MaxLimit:          *maxLimit,
		MaxBytesProcessed: *maxBytes,
		BannedKeywords:    *bannedKeywords,
		ClickHouseDSN:     *clickhouseDSN,
		PostgresDSN:       *postgresDSN,
	}
	if explicit["select-only"] {
		opts.SelectOnly = selectOnly
	}
	if explicit["require-explicit-limits"] {
		opts.RequireExplicitLimits = requireLimits
	}
	if explicit["compact"] {
		opts.CompactFormat = compact
	}

	cfg, err := resolveConfig(*configPath, flag.Args(), opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := mustBuildLogger(cfg.Logging.Level)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting bqguard server",
		zap.String("http_address", cfg.Server.HTTPAddress),
		zap.String("billing_project", cfg.Policy.BillingProject),
		zap.String("location", cfg.BigQuery.Location),
		zap.Int("allowed_projects", len(cfg.Policy.Projects)),
	)

	provider := config.NewProvider(cfg)

	ctx := context.Background()
	client, err := bq.NewClient(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("bigquery client failed", zap.Error(err))
	}
	defer func() { _ = client.Close() }()

	// Audit events go to ClickHouse when configured, zap otherwise.
	var writer storage.EventWriter
	if cfg.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no clickhouse DSN set, using log writer")
	}
	defer writer.Close()

	// Audit event reader for the inspection endpoints.
	var reader api.EventReader
	if cfg.ClickHouseDSN != "" {
		chReader, err := chread.NewReader(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			defer func() { _ = chReader.Close() }()
			reader = chReader
			logger.Info("clickhouse reader connected")
		}
	}

	// Saved queries need Postgres; everything else works without it.
	var pgStore *store.Store
	if cfg.PostgresDSN != "" {
		db, err := store.Open(cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		pgStore = store.NewStore(db)
		logger.Info("postgres connected")
	} else {
		logger.Info("no postgres DSN set, saved queries disabled")
	}

	deps := &api.Dependencies{
		Provider:  provider,
		Guard:     guard.New(client, provider, logger),
		Discovery: discovery.New(client, provider, logger),
		Analysis:  analysis.New(client, client, provider, logger),
		Store:     pgStore,
		Writer:    writer,
		Reader:    reader,
		Metrics:   observability.New(),
		Logger:    logger,
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.HTTPAddress,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // long-running queries stream through this
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// SIGHUP reloads the config file; SIGINT/SIGTERM shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			reloadConfig(*configPath, provider, logger)
			continue
		}
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		break
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("bqguard server stopped")
}

// resolveConfig builds the effective config. A config file is exclusive
// with positional project arguments; flags always win over both.
func resolveConfig(configPath string, args []string, opts config.FlagOptions) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFile(configPath, nil)
		if err != nil {
			return nil, err
		}
		cfg.ApplyFlagOverrides(opts)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	opts.ProjectPatterns = make(map[string][]string)
	for _, arg := range args {
		projectID, patterns, err := config.ParseProjectArg(arg)
		if err != nil {
			return nil, err
		}
		if _, seen := opts.ProjectPatterns[projectID]; !seen {
			opts.ProjectOrder = append(opts.ProjectOrder, projectID)
		}
		opts.ProjectPatterns[projectID] = append(opts.ProjectPatterns[projectID], patterns...)
	}

	cfg, err := config.FromFlags(opts, nil)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// reloadConfig swaps in a freshly loaded config file. Flags-only setups
// have nothing to reload.
func reloadConfig(configPath string, provider *config.Provider, logger *zap.Logger) {
	if configPath == "" {
		logger.Warn("SIGHUP received but no config file in use, ignoring")
		return
	}
	cfg, err := config.LoadFile(configPath, nil)
	if err != nil {
		logger.Error("config reload failed, keeping previous config", zap.Error(err))
		return
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("reloaded config invalid, keeping previous config", zap.Error(err))
		return
	}
	provider.Swap(cfg)
	logger.Info("config reloaded",
		zap.String("path", configPath),
		zap.Int("allowed_projects", len(cfg.Policy.Projects)),
	)
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
