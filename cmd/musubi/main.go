package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/musubi/internal/authz"
	"github.com/ashita-ai/musubi/internal/config"
	"github.com/ashita-ai/musubi/internal/linkage"
	"github.com/ashita-ai/musubi/internal/storage"
	"github.com/ashita-ai/musubi/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

// logLevel gates the process logger. It starts at info and takes
// MUSUBI_LOG_LEVEL once a command has loaded its configuration.
var logLevel slog.LevelVar

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: &logLevel,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "musubi",
		Short:         "Operate the musubi linkage store",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCmd(logger),
		newCheckCmd(logger),
		newMergeCmd(logger),
		newPurgeCmd(logger),
		newDecisionsCmd(logger),
		newLinkagesCmd(logger),
		newTokenCmd(),
		newKeygenCmd(),
	)
	return root
}

// env is what a command needs to talk to the store.
type env struct {
	cfg    config.Config
	db     *storage.DB
	svc    *linkage.Service
	cache  *authz.ScopeCache
	logger *slog.Logger
}

// open loads configuration, initializes telemetry and connects to the
// database. The returned close func releases all of it.
func open(ctx context.Context, logger *slog.Logger) (*env, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logLevel.Set(cfg.LogLevel)

	dialect, err := storage.DialectOf(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: %w", err)
	}
	otelShutdown, err := telemetry.Init(ctx, telemetry.FromConfig(cfg, version, string(dialect)))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger,
		storage.WithMaxOpenConns(cfg.MaxOpenConns),
		storage.WithRetryPolicy(cfg.TxMaxRetries, cfg.TxRetryBaseDelay),
	)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, nil, fmt.Errorf("storage: %w", err)
	}

	// Register connection pool OTEL metrics (after telemetry.Init).
	db.RegisterPoolMetrics()

	cache := newScopeCache(cfg.ScopeCacheTTL)
	closeFn := func() {
		if cache != nil {
			cache.Close()
		}
		db.Close()
		if err := otelShutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}
	return &env{cfg: cfg, db: db, svc: linkage.New(db, logger), cache: cache, logger: logger}, closeFn, nil
}

// newScopeCache returns nil, which disables caching, for a zero TTL.
func newScopeCache(ttl time.Duration) *authz.ScopeCache {
	if ttl <= 0 {
		return nil
	}
	return authz.NewScopeCache(ttl)
}

// withEnv runs fn against a freshly opened env.
func withEnv(cmd *cobra.Command, logger *slog.Logger, fn func(ctx context.Context, e *env) error) error {
	ctx := cmd.Context()
	e, closeFn, err := open(ctx, logger)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, e)
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
