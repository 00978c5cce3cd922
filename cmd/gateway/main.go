package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/florejun0824/srcslmsstable-sub009/internal/config"
	"github.com/florejun0824/srcslmsstable-sub009/internal/gateway"
	"github.com/florejun0824/srcslmsstable-sub009/internal/quota"
	"github.com/florejun0824/srcslmsstable-sub009/internal/quota/pgstore"
	"github.com/florejun0824/srcslmsstable-sub009/internal/quota/redisstore"
	"github.com/florejun0824/srcslmsstable-sub009/internal/router"
	"github.com/florejun0824/srcslmsstable-sub009/internal/telemetry"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	loader := config.NewLoader(*configDir, bootLogger)
	if err := loader.Load(); err != nil {
		bootLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	logger := newLogger(cfg.Telemetry)
	slog.SetDefault(logger)

	stopWatch, err := loader.Watch()
	if err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	} else {
		defer stopWatch()
	}

	metrics := telemetry.NewMetrics()

	store, closeStore, err := openQuotaStore(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to open quota store", "backend", cfg.Quota.Backend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	tracker := quota.NewTracker(store, cfg.Quota.MonthlyLimit,
		quota.WithKey(cfg.Quota.RecordKey),
		quota.WithLogger(logger),
		quota.WithMetrics(metrics),
	)

	candidates, err := router.Build(loader.Providers(), loader.Routes(), logger)
	if err != nil {
		logger.Error("failed to build candidates", "error", err)
		os.Exit(1)
	}
	rt := router.New(candidates, tracker,
		router.RetryPolicy{MaxRetries: cfg.Retry.MaxRetries, BaseBackoff: cfg.Retry.BaseBackoff},
		router.WithLogger(logger),
		router.WithMetrics(metrics),
		router.WithHealthTracker(router.HealthTrackerFromConfig(cfg.Routing.CircuitBreaker)),
	)
	logCandidates(logger, rt.Candidates())

	loader.OnReload(func() {
		next, err := router.Build(loader.Providers(), loader.Routes(), logger)
		if err != nil {
			logger.Error("failed to rebuild candidates, keeping previous", "error", err)
			return
		}
		rt.SetCandidates(next)
		logger.Info("candidate chain reloaded", "candidates", len(next))
	})

	handler := gateway.NewHandler(rt, tracker, loader.Config, metrics, logger, version)
	mux := gateway.NewRouter(handler, cfg.Telemetry.MetricsPath, promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting",
			"addr", addr,
			"version", version,
			"quota_backend", cfg.Quota.Backend,
			"monthly_limit", tracker.MonthlyLimit(),
		)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

func newLogger(cfg config.TelemetryConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// openQuotaStore connects the configured backend. The returned func closes
// whatever connection was opened.
func openQuotaStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (quota.Store, func(), error) {
	switch cfg.Quota.Backend {
	case "", "memory":
		logger.Warn("using in-memory quota store; the count is per process and lost on restart")
		return quota.NewMemoryStore(), func() {}, nil

	case "redis":
		if len(cfg.Redis.Addresses) == 0 || cfg.Redis.Addresses[0] == "" {
			return nil, nil, fmt.Errorf("redis backend selected but no address configured")
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addresses[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable at startup, readiness will report it", "error", err)
		} else {
			logger.Info("redis connected")
		}
		return redisstore.New(rdb, redisstore.WithKeyPrefix(cfg.Redis.KeyPrefix)), func() { rdb.Close() }, nil

	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("parse database config: %w", err)
		}
		if cfg.Database.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Database.MaxConns
		}
		dbPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		store := pgstore.New(dbPool)
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Warn("could not ensure quota schema, run cmd/migrate", "error", err)
		} else {
			logger.Info("database connected")
		}
		return store, dbPool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown quota backend %q", cfg.Quota.Backend)
	}
}

func logCandidates(logger *slog.Logger, candidates []*router.Candidate) {
	for i, c := range candidates {
		logger.Info("candidate configured",
			"position", i,
			"candidate", c.Name,
			"provider", c.Provider,
			"keys", c.Pool.Len(),
			"key_fingerprints", c.Pool.Fingerprints(),
		)
	}
}
