package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/leadboard/internal/cache"
	"github.com/pitabwire/leadboard/internal/config"
	"github.com/pitabwire/leadboard/internal/dashboard"
	"github.com/pitabwire/leadboard/internal/observability"
	"github.com/pitabwire/leadboard/internal/reconcile"
	"github.com/pitabwire/leadboard/internal/source"
	"github.com/pitabwire/leadboard/internal/transport"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return serve(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file (empty for defaults and environment only)")
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "leadboard", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return err
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	src, closeSource, err := buildSource(ctx, cfg.Source, metrics, logger)
	if err != nil {
		logger.Error("record source initialization failed", zap.Error(err))
		return err
	}
	defer closeSource()

	store, closeStore, err := buildCacheStore(ctx, cfg.Cache, logger)
	if err != nil {
		logger.Error("cache initialization failed", zap.Error(err))
		return err
	}
	defer closeStore()

	readiness := observability.ReadinessChecks{Source: src}
	if store != nil {
		readiness.Cache = store
		src = cache.NewCachedSource(src, store, cache.Options{
			TTL:        cfg.Cache.TTL,
			JobTTL:     cfg.Cache.JobTTL,
			PerSubject: cfg.Source.Driver == config.SourceHTTP && cfg.Source.HTTP.ForwardToken,
			Recorder:   metrics,
			Logger:     logger,
		})
	}

	svc := dashboard.NewService(src,
		reconcile.New(
			reconcile.WithObserver(metrics),
			reconcile.WithObserver(observability.LogObserver(logger)),
		),
		cfg.Dashboard,
		logger,
	)

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Authenticate:   transport.NewAuthenticator(cfg.Identity, logger),
		Dashboard:      svc,
		Metrics:        metrics,
		MetricsHandler: observability.Handler(),
		Readiness:      readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("source", cfg.Source.Driver),
		zap.String("cache", cfg.Cache.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// buildSource creates the record source selected by cfg.Driver. The returned
// closer is never nil.
func buildSource(ctx context.Context, cfg config.SourceConfig, metrics *observability.Metrics, logger *zap.Logger) (source.Source, func(), error) {
	opts := []source.Option{
		source.WithRecorder(metrics),
		source.WithLogger(logger),
	}

	switch cfg.Driver {
	case config.SourceHTTP:
		logger.Info("reading records from the lead-magnet API", zap.String("base_url", cfg.HTTP.BaseURL))
		return source.NewHTTPSource(cfg.HTTP, opts...), func() {}, nil
	case config.SourcePostgres:
		dsn := os.Getenv(cfg.Postgres.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("source: %s environment variable not set", cfg.Postgres.DSNEnv)
		}
		pool, err := source.OpenPool(ctx, dsn, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("reading records from postgres")
		return source.NewPgSource(pool, opts...), pool.Close, nil
	case config.SourceMemory:
		if cfg.Memory.FixturesFile == "" {
			logger.Warn("memory source without fixtures, every lookup will miss")
			return source.NewMemorySource(), func() {}, nil
		}
		mem, err := source.LoadFixtures(cfg.Memory.FixturesFile)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("serving records from fixtures", zap.String("file", cfg.Memory.FixturesFile))
		return mem, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("source: unsupported driver %q", cfg.Driver)
	}
}

// buildCacheStore creates the snapshot cache store. A nil store means
// caching is disabled. The returned closer is never nil.
func buildCacheStore(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (cache.Store, func(), error) {
	switch cfg.Driver {
	case config.CacheNone:
		logger.Info("snapshot cache disabled")
		return nil, func() {}, nil
	case config.CacheMemory:
		logger.Info("using in-memory snapshot cache", zap.Int("max_entries", cfg.MaxEntries))
		return cache.NewMemoryStore(cfg.MaxEntries), func() {}, nil
	case config.CacheRedis:
		addr := os.Getenv(cfg.Redis.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("cache: %s environment variable not set", cfg.Redis.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("cache: redis ping: %w", err)
		}
		logger.Info("using redis snapshot cache", zap.String("addr", addr))
		return cache.NewRedisStore(client, cfg.Redis.KeyPrefix), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("cache: unsupported driver %q", cfg.Driver)
	}
}
