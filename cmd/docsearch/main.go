// Command docsearch serves the Sphinx search index of the Touch Detect SDK
// documentation over HTTP.
//
// Usage:
//
//	go run ./cmd/docsearch [-config configs/development.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/poweron-gmbh/touch-detect-sdk/internal/analytics"
	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex"
	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex/catalog"
	"github.com/poweron-gmbh/touch-detect-sdk/internal/docindex/search"
	"github.com/poweron-gmbh/touch-detect-sdk/internal/searchapi"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/config"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/health"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/kafka"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/logger"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/metrics"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/middleware"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/postgres"
	pkgredis "github.com/poweron-gmbh/touch-detect-sdk/pkg/redis"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	closeLog, err := logger.SetupFile(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	slog.Info("starting docsearch service", "port", cfg.Server.Port, "index", cfg.Docs.IndexPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownMetrics(shutdownCtx)
		}()
	}

	cat := catalog.New(cfg.Docs, catalog.WithMetrics(m))
	if err := cat.Reload(ctx); err != nil {
		// the service starts anyway and reports not-ready until a reload works
		slog.Error("initial index load failed", "error", err)
	}
	if err := cat.Schedule(cfg.Docs.ReloadSchedule); err != nil {
		slog.Error("invalid reload schedule", "error", err)
		os.Exit(1)
	}
	defer cat.Stop()

	checker := health.NewChecker()
	checker.Register("index", health.Ping(cat.Ping, false))

	opts := []searchapi.Option{
		searchapi.WithMetrics(m),
		searchapi.WithQueryTimeout(cfg.Search.QueryTimeout),
	}

	redisClient, err := pkgredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, search caching disabled", "error", err)
	} else {
		defer redisClient.Close()
		queryCache := searchapi.NewQueryCache(redisClient, cfg.Redis.CacheTTL, m)
		cat.OnReload(func(*docindex.Index) {
			invalidateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := queryCache.Invalidate(invalidateCtx); err != nil {
				slog.Warn("dropping cached results after reload failed", "error", err)
			}
		})
		opts = append(opts, searchapi.WithCache(queryCache))
		checker.Register("redis", health.Ping(redisClient.Ping, true))
		slog.Info("search cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
	}

	aggregator := analytics.NewAggregator()
	var tracker searchapi.Tracker = aggregator
	if cfg.Kafka.Enabled {
		topic := cfg.Kafka.Topics.QueryEvents
		producer := kafka.NewProducer(cfg.Kafka, topic)
		defer producer.Close()
		collector := analytics.NewCollector(producer, 10000)
		collector.Start(ctx)
		defer collector.Close()
		tracker = collector

		consumer := kafka.NewConsumer(cfg.Kafka, topic, aggregator.HandleMessage())
		defer consumer.Close()
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("query event consumer error", "error", err)
			}
		}()
		slog.Info("query analytics streaming through kafka", "topic", topic)
	}
	opts = append(opts, searchapi.WithTracker(tracker))

	var store *analytics.Store
	if cfg.Postgres.Enabled {
		var pg *postgres.Client
		err := resilience.Retry(ctx, "postgres-connect", resilience.RetryConfig{MaxAttempts: 5, InitialDelay: time.Second}, func(ctx context.Context) error {
			var err error
			pg, err = postgres.New(ctx, cfg.Postgres)
			return err
		})
		if err != nil {
			slog.Warn("postgres unavailable, analytics snapshots disabled", "error", err)
		} else {
			defer pg.Close()
			if err := pg.Migrate(ctx, analytics.Schema...); err != nil {
				slog.Error("analytics schema migration failed", "error", err)
				os.Exit(1)
			}
			store = analytics.NewStore(pg.DB)
			if latest, err := store.LatestSnapshot(ctx); err != nil {
				slog.Warn("restoring analytics snapshot failed", "error", err)
			} else if latest != nil {
				aggregator.Restore(*latest)
				slog.Info("analytics restored", "total_queries", latest.TotalQueries)
			}
			go store.RunPeriodicSave(ctx, aggregator, cfg.Search.StatsInterval)
			checker.Register("postgres", health.Ping(pg.Ping, true))
		}
	}
	opts = append(opts, searchapi.WithAnalytics(analytics.NewHandler(aggregator, store)))

	h := searchapi.New(cat, search.New(cfg.Search.DefaultLimit, cfg.Search.MaxResults), opts...)

	mux := http.NewServeMux()
	h.Routes(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	chain := middleware.Chain(mux,
		middleware.RequestID,
		middleware.CORS(cfg.Server.CORSOrigins, cfg.Server.CORSMaxAge),
		middleware.Logging,
		middleware.Metrics(m),
		middleware.RateLimit(cfg.Search.RateLimit, cfg.Search.RateBurst, m),
		middleware.Timeout(cfg.Server.WriteTimeout),
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("docsearch service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("docsearch service stopped")
}
