// Package main wires together the crawl orchestration service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crawlops/crawlward/internal/admission"
	"github.com/crawlops/crawlward/internal/api"
	"github.com/crawlops/crawlward/internal/clock/system"
	"github.com/crawlops/crawlward/internal/config"
	"github.com/crawlops/crawlward/internal/crawl"
	"github.com/crawlops/crawlward/internal/health"
	iduuid "github.com/crawlops/crawlward/internal/id/uuid"
	"github.com/crawlops/crawlward/internal/logging"
	"github.com/crawlops/crawlward/internal/metrics"
	"github.com/crawlops/crawlward/internal/orchestrator"
	memorypublisher "github.com/crawlops/crawlward/internal/publisher/memory"
	pubsubpublisher "github.com/crawlops/crawlward/internal/publisher/pubsub"
	memorystorage "github.com/crawlops/crawlward/internal/storage/memory"
	"github.com/crawlops/crawlward/internal/storage/postgres"
	redisstorage "github.com/crawlops/crawlward/internal/storage/redis"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if closeErr := rdb.Close(); closeErr != nil {
			logger.Warn("redis close error", zap.Error(closeErr))
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis ping failed", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	registry := redisstorage.NewRegistry(rdb)
	concurrency := redisstorage.NewConcurrencyStore(rdb)
	jobQueue := redisstorage.NewJobQueue(rdb)

	var (
		history crawl.JobHistoryStore
		limits  crawl.TeamLimits
		pool    *pgxpool.Pool
	)
	if cfg.DB.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN)
		if err != nil {
			logger.Fatal("parse postgres dsn failed", zap.Error(err))
		}
		poolCfg.MaxConns = int32(cfg.DB.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.DB.MinOpenConns)
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			logger.Fatal("connect postgres failed", zap.Error(err))
		}
		defer pool.Close()

		history, err = postgres.NewHistoryStoreWithPool(pool)
		if err != nil {
			logger.Fatal("history store init failed", zap.Error(err))
		}
		limits, err = postgres.NewTeamLimits(pool, cfg.Admission.DefaultLimit)
		if err != nil {
			logger.Fatal("team limits init failed", zap.Error(err))
		}
	} else {
		logger.Warn("db.dsn not set, job history and team limits run in-memory")
		history = memorystorage.NewHistoryStore()
		limits = memorystorage.NewStaticTeamLimits(cfg.Admission.DefaultLimit)
	}

	var publisher crawl.Publisher
	if cfg.PubSub.ProjectID != "" {
		client, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				logger.Warn("pubsub close error", zap.Error(closeErr))
			}
		}()
		publisher = pubsubpublisher.New(client)
	} else {
		logger.Warn("pubsub.project_id not set, lifecycle events stay in-memory")
		publisher = memorypublisher.New()
	}

	clk := system.New()
	idGen := iduuid.NewGenerator()

	controller := admission.NewController(concurrency, limits, clk, logger.Named("admission"))
	orch := orchestrator.New(
		registry,
		jobQueue,
		controller,
		publisher,
		idGen,
		clk,
		orchestrator.Config{FinishedTopic: cfg.PubSub.LifecycleTopic},
		logger.Named("orchestrator"),
	)
	analyzer := health.NewAnalyzer(
		registry,
		jobQueue,
		controller,
		history,
		clk,
		cfg.Analyzer.CrawlParallelism,
		logger.Named("health"),
	)
	runner := health.NewRunner(
		analyzer,
		publisher,
		clk,
		cfg.AnalyzerInterval(),
		cfg.PubSub.AlertTopic,
		logger.Named("health"),
	)

	go runner.Run(ctx)

	apiOpts := []api.Option{
		api.WithRunner(runner),
		api.WithReadyChecker(func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			if pool != nil {
				if err := pool.Ping(ctx); err != nil {
					return fmt.Errorf("postgres: %w", err)
				}
			}
			return nil
		}),
	}
	if cfg.Auth.Enabled {
		apiOpts = append(apiOpts, api.WithAPIKey(cfg.Auth.APIKey))
	}
	apiServer := api.NewServer(logger.Named("api"), registry, orch, analyzer, apiOpts...)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
