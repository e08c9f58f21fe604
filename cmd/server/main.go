// Package main provides the entry point for the chainwatch feed server:
// a deduplicating threat-intelligence pipeline with correlation, pattern
// rules, lifecycle aging and subscriber dispatch.
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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/chainwatch/internal/aging"
	"github.com/lvonguyen/chainwatch/internal/api"
	"github.com/lvonguyen/chainwatch/internal/api/gateway"
	"github.com/lvonguyen/chainwatch/internal/config"
	"github.com/lvonguyen/chainwatch/internal/correlate"
	"github.com/lvonguyen/chainwatch/internal/event"
	"github.com/lvonguyen/chainwatch/internal/ingest"
	"github.com/lvonguyen/chainwatch/internal/observability"
	"github.com/lvonguyen/chainwatch/internal/pattern"
	"github.com/lvonguyen/chainwatch/internal/sources"
	"github.com/lvonguyen/chainwatch/internal/stats"
	"github.com/lvonguyen/chainwatch/internal/store"
	"github.com/lvonguyen/chainwatch/internal/subscription"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chainwatch %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = config.DefaultConfig()
	}

	telemetry, err := observability.New(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := telemetry.Logger()

	logger.Info("starting chainwatch",
		zap.String("version", Version),
		zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, continuing without it", zap.Error(err))
		}
	}

	// Core pipeline.
	records := store.NewMemoryStore(cfg.Store.ExpectedRecords)
	bus := event.NewBus()
	patterns := pattern.NewEngine(logger)
	patterns.SetMetrics(telemetry.Metrics())
	ingester := ingest.NewEngine(records, patterns, bus, logger,
		ingest.WithMetrics(telemetry.Metrics()))

	correlator := correlate.NewEngine(records, records, bus, cfg.Correlation, logger)
	correlator.SetMetrics(telemetry.Metrics())
	bus.Subscribe(correlator.HandleMutation)
	correlator.Start(ctx)

	sweeper := aging.NewSweeper(records, bus, correlator, cfg.Aging, logger)
	sweeper.SetMetrics(telemetry.Metrics())
	sweeper.Start(ctx)

	registry := subscription.NewRegistry(cfg.Sessions.Capacity, cfg.Sessions.TTL)
	var publisher subscription.Publisher
	if rdb != nil {
		publisher = subscription.NewRedisPublisher(rdb)
	} else {
		publisher = logPublisher{logger: logger}
	}
	dispatcher := subscription.NewDispatcher(registry, publisher, cfg.Dispatch, logger)
	dispatcher.SetMetrics(telemetry.Metrics())
	bus.Subscribe(dispatcher.HandleMutation)
	dispatcher.Start(ctx)

	if m := telemetry.Metrics(); m != nil {
		bus.Subscribe(func(mut event.Mutation) {
			switch mut.Kind {
			case event.KindCreated:
				m.RecordsCreated.WithLabelValues(string(mut.Record.Type)).Inc()
			case event.KindMerged:
				m.RecordsMerged.WithLabelValues(string(mut.Record.Type)).Inc()
			}
		})
	}

	// External producers.
	scheduler := sources.NewScheduler(ingester, cfg.Sources.Scheduler, logger)
	scheduler.SetMetrics(telemetry.Metrics())
	for _, fc := range cfg.EnabledFeeds() {
		adapter, err := sources.NewHTTPFeedAdapter(fc.HTTPFeedConfig)
		if err != nil {
			logger.Error("feed adapter init failed", zap.String("feed", fc.Name), zap.Error(err))
			continue
		}
		if err := scheduler.Register(adapter, fc.Interval); err != nil {
			logger.Error("feed registration failed", zap.String("feed", fc.Name), zap.Error(err))
		}
	}
	if cfg.Sources.OnChain.Enabled {
		adapter, err := sources.NewOnChainAdapter(cfg.Sources.OnChain.OnChainConfig)
		if err != nil {
			logger.Error("on-chain adapter init failed", zap.Error(err))
		} else if err := scheduler.Register(adapter, cfg.Sources.OnChain.Interval); err != nil {
			logger.Error("on-chain registration failed", zap.Error(err))
		}
	}
	scheduler.Start(ctx)

	aggregator := stats.NewAggregator(records, rdb, cfg.Stats, logger)
	aggregator.Start(ctx)

	telemetry.StartSystemMetricsCollector(ctx)

	var limiter *gateway.RateLimiter
	if rdb != nil {
		limiter = gateway.NewRateLimiter(rdb, cfg.RateLimit, logger)
	}

	srv := api.NewServer(api.Deps{
		Records:    records,
		Edges:      records,
		Ingester:   ingester,
		Patterns:   patterns,
		Correlator: correlator,
		Sweeper:    sweeper,
		Registry:   registry,
		Dispatcher: dispatcher,
		Scheduler:  scheduler,
		Stats:      aggregator,
		Telemetry:  telemetry,
		Limiter:    limiter,
		Version:    Version,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	if rdb != nil {
		rdb.Close()
	}
	telemetry.Shutdown(shutdownCtx)
}

// logPublisher stands in for Redis pub/sub when Redis is disabled;
// deliveries are logged instead of dropped so local development still shows
// the dispatch flow.
type logPublisher struct {
	logger *zap.Logger
}

func (p logPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	p.logger.Debug("delivery", zap.String("channel", channel), zap.Int("bytes", len(payload)))
	return nil
}
