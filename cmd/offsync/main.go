package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tontinelabs/offsync/internal/config"
	"github.com/tontinelabs/offsync/internal/httpapi"
	"github.com/tontinelabs/offsync/internal/metrics"
	"github.com/tontinelabs/offsync/internal/offsync"
	"github.com/tontinelabs/offsync/internal/remote"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(cfg.Log)

	queue, err := offsync.BuildActionStoreFromDSN(cfg.Storage.QueueDSN, cfg.Storage.QueueCapacity)
	if err != nil {
		logger.Error("init action queue", slog.String("dsn", cfg.Storage.QueueDSN), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer queue.Close()

	cache, err := offsync.BuildSnapshotStoreFromDSN(cfg.Storage.SnapshotDSN)
	if err != nil {
		logger.Error("init snapshot cache", slog.String("dsn", cfg.Storage.SnapshotDSN), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer cache.Close()

	monitor, err := buildMonitor(cfg, logger)
	if err != nil {
		logger.Error("init network monitor", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer monitor.Close()

	api := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Token, &http.Client{Timeout: cfg.Remote.Timeout})

	engineMetrics := metrics.New(nil)

	orchestrator, err := offsync.NewOrchestrator(offsync.OrchestratorOptions{
		Queue:           queue,
		Cache:           cache,
		Monitor:         monitor,
		Remote:          api,
		Logger:          logger,
		Metrics:         engineMetrics,
		MaxRetries:      cfg.Sync.MaxRetries,
		SyncInterval:    cfg.Sync.Interval,
		RetentionWindow: cfg.Sync.RetentionWindow,
		CacheMaxAge:     cfg.Sync.CacheMaxAge,
		BackoffBase:     cfg.Sync.BackoffBase,
		BackoffMax:      cfg.Sync.BackoffMax,
		CallTimeout:     cfg.Remote.Timeout,
	})
	if err != nil {
		logger.Error("init orchestrator", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer orchestrator.Close()
	orchestrator.Start()

	client, err := offsync.NewClient(offsync.ClientOptions{
		Queue:        queue,
		Cache:        cache,
		Monitor:      monitor,
		Remote:       api,
		Orchestrator: orchestrator,
		Logger:       logger,
		StaleAfter:   cfg.Sync.StaleAfter,
	})
	if err != nil {
		logger.Error("init sync client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var feed *remote.ChangeFeed
	if cfg.Remote.FeedEnabled {
		feed = remote.NewChangeFeed(cfg.Remote.FeedURL, cfg.Remote.Token, logger, func(remote.ChangeEvent) {
			orchestrator.RequestSync()
		})
		feed.Start(ctx)
		defer feed.Close()
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      httpapi.NewServerWithConfig(client, httpapi.ServerConfig{}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("offsync listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", slog.String("error", err.Error()))
	}
}

func buildMonitor(cfg *config.Config, logger *slog.Logger) (offsync.NetworkMonitor, error) {
	if !cfg.Network.ProbeEnabled {
		// The platform is expected to push quality changes; start offline
		// until it does.
		return offsync.NewStaticMonitor(offsync.QualityOffline), nil
	}
	return offsync.NewProbeMonitor(offsync.ProbeMonitorOptions{
		ProbeURL:         cfg.Network.ProbeURL,
		Interval:         cfg.Network.ProbeInterval,
		ExcellentLatency: cfg.Network.ExcellentLatency,
		PoorLatency:      cfg.Network.PoorLatency,
		NetstatePaths:    cfg.Network.NetstatePaths(),
		Logger:           logger,
	})
}
