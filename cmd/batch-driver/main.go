// batch-driver places batch jobs on worker instances and tracks them to
// completion.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"batchdriver/internal/api"
	"batchdriver/internal/config"
	"batchdriver/internal/dispatcher"
	"batchdriver/internal/health"
	"batchdriver/internal/instance"
	"batchdriver/internal/notifier"
	"batchdriver/internal/observability"
	"batchdriver/internal/scheduler"
	"batchdriver/internal/store"
	"batchdriver/internal/workerclient"
	"batchdriver/pkg/circuitbreaker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Driver failed", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.DriverConfig) (store.Store, error) {
	switch cfg.Store {
	case "memory":
		slog.Warn("Using in-memory store - state is lost on restart")
		return store.NewMemory(), nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL or DATABASE_URL_FILE is required for the postgres store")
		}
		return store.NewPostgres(ctx, cfg.DatabaseURL, slog.Default())
	default:
		return nil, fmt.Errorf("unknown STORE %q", cfg.Store)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg := config.LoadDriverConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()
	dispatcherCfg.HTTPTimeout = cfg.CallbackTimeout

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx, "batch-driver")
	if err != nil {
		return err
	}

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	pool := instance.NewPool(circuitbreaker.Config{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
	})
	if err := metrics.ObservePool(pool); err != nil {
		return err
	}

	// Completion callbacks
	callbacks := dispatcher.NewMemory(dispatcherCfg, metrics)
	batchNotifier, err := notifier.New(notifier.Config{
		SigningKey: cfg.CallbackSigningKey,
	}, db, callbacks, metrics)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Config{
		Pool:  pool,
		Store: db,
		Workers: workerclient.New(workerclient.Config{
			Port:    cfg.WorkerPort,
			Timeout: cfg.WorkerRPCTimeout,
			Retries: cfg.WorkerRPCRetries,
		}, metrics),
		Notifier:     batchNotifier,
		Builder:      scheduler.NewConfigBuilder(scheduler.FileSecretSource{Dir: cfg.SecretsDir}),
		Metrics:      metrics,
		BatchSize:    cfg.BatchSize,
		BumpInterval: cfg.BumpInterval,
		SyncInterval: cfg.InstanceSyncInterval,
	})
	if err != nil {
		return err
	}
	if err := sched.LoadInstances(ctx); err != nil {
		return fmt.Errorf("failed to load instances: %w", err)
	}

	// Create health checker
	healthChecker := health.NewChecker()
	healthChecker.AddCheck("store", db.Ping)
	healthChecker.AddSoftCheck("instances", func(context.Context) error {
		if pool.Capacity().Instances == 0 {
			return errors.New("no active instances")
		}
		return nil
	})

	// Create API server
	apiServer := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewRouter(api.RouterConfig{
			Driver:        sched,
			Batches:       db,
			Pool:          pool,
			Metrics:       metrics,
			HealthChecker: healthChecker,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sched.Run(loopCtx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if runCtx.Err() != nil {
			slog.Info("Received shutdown signal")
		}

		// Phase 1: Mark service as unhealthy for load balancer draining
		healthChecker.SetShuttingDown()
		if cfg.ShutdownDrainWait > 0 && runCtx.Err() != nil {
			slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
			time.Sleep(cfg.ShutdownDrainWait)
		}

		// Phase 2: Stop accepting requests, then stop the passes
		slog.Info("Starting graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
		stopLoops()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()

	// Phase 3: Drain notifications, then callbacks
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if cerr := batchNotifier.Close(drainCtx); cerr != nil {
		slog.Warn("Notifier shutdown error", "error", cerr)
	}
	if cerr := callbacks.Close(drainCtx); cerr != nil {
		slog.Warn("Dispatcher shutdown error", "error", cerr)
	}

	stats := callbacks.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)
	slog.Info("Shutdown complete")
	return err
}
