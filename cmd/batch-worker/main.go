// batch-worker runs the jobs a batch driver places on this instance.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"batchdriver/internal/config"
	"batchdriver/internal/health"
	"batchdriver/internal/observability"
	"batchdriver/internal/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg := config.LoadWorkerConfig()
	if cfg.InstanceName == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("INSTANCE_NAME is not set and hostname is unavailable: %w", err)
		}
		cfg.InstanceName = host
	}
	var extraHosts []string
	if hosts := config.GetEnv("EXTRA_HOSTS", ""); hosts != "" {
		extraHosts = strings.Split(hosts, ",")
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx, "batch-worker")
	if err != nil {
		return err
	}

	runtime, err := worker.NewDocker(ctx, worker.DockerConfig{
		SecretsRoot: config.GetEnv("SECRETS_ROOT", ""),
		ExtraHosts:  extraHosts,
	}, metrics)
	if err != nil {
		return err
	}
	slog.Info("Connected to Docker daemon")

	driver := worker.NewDriverClient(worker.DriverClientConfig{
		URL:     cfg.DriverURL,
		Retries: cfg.ReportRetries,
	}, metrics)

	w, err := worker.New(worker.Config{
		Name:                cfg.InstanceName,
		Retention:           cfg.JobRetention,
		MaintenanceInterval: cfg.MaintenanceInterval,
	}, runtime, driver)
	if err != nil {
		_ = runtime.Close()
		return err
	}

	healthChecker := health.NewChecker()
	healthChecker.AddCheck("docker", w.Ready)

	apiServer := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: worker.NewRouter(worker.RouterConfig{
			Worker:        w,
			Metrics:       metrics,
			HealthChecker: healthChecker,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + config.GetEnv("METRICS_PORT", "9090"),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The driver reaches the worker at IP_ADDRESS on the API port.
	address := net.JoinHostPort(cfg.IPAddress, cfg.Port)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := driver.Activate(gctx, cfg.InstanceName, address, cfg.CoresMcpu); err != nil {
			return fmt.Errorf("activate with driver: %w", err)
		}
		slog.Info("Activated with driver", "instance", cfg.InstanceName, "address", address, "coresMcpu", cfg.CoresMcpu)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Starting graceful shutdown")
		healthChecker.SetShuttingDown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Stop new placements before tearing jobs down.
		if err := driver.Deactivate(shutdownCtx, cfg.InstanceName); err != nil {
			slog.Warn("Failed to deactivate with driver", "error", err)
		}
		if cfg.ShutdownDrainWait > 0 {
			time.Sleep(cfg.ShutdownDrainWait)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server shutdown error", "error", err)
		}
		if err := w.Close(shutdownCtx); err != nil {
			slog.Warn("Worker shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("Shutdown complete")
	return err
}
