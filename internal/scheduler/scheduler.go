// Package scheduler places Ready jobs on worker instances and takes jobs of
// cancelled batches off them. Both passes and every completion go through
// the store procedures, which arbitrate concurrent transitions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"batchdriver/internal/batch"
	"batchdriver/internal/instance"
	"batchdriver/internal/store"
	"batchdriver/pkg/backoff"
)

// Workers is the worker RPC surface the scheduler needs.
type Workers interface {
	CreateJob(ctx context.Context, inst *instance.Instance, cfg *batch.JobConfig) error
	DeleteJob(ctx context.Context, inst *instance.Instance, key batch.JobKey) error
}

// Notifier receives batches that may have just completed. Notify must not
// block.
type Notifier interface {
	Notify(batchID int64)
}

// MetricsRecorder is an optional interface for recording scheduler metrics.
type MetricsRecorder interface {
	RecordPass(ctx context.Context, pass string, durationSeconds float64, failed bool)
	RecordJobScheduled(ctx context.Context)
	RecordJobUnscheduled(ctx context.Context)
	RecordJobCompleted(ctx context.Context, state string)
}

// Config wires a Scheduler.
type Config struct {
	Pool     *instance.Pool
	Store    store.Store
	Workers  Workers
	Notifier Notifier        // optional
	Builder  *ConfigBuilder  // optional, defaults to a builder without secrets
	Metrics  MetricsRecorder // optional

	BatchSize    int           // candidates read per pass (default: 50)
	BumpInterval time.Duration // default: 60s
	SyncInterval time.Duration // instance sync period, 0 disables
	RetryDelay   *backoff.Config
}

// Scheduler runs the schedule and cancel passes.
type Scheduler struct {
	pool     *instance.Pool
	store    store.Store
	workers  Workers
	notifier Notifier
	builder  *ConfigBuilder
	metrics  MetricsRecorder
	logger   *slog.Logger

	batchSize    int
	bumpInterval time.Duration
	syncInterval time.Duration
	retryDelay   *backoff.Config

	scheduleSignal *Signal
	cancelSignal   *Signal
}

// New creates a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Pool == nil || cfg.Store == nil || cfg.Workers == nil {
		return nil, errors.New("scheduler: pool, store and workers are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BumpInterval <= 0 {
		cfg.BumpInterval = 60 * time.Second
	}
	if cfg.Builder == nil {
		cfg.Builder = NewConfigBuilder(nil)
	}
	if cfg.RetryDelay == nil {
		cfg.RetryDelay = &backoff.Config{Initial: time.Second, Max: 30 * time.Second, Jitter: 0.5}
	}

	return &Scheduler{
		pool:           cfg.Pool,
		store:          cfg.Store,
		workers:        cfg.Workers,
		notifier:       cfg.Notifier,
		builder:        cfg.Builder,
		metrics:        cfg.Metrics,
		logger:         slog.With("component", "scheduler"),
		batchSize:      cfg.BatchSize,
		bumpInterval:   cfg.BumpInterval,
		syncInterval:   cfg.SyncInterval,
		retryDelay:     cfg.RetryDelay,
		scheduleSignal: NewSignal(),
		cancelSignal:   NewSignal(),
	}, nil
}

// Pool returns the instance pool the scheduler places jobs on.
func (s *Scheduler) Pool() *instance.Pool {
	return s.pool
}

// Bump wakes both passes.
func (s *Scheduler) Bump() {
	s.scheduleSignal.Notify()
	s.cancelSignal.Notify()
}

// Run drives the passes until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.loop(ctx, "schedule", s.ScheduleOnce, s.scheduleSignal) })
	g.Go(func() error { return s.loop(ctx, "cancel", s.CancelOnce, s.cancelSignal) })
	g.Go(func() error { return s.bumpLoop(ctx) })
	if s.syncInterval > 0 {
		g.Go(func() error { return s.syncLoop(ctx) })
	}

	s.logger.Info("Scheduler started", "batchSize", s.batchSize, "bumpInterval", s.bumpInterval)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type passFunc func(ctx context.Context) (bool, error)

func (s *Scheduler) loop(ctx context.Context, name string, pass passFunc, signal *Signal) error {
	logger := s.logger.With("pass", name)
	failures := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		shouldWait, err := s.runPass(ctx, name, pass)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			delay := backoff.Jittered(failures, s.retryDelay)
			logger.Error("Pass failed", "error", err, "consecutiveFailures", failures, "retryIn", delay)
			if err := backoff.Sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		failures = 0

		if shouldWait {
			if err := signal.Wait(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Scheduler) runPass(ctx context.Context, name string, pass passFunc) (shouldWait bool, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Pass panicked", "pass", name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s pass panicked: %v", name, r)
		}
		if s.metrics != nil {
			s.metrics.RecordPass(context.Background(), name, time.Since(start).Seconds(), err != nil)
		}
	}()
	return pass(ctx)
}

func (s *Scheduler) bumpLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.bumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Bump()
		}
	}
}

func (s *Scheduler) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SyncInstances(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("Instance sync failed", "error", err)
			}
		}
	}
}
