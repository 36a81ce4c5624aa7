// Package worker runs the jobs the driver places on this instance and
// reports their final status back to it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"batchdriver/internal/apperrors"
	"batchdriver/internal/batch"
)

// Reporter delivers final job statuses to the driver.
type Reporter interface {
	JobComplete(ctx context.Context, key batch.JobKey, status *batch.DockerStatus) error
}

// Config holds configuration for a Worker.
type Config struct {
	Name                string
	Retention           time.Duration // how long finished jobs stay queryable (default 1h)
	MaintenanceInterval time.Duration // how often expired jobs are dropped (default 1m)
}

// Worker accepts jobs from the driver and runs their tasks on a Runtime.
type Worker struct {
	name      string
	runtime   Runtime
	reporter  Reporter
	state     *stateRepo
	retention time.Duration
	logger    *slog.Logger

	// ctx bounds status reports; it is cancelled when Close gives up.
	ctx               context.Context
	stop              context.CancelFunc
	cancelMaintenance context.CancelFunc

	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup
}

// New creates a worker and starts its maintenance loop.
func New(cfg Config, runtime Runtime, reporter Reporter) (*Worker, error) {
	if runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if reporter == nil {
		return nil, fmt.Errorf("reporter is required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = time.Minute
	}

	ctx, stop := context.WithCancel(context.Background())
	maintenanceCtx, cancelMaintenance := context.WithCancel(ctx)
	w := &Worker{
		name:      cfg.Name,
		runtime:   runtime,
		reporter:  reporter,
		state:     newStateRepo(),
		retention: cfg.Retention,
		logger:    slog.With("component", "worker", "instance", cfg.Name),
		ctx:       ctx,
		stop:      stop,

		cancelMaintenance: cancelMaintenance,
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runMaintenance(maintenanceCtx, cfg.MaintenanceInterval)
	}()
	return w, nil
}

// CreateJob accepts a job and starts running it in the background. A job
// that was already accepted is not started twice.
func (w *Worker) CreateJob(ctx context.Context, cfg *batch.JobConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return apperrors.Unavailable("create job", errors.New("worker is shutting down"))
	}

	key := cfg.Key()
	if err := w.state.reserve(key); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			w.logger.Info("Job already accepted", "batchId", key.BatchID, "jobId", key.JobID)
			return nil
		}
		return err
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	js := newJobState(cfg, cancel, w.name)
	w.state.commit(key, js)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(jobCtx, js)
	}()

	w.logger.Info("Job accepted", "batchId", key.BatchID, "jobId", key.JobID, "image", cfg.Spec.Image, "coresMcpu", cfg.CoresMcpu)
	return nil
}

func (w *Worker) run(ctx context.Context, js *jobState) {
	defer close(js.done)

	cfg := js.config
	key := cfg.Key()
	logger := w.logger.With("batchId", key.BatchID, "jobId", key.JobID)

	ts := w.runtime.RunTask(ctx, taskFor(cfg, "main"))
	status := &batch.DockerStatus{
		Worker:            w.name,
		ContainerStatuses: map[string]*batch.TaskStatus{"main": ts},
	}

	// A deleted job belongs to the driver again; nothing is reported.
	if ctx.Err() != nil {
		status.State = StateCancelled
		js.finish(status)
		logger.Info("Job deleted before completion")
		return
	}

	if status.Succeeded() {
		status.State = StateSucceeded
	} else {
		status.State = StateFailed
	}
	js.finish(status)
	if code := ts.ExitCode(); code != nil {
		logger = logger.With("exitCode", *code)
	}
	logger.Info("Job finished", "state", status.State)

	if err := w.reporter.JobComplete(w.ctx, key, status); err != nil {
		logger.Error("Failed to report job status", "error", err)
	}
}

// DeleteJob stops a job and forgets it. It waits for the job's task to be
// torn down or for ctx to expire.
func (w *Worker) DeleteJob(ctx context.Context, key batch.JobKey) error {
	js, exists := w.state.release(key)
	if !exists {
		return apperrors.NotFound("job", key.String())
	}

	// Reserved but still initializing - nothing to stop yet
	if js == nil {
		return nil
	}

	js.cancel()
	select {
	case <-js.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.logger.Info("Job deleted", "batchId", key.BatchID, "jobId", key.JobID)
	return nil
}

// JobView is the worker-side view of a job.
type JobView struct {
	BatchID int64           `json:"batch_id"`
	JobID   int64           `json:"job_id"`
	State   string          `json:"state"`
	Status  batch.RawStatus `json:"status"`
}

// GetJob returns the state of a job this worker knows about.
func (w *Worker) GetJob(key batch.JobKey) (JobView, error) {
	js, exists := w.state.get(key)
	if !exists {
		return JobView{}, apperrors.NotFound("job", key.String())
	}
	view := JobView{BatchID: key.BatchID, JobID: key.JobID, State: StateRunning}
	if js == nil {
		return view, nil
	}
	status, _ := js.snapshot()
	view.State = status.State
	view.Status = batch.RawStatus{Status: status}
	return view, nil
}

// Ready reports whether the runtime can take jobs.
func (w *Worker) Ready(ctx context.Context) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return errors.New("worker is shutting down")
	}
	return w.runtime.Ready(ctx)
}

// Close stops every running job and waits for them to be torn down. If ctx
// expires first, pending status reports are abandoned.
func (w *Worker) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.cancelMaintenance()
	running := w.state.list()
	w.logger.Info("Worker shutting down", "jobs", len(running))
	for _, js := range running {
		js.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.stop()
		return w.runtime.Close()
	case <-ctx.Done():
		w.stop()
		w.logger.Warn("Worker shutdown timed out")
		return ctx.Err()
	}
}

func (w *Worker) runMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cleanupExpiredJobs(time.Now())
		}
	}
}

// cleanupExpiredJobs forgets jobs that finished more than the retention
// period before now.
func (w *Worker) cleanupExpiredJobs(now time.Time) int {
	var cleaned int
	for key, js := range w.state.list() {
		_, finishedAt := js.snapshot()
		if finishedAt.IsZero() || now.Sub(finishedAt) <= w.retention {
			continue
		}
		if _, exists := w.state.release(key); exists {
			cleaned++
			w.logger.Debug("Cleaned up expired job", "batchId", key.BatchID, "jobId", key.JobID)
		}
	}
	if cleaned > 0 {
		w.logger.Info("Maintenance complete", "cleaned", cleaned)
	}
	return cleaned
}
