package worker

import (
	"context"
	"sync"
	"time"

	"batchdriver/internal/apperrors"
	"batchdriver/internal/batch"
)

// Worker-side job states.
const (
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// jobState holds the runtime state of one accepted job.
type jobState struct {
	config *batch.JobConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	status     *batch.DockerStatus
	finishedAt time.Time
}

func newJobState(cfg *batch.JobConfig, cancel context.CancelFunc, worker string) *jobState {
	return &jobState{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		status: &batch.DockerStatus{Worker: worker, State: StateRunning},
	}
}

func (js *jobState) finish(status *batch.DockerStatus) {
	js.mu.Lock()
	defer js.mu.Unlock()
	js.status = status
	js.finishedAt = time.Now()
}

// snapshot returns the current status and the time the job finished, zero
// while it is running.
func (js *jobState) snapshot() (*batch.DockerStatus, time.Time) {
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.status, js.finishedAt
}

// stateRepo manages job state with thread-safe access.
type stateRepo struct {
	mu   sync.RWMutex
	jobs map[batch.JobKey]*jobState
}

func newStateRepo() *stateRepo {
	return &stateRepo{
		jobs: make(map[batch.JobKey]*jobState),
	}
}

// reserve claims a job key. The slot holds nil until commit is called.
func (r *stateRepo) reserve(key batch.JobKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[key]; exists {
		return apperrors.Conflict("job", key.String(), "job already exists")
	}
	r.jobs[key] = nil
	return nil
}

// commit fills in a reserved slot with the actual job state.
func (r *stateRepo) commit(key batch.JobKey, js *jobState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[key] = js
}

// release removes a job from the repository. Returns the state if it existed.
func (r *stateRepo) release(key batch.JobKey) (*jobState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	js, exists := r.jobs[key]
	if exists {
		delete(r.jobs, key)
	}
	return js, exists
}

// get retrieves a job's state. Returns (nil, true) if reserved but not yet committed.
func (r *stateRepo) get(key batch.JobKey) (*jobState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	js, exists := r.jobs[key]
	return js, exists
}

// list returns a copy of all committed jobs.
func (r *stateRepo) list() map[batch.JobKey]*jobState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[batch.JobKey]*jobState, len(r.jobs))
	for key, js := range r.jobs {
		if js != nil {
			result[key] = js
		}
	}
	return result
}
