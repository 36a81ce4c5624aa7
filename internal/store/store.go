// Package store is the driver's gateway to the transactional job store. The
// store procedures are the single arbiter of job state transitions: every
// schedule, unschedule and completion goes through one of them.
package store

import (
	"context"
	"encoding/json"

	"batchdriver/internal/batch"
	"batchdriver/internal/instance"
)

// JobRecord is a job row as seen by the driver.
type JobRecord struct {
	BatchID   int64
	JobID     int64
	State     batch.JobState
	CoresMcpu int64
	AlwaysRun bool
	// Cancel is the job's own cancel flag or'ed with its batch's cancelled flag.
	Cancel       bool
	InstanceName string // empty unless Running
	Spec         json.RawMessage
	Directory    string
	User         string
	Status       batch.Status
}

// Key returns the job key.
func (j *JobRecord) Key() batch.JobKey {
	return batch.JobKey{BatchID: j.BatchID, JobID: j.JobID}
}

// Attributes returns the attributes declared in the job spec, if any.
func (j *JobRecord) Attributes() map[string]string {
	var spec struct {
		Attributes map[string]string `json:"attributes"`
	}
	if len(j.Spec) == 0 || json.Unmarshal(j.Spec, &spec) != nil {
		return nil
	}
	return spec.Attributes
}

// BatchRecord is a batch row.
type BatchRecord struct {
	ID         int64
	User       string
	Attributes map[string]string
	Callback   string // empty when no callback is registered
	Closed     bool
	Cancelled  bool
	Deleted    bool
	batch.Counts
}

// Summary returns the client-facing summary of the batch.
func (b *BatchRecord) Summary() batch.BatchSummary {
	return batch.SummarizeBatch(b.ID, b.Closed, b.Counts, b.Attributes)
}

// CompletionResult is returned by MarkJobComplete. InstanceName and
// CoresMcpu are only set when the job was holding capacity.
type CompletionResult struct {
	OldState     batch.JobState
	InstanceName string
	CoresMcpu    int64
}

// Store is the set of store procedures and queries the driver uses.
type Store interface {
	// ReadyJobs returns up to limit Ready jobs of closed batches.
	ReadyJobs(ctx context.Context, limit int) ([]JobRecord, error)
	// CancellableJobs returns up to limit Running jobs of closed, cancelled
	// batches that are not always_run.
	CancellableJobs(ctx context.Context, limit int) ([]JobRecord, error)

	// MarkJobComplete moves a job to a terminal state, releasing its
	// capacity. A job already terminal is left untouched and its state is
	// reported as OldState.
	MarkJobComplete(ctx context.Context, key batch.JobKey, newState batch.JobState, status batch.Status) (CompletionResult, error)
	// ScheduleJob moves a Ready job to Running on instanceName. A stale
	// request yields an apperrors conflict.
	ScheduleJob(ctx context.Context, key batch.JobKey, instanceName string) error
	// UnscheduleJob takes a job Running on instanceName off it. The job
	// becomes Cancelled if cancel-flagged and not always_run, else Ready. A
	// stale request yields an apperrors conflict.
	UnscheduleJob(ctx context.Context, key batch.JobKey, instanceName string) error

	GetJob(ctx context.Context, key batch.JobKey) (*JobRecord, error)
	GetBatch(ctx context.Context, id int64) (*BatchRecord, error)
	BatchJobs(ctx context.Context, id int64) ([]JobRecord, error)

	Instances(ctx context.Context) ([]instance.Record, error)
	// UpsertInstance registers an instance. Re-registering a known instance
	// refreshes its address and state but keeps its free capacity.
	UpsertInstance(ctx context.Context, rec instance.Record) (instance.Record, error)
	SetInstanceState(ctx context.Context, name string, state instance.State) error
	RecordInstanceHealth(ctx context.Context, name string, failedRequests int) error

	Ping(ctx context.Context) error
	Close()
}

// NewBatch describes a batch to create.
type NewBatch struct {
	User       string
	Attributes map[string]string
	Callback   string
}

// NewJob describes a job to add to an open batch.
type NewJob struct {
	JobID     int64
	CoresMcpu int64
	AlwaysRun bool
	Spec      json.RawMessage
	Directory string
}

// BatchWriter is the front-end side of the store: creating, closing and
// cancelling batches. The driver itself only reads batches.
type BatchWriter interface {
	CreateBatch(ctx context.Context, b NewBatch) (int64, error)
	AddJobs(ctx context.Context, batchID int64, jobs []NewJob) error
	CloseBatch(ctx context.Context, batchID int64) error
	CancelBatch(ctx context.Context, batchID int64) error
}
