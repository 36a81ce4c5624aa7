package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"batchdriver/internal/apperrors"
	"batchdriver/internal/batch"
	"batchdriver/internal/instance"
)

type memJob struct {
	JobRecord
	cancel bool // job-level cancel flag
}

// Memory is an in-process Store. Each procedure runs under a single lock,
// which gives it the same all-or-nothing semantics as the Postgres functions.
type Memory struct {
	mu          sync.Mutex
	batches     map[int64]*BatchRecord
	jobs        map[batch.JobKey]*memJob
	instances   map[string]*instance.Record
	nextBatchID int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		batches:   make(map[int64]*BatchRecord),
		jobs:      make(map[batch.JobKey]*memJob),
		instances: make(map[string]*instance.Record),
	}
}

var (
	_ Store       = (*Memory)(nil)
	_ BatchWriter = (*Memory)(nil)
)

// must hold m.mu
func (m *Memory) view(j *memJob) JobRecord {
	rec := j.JobRecord
	rec.Cancel = j.cancel
	if b := m.batches[j.BatchID]; b != nil && b.Cancelled {
		rec.Cancel = true
	}
	return rec
}

// must hold m.mu
func (m *Memory) sortedJobs(keep func(j *memJob, b *BatchRecord) bool, limit int) []JobRecord {
	keys := slices.SortedFunc(maps.Keys(m.jobs), func(a, b batch.JobKey) int {
		if c := cmp.Compare(a.BatchID, b.BatchID); c != 0 {
			return c
		}
		return cmp.Compare(a.JobID, b.JobID)
	})
	var out []JobRecord
	for _, k := range keys {
		j := m.jobs[k]
		if !keep(j, m.batches[j.BatchID]) {
			continue
		}
		out = append(out, m.view(j))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (m *Memory) ReadyJobs(_ context.Context, limit int) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedJobs(func(j *memJob, b *BatchRecord) bool {
		return j.State == batch.Ready && b.Closed
	}, limit), nil
}

func (m *Memory) CancellableJobs(_ context.Context, limit int) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedJobs(func(j *memJob, b *BatchRecord) bool {
		return j.State == batch.Running && !j.AlwaysRun && b.Closed && b.Cancelled
	}, limit), nil
}

func (m *Memory) MarkJobComplete(_ context.Context, key batch.JobKey, newState batch.JobState, status batch.Status) (CompletionResult, error) {
	if !newState.IsTerminal() {
		return CompletionResult{}, apperrors.Validation("state", fmt.Sprintf("%s is not a terminal state", newState))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[key]
	if !ok {
		return CompletionResult{}, apperrors.NotFound("job", key.String())
	}
	old := j.State
	if old.IsTerminal() {
		return CompletionResult{OldState: old}, nil
	}

	res := CompletionResult{OldState: old}
	if j.InstanceName != "" {
		res.InstanceName = j.InstanceName
		res.CoresMcpu = j.CoresMcpu
		if inst := m.instances[j.InstanceName]; inst != nil {
			inst.FreeCoresMcpu += j.CoresMcpu
		}
	}

	j.State = newState
	j.Status = status
	j.InstanceName = ""

	b := m.batches[key.BatchID]
	b.NCompleted++
	switch {
	case newState == batch.Cancelled:
		b.NCancelled++
	case status != nil && status.Succeeded():
		b.NSucceeded++
	default:
		b.NFailed++
	}
	return res, nil
}

func (m *Memory) ScheduleJob(_ context.Context, key batch.JobKey, instanceName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[key]
	if !ok || j.State != batch.Ready {
		return apperrors.Stale("job", key.String(), string(batch.Ready))
	}
	inst, ok := m.instances[instanceName]
	if !ok {
		return apperrors.NotFound("instance", instanceName)
	}
	if inst.FreeCoresMcpu < j.CoresMcpu {
		return apperrors.Internal("store.scheduleJob",
			fmt.Errorf("instance %s has %d free, job %s needs %d", instanceName, inst.FreeCoresMcpu, key, j.CoresMcpu))
	}

	inst.FreeCoresMcpu -= j.CoresMcpu
	j.State = batch.Running
	j.InstanceName = instanceName
	return nil
}

func (m *Memory) UnscheduleJob(_ context.Context, key batch.JobKey, instanceName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[key]
	if !ok || j.State != batch.Running || j.InstanceName != instanceName {
		return apperrors.Stale("job", key.String(), "Running on "+instanceName)
	}

	if inst := m.instances[instanceName]; inst != nil {
		inst.FreeCoresMcpu += j.CoresMcpu
	}
	j.InstanceName = ""

	b := m.batches[key.BatchID]
	if (j.cancel || b.Cancelled) && !j.AlwaysRun {
		j.State = batch.Cancelled
		b.NCompleted++
		b.NCancelled++
	} else {
		j.State = batch.Ready
	}
	return nil
}

func (m *Memory) GetJob(_ context.Context, key batch.JobKey) (*JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[key]
	if !ok {
		return nil, apperrors.NotFound("job", key.String())
	}
	rec := m.view(j)
	return &rec, nil
}

func (m *Memory) GetBatch(_ context.Context, id int64) (*BatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok || b.Deleted {
		return nil, apperrors.NotFound("batch", fmt.Sprint(id))
	}
	out := *b
	out.Attributes = maps.Clone(b.Attributes)
	return &out, nil
}

func (m *Memory) BatchJobs(_ context.Context, id int64) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[id]; !ok {
		return nil, apperrors.NotFound("batch", fmt.Sprint(id))
	}
	return m.sortedJobs(func(j *memJob, _ *BatchRecord) bool { return j.BatchID == id }, 0), nil
}

func (m *Memory) Instances(_ context.Context) ([]instance.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]instance.Record, 0, len(m.instances))
	for _, rec := range m.instances {
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(a, b instance.Record) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *Memory) UpsertInstance(_ context.Context, rec instance.Record) (instance.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.instances[rec.Name]; ok {
		existing.IPAddress = rec.IPAddress
		existing.State = rec.State
		return *existing, nil
	}
	if rec.FreeCoresMcpu == 0 {
		rec.FreeCoresMcpu = rec.TotalCoresMcpu
	}
	m.instances[rec.Name] = &rec
	return rec, nil
}

func (m *Memory) SetInstanceState(_ context.Context, name string, state instance.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.instances[name]
	if !ok {
		return apperrors.NotFound("instance", name)
	}
	rec.State = state
	return nil
}

func (m *Memory) RecordInstanceHealth(_ context.Context, name string, failedRequests int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.instances[name]
	if !ok {
		return apperrors.NotFound("instance", name)
	}
	rec.FailedRequestCount = failedRequests
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}

func (m *Memory) CreateBatch(_ context.Context, nb NewBatch) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextBatchID++
	id := m.nextBatchID
	m.batches[id] = &BatchRecord{
		ID:         id,
		User:       nb.User,
		Attributes: maps.Clone(nb.Attributes),
		Callback:   nb.Callback,
	}
	return id, nil
}

func (m *Memory) AddJobs(_ context.Context, batchID int64, jobs []NewJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok {
		return apperrors.NotFound("batch", fmt.Sprint(batchID))
	}
	if b.Closed {
		return apperrors.Conflict("batch", fmt.Sprint(batchID), "batch is closed")
	}
	for _, nj := range jobs {
		key := batch.JobKey{BatchID: batchID, JobID: nj.JobID}
		if _, exists := m.jobs[key]; exists {
			return apperrors.Conflict("job", key.String(), "job already exists")
		}
		if nj.CoresMcpu <= 0 {
			return apperrors.Validation("cores_mcpu", "cores_mcpu must be positive")
		}
	}
	for _, nj := range jobs {
		key := batch.JobKey{BatchID: batchID, JobID: nj.JobID}
		m.jobs[key] = &memJob{JobRecord: JobRecord{
			BatchID:   batchID,
			JobID:     nj.JobID,
			State:     batch.Ready,
			CoresMcpu: nj.CoresMcpu,
			AlwaysRun: nj.AlwaysRun,
			Spec:      nj.Spec,
			Directory: nj.Directory,
			User:      b.User,
		}}
		b.NJobs++
	}
	return nil
}

func (m *Memory) CloseBatch(_ context.Context, batchID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return apperrors.NotFound("batch", fmt.Sprint(batchID))
	}
	b.Closed = true
	return nil
}

func (m *Memory) CancelBatch(_ context.Context, batchID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return apperrors.NotFound("batch", fmt.Sprint(batchID))
	}
	b.Cancelled = true
	return nil
}

// CancelJob sets the job-level cancel flag.
func (m *Memory) CancelJob(_ context.Context, key batch.JobKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[key]
	if !ok {
		return apperrors.NotFound("job", key.String())
	}
	j.cancel = true
	return nil
}
