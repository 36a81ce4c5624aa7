package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"batchdriver/internal/apperrors"
	"batchdriver/internal/batch"
	"batchdriver/internal/instance"
	"batchdriver/internal/store"
	"batchdriver/internal/testutil"
	"batchdriver/internal/workerclient"
	"batchdriver/pkg/backoff"
	"batchdriver/pkg/circuitbreaker"
)

type recordingNotifier struct {
	mu      sync.Mutex
	batches []int64
}

func (n *recordingNotifier) Notify(batchID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.batches = append(n.batches, batchID)
}

func (n *recordingNotifier) count(batchID int64) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, id := range n.batches {
		if id == batchID {
			c++
		}
	}
	return c
}

// hookWorkers runs beforeCreate ahead of each create request.
type hookWorkers struct {
	Workers
	beforeCreate func(cfg *batch.JobConfig)
}

func (w *hookWorkers) CreateJob(ctx context.Context, inst *instance.Instance, cfg *batch.JobConfig) error {
	if w.beforeCreate != nil {
		w.beforeCreate(cfg)
	}
	return w.Workers.CreateJob(ctx, inst, cfg)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *store.Memory
	pool     *instance.Pool
	notifier *recordingNotifier
	workers  *hookWorkers
	sched    *Scheduler
	fakes    map[string]*testutil.FakeWorker
}

func newHarness(t *testing.T, secrets SecretSource) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		store:    store.NewMemory(),
		pool:     instance.NewPool(circuitbreaker.Config{Threshold: 3, Cooldown: time.Hour}),
		notifier: &recordingNotifier{},
		fakes:    make(map[string]*testutil.FakeWorker),
	}
	h.workers = &hookWorkers{Workers: workerclient.New(workerclient.Config{Timeout: 2 * time.Second}, nil)}

	sched, err := New(Config{
		Pool:         h.pool,
		Store:        h.store,
		Workers:      h.workers,
		Notifier:     h.notifier,
		Builder:      NewConfigBuilder(secrets),
		BumpInterval: 50 * time.Millisecond,
		RetryDelay:   &backoff.Config{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}
	h.sched = sched
	return h
}

func (h *harness) addWorker(name string, coresMcpu int64) *testutil.FakeWorker {
	h.t.Helper()
	fake := testutil.NewFakeWorker(h.t)
	if _, err := h.sched.ActivateInstance(h.ctx, name, fake.Server.Listener.Addr().String(), coresMcpu); err != nil {
		h.t.Fatalf("activate %s: %v", name, err)
	}
	h.fakes[name] = fake
	return fake
}

type jobOpt func(*store.NewJob)

func alwaysRun(j *store.NewJob) { j.AlwaysRun = true }

func withSpec(spec string) jobOpt {
	return func(j *store.NewJob) { j.Spec = json.RawMessage(spec) }
}

// submit creates and closes a batch of n jobs.
func (h *harness) submit(n int, coresMcpu int64, opts ...jobOpt) int64 {
	h.t.Helper()
	id, err := h.store.CreateBatch(h.ctx, store.NewBatch{User: "test", Callback: "http://cb.example/done"})
	if err != nil {
		h.t.Fatal(err)
	}
	jobs := make([]store.NewJob, n)
	for i := range jobs {
		jobs[i] = store.NewJob{
			JobID:     int64(i + 1),
			CoresMcpu: coresMcpu,
			Spec:      json.RawMessage(`{"image":"ubuntu:24.04","command":["true"]}`),
		}
		for _, opt := range opts {
			opt(&jobs[i])
		}
	}
	if err := h.store.AddJobs(h.ctx, id, jobs); err != nil {
		h.t.Fatal(err)
	}
	if err := h.store.CloseBatch(h.ctx, id); err != nil {
		h.t.Fatal(err)
	}
	return id
}

func (h *harness) job(batchID, jobID int64) *store.JobRecord {
	h.t.Helper()
	rec, err := h.store.GetJob(h.ctx, batch.JobKey{BatchID: batchID, JobID: jobID})
	if err != nil {
		h.t.Fatal(err)
	}
	return rec
}

func (h *harness) free(name string) int64 {
	h.t.Helper()
	inst, ok := h.pool.Lookup(name)
	if !ok {
		h.t.Fatalf("instance %s not in pool", name)
	}
	return inst.FreeCoresMcpu()
}

// storeFree is the free capacity the store procedures track.
func (h *harness) storeFree(name string) int64 {
	h.t.Helper()
	recs, err := h.store.Instances(h.ctx)
	if err != nil {
		h.t.Fatal(err)
	}
	for _, r := range recs {
		if r.Name == name {
			return r.FreeCoresMcpu
		}
	}
	h.t.Fatalf("instance %s not in store", name)
	return 0
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without dependencies")
	}
}

func TestScheduleOnce_BestFit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addWorker("a", 1000)
	h.addWorker("b", 4000)
	c := h.addWorker("c", 2000)
	id := h.submit(1, 1500)

	shouldWait, err := h.sched.ScheduleOnce(h.ctx)
	if err != nil {
		t.Fatalf("ScheduleOnce: %v", err)
	}
	if shouldWait {
		t.Error("expected work to be done")
	}

	job := h.job(id, 1)
	if job.State != batch.Running || job.InstanceName != "c" {
		t.Errorf("expected job Running on c, got %s on %q", job.State, job.InstanceName)
	}
	if len(c.Created()) != 1 {
		t.Errorf("expected create on c")
	}
	if got := h.free("c"); got != 500 {
		t.Errorf("expected 500 free on c, got %d", got)
	}
	if h.free("b") != 4000 || h.free("a") != 1000 {
		t.Error("other instances should be untouched")
	}
	if got := h.storeFree("c"); got != 500 {
		t.Errorf("store free on c = %d, want 500", got)
	}
}

func TestScheduleOnce_NothingToDo(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{"no jobs", func(h *harness) { h.addWorker("w", 1000) }},
		{"no instances", func(h *harness) { h.submit(1, 1000) }},
		{"too large", func(h *harness) {
			h.addWorker("w", 1000)
			h.submit(1, 2000)
		}},
		{"open batch", func(h *harness) {
			h.addWorker("w", 1000)
			id, _ := h.store.CreateBatch(h.ctx, store.NewBatch{User: "test"})
			_ = h.store.AddJobs(h.ctx, id, []store.NewJob{{JobID: 1, CoresMcpu: 100, Spec: json.RawMessage(`{"image":"x","command":["y"]}`)}})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)
			tt.setup(h)

			shouldWait, err := h.sched.ScheduleOnce(h.ctx)
			if err != nil {
				t.Fatalf("ScheduleOnce: %v", err)
			}
			if !shouldWait {
				t.Error("expected shouldWait")
			}
		})
	}
}

func TestScheduleOnce_CancelFlagged(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	w := h.addWorker("w", 4000)
	id := h.submit(1, 1000)
	always := h.submit(1, 1000, alwaysRun)

	for _, key := range []batch.JobKey{{BatchID: id, JobID: 1}, {BatchID: always, JobID: 1}} {
		if err := h.store.CancelJob(h.ctx, key); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := h.sched.ScheduleOnce(h.ctx); err != nil {
		t.Fatalf("ScheduleOnce: %v", err)
	}

	if got := h.job(id, 1).State; got != batch.Cancelled {
		t.Errorf("cancel-flagged job: expected Cancelled, got %s", got)
	}
	if got := h.job(always, 1).State; got != batch.Running {
		t.Errorf("always_run job: expected Running, got %s", got)
	}
	if len(w.Created()) != 1 {
		t.Errorf("expected only the always_run job to reach the worker, got %d creates", len(w.Created()))
	}
	if h.notifier.count(id) != 1 {
		t.Error("expected cancelled batch to be handed to the notifier")
	}
}

func TestScheduleOnce_CancelledBatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	w := h.addWorker("w", 4000)

	id, err := h.store.CreateBatch(h.ctx, store.NewBatch{User: "test"})
	if err != nil {
		t.Fatal(err)
	}
	spec := json.RawMessage(`{"image":"ubuntu:24.04","command":["true"]}`)
	if err := h.store.AddJobs(h.ctx, id, []store.NewJob{
		{JobID: 1, CoresMcpu: 1000, Spec: spec},
		{JobID: 2, CoresMcpu: 1000, Spec: spec, AlwaysRun: true},
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.store.CloseBatch(h.ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := h.store.CancelBatch(h.ctx, id); err != nil {
		t.Fatal(err)
	}

	if _, err := h.sched.ScheduleOnce(h.ctx); err != nil {
		t.Fatalf("ScheduleOnce: %v", err)
	}

	if got := h.job(id, 1).State; got != batch.Cancelled {
		t.Errorf("job 1: expected Cancelled, got %s", got)
	}
	if got := h.job(id, 2).State; got != batch.Running {
		t.Errorf("always_run job 2: expected Running, got %s", got)
	}
	created := w.Created()
	if len(created) != 1 || created[0].JobID != 2 {
		t.Errorf("expected only job 2 to reach the worker, got %+v", created)
	}
	if h.free("w") != 3000 || h.storeFree("w") != 3000 {
		t.Errorf("expected 3000 free, pool=%d store=%d", h.free("w"), h.storeFree("w"))
	}
}

func TestScheduleOnce_RejectedJobDoesNotBlockPass(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	w := h.addWorker("w", 4000)
	id := h.submit(2, 1000)
	w.RejectJob(batch.JobKey{BatchID: id, JobID: 1}, http.StatusBadRequest)

	_, err := h.sched.ScheduleOnce(h.ctx)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected the rejection to be reported, got %v", err)
	}
	if errors.Is(err, apperrors.ErrInternal) {
		t.Fatalf("a rejected job must not abort the pass: %v", err)
	}

	if got := h.job(id, 1).State; got != batch.Ready {
		t.Errorf("rejected job: expected Ready, got %s", got)
	}
	if got := h.job(id, 2).State; got != batch.Running {
		t.Errorf("job behind the rejected one: expected Running, got %s", got)
	}
	if h.free("w") != 3000 || h.storeFree("w") != 3000 {
		t.Errorf("expected only job 2 to hold capacity, pool=%d store=%d", h.free("w"), h.storeFree("w"))
	}
	inst, _ := h.pool.Lookup("w")
	if inst.FailedRequestCount() != 0 {
		t.Errorf("the later successful create resets the count, got %d", inst.FailedRequestCount())
	}
}

func TestScheduleOnce_RejectionCountsAgainstInstance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	w := h.addWorker("w", 4000)
	id := h.submit(1, 1000)
	w.RejectJob(batch.JobKey{BatchID: id, JobID: 1}, http.StatusBadRequest)

	for range 2 {
		if _, err := h.sched.ScheduleOnce(h.ctx); !errors.Is(err, apperrors.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	}
	inst, _ := h.pool.Lookup("w")
	if inst.FailedRequestCount() != 2 {
		t.Errorf("expected 2 failed requests, got %d", inst.FailedRequestCount())
	}
	if h.free("w") != 4000 {
		t.Errorf("reserved capacity must be returned, got %d free", h.free("w"))
	}
}

// completingStore finishes each job the moment its placement commits, the
// way a fast worker's status push can land before the pass moves on.
type completingStore struct {
	*store.Memory
	afterSchedule func(key batch.JobKey)
}

func (s *completingStore) ScheduleJob(ctx context.Context, key batch.JobKey, instanceName string) error {
	if err := s.Memory.ScheduleJob(ctx, key, instanceName); err != nil {
		return err
	}
	s.afterSchedule(key)
	return nil
}

func TestScheduleOnce_CompletionBeforePassContinues(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addWorker("w", 1000)
	id := h.submit(1, 1000)

	st := &completingStore{Memory: h.store}
	sched, err := New(Config{Pool: h.pool, Store: st, Workers: h.workers, Notifier: h.notifier})
	if err != nil {
		t.Fatal(err)
	}
	status := &batch.DockerStatus{
		Worker: "w",
		State:  "succeeded",
		ContainerStatuses: map[string]*batch.TaskStatus{
			"main": {Name: "main", ContainerStatus: &batch.ContainerState{ExitCode: intPtr(0)}},
		},
	}
	st.afterSchedule = func(key batch.JobKey) {
		if err := sched.MarkJobComplete(h.ctx, key.BatchID, key.JobID, batch.Complete, status); err != nil {
			t.Errorf("MarkJobComplete: %v", err)
		}
	}

	if _, err := sched.ScheduleOnce(h.ctx); err != nil {
		t.Fatalf("ScheduleOnce: %v", err)
	}

	if got := h.job(id, 1).State; got != batch.Complete {
		t.Errorf("expected Complete, got %s", got)
	}
	if h.free("w") != 1000 || h.storeFree("w") != 1000 {
		t.Errorf("capacity leaked: pool=%d store=%d", h.free("w"), h.storeFree("w"))
	}
	if inst, ok := h.pool.FindPlacement(1000); !ok || inst.Name != "w" {
		t.Error("expected the instance to accept new placements")
	}
}

func TestScheduleOnce_WorkerFailureKeepsJobReady(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	w := h.addWorker("w", 4000)
	w.FailCreates(http.StatusInternalServerError)
	id := h.submit(2, 1000)

	_, err := h.sched.ScheduleOnce(h.ctx)
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}

	for jobID := int64(1); jobID <= 2; jobID++ {
		if got := h.job(id, jobID).State; got != batch.Ready {
			t.Errorf("job %d: expected Ready, got %s", jobID, got)
		}
	}
	if h.free("w") != 4000 || h.storeFree("w") != 4000 {
		t.Error("capacity must not change on failed creates")
	}
	inst, _ := h.pool.Lookup("w")
	if inst.FailedRequestCount() != 2 {
		t.Errorf("expected 2 failed requests, got %d", inst.FailedRequestCount())
	}
}

func TestScheduleOnce_StaleAfterCreate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	w := h.addWorker("w", 4000)
	id := h.submit(1, 1000)

	h.workers.beforeCreate = func(cfg *batch.JobConfig) {
		_, _ = h.store.MarkJobComplete(h.ctx, cfg.Key(), batch.Cancelled, nil)
	}

	if _, err := h.sched.ScheduleOnce(h.ctx); err != nil {
		t.Fatalf("stale placement should be benign, got %v", err)
	}
	if got := h.job(id, 1).State; got != batch.Cancelled {
		t.Errorf("expected Cancelled, got %s", got)
	}
	if len(w.Deleted()) != 1 {
		t.Error("expected the orphaned job to be deleted from the worker")
	}
	if h.free("w") != 4000 || h.storeFree("w") != 4000 {
		t.Error("capacity must not change on a stale placement")
	}
}

func TestScheduleOnce_ResolvesSecrets(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "gsa-key"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "gsa-key", "key.json"), []byte(`{"k":1}`), 0o600); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, FileSecretSource{Dir: dir})
	w := h.addWorker("w", 4000)
	ok := h.submit(1, 1000, withSpec(`{"image":"ubuntu","command":["true"],"secrets":[{"name":"gsa-key","mount_path":"/gsa-key"}]}`))
	missing := h.submit(1, 1000, withSpec(`{"image":"ubuntu","command":["true"],"secrets":[{"name":"nope","mount_path":"/nope"}]}`))

	_, err := h.sched.ScheduleOnce(h.ctx)
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found for the missing secret, got %v", err)
	}

	if got := h.job(ok, 1).State; got != batch.Running {
		t.Errorf("expected job with secret Running, got %s", got)
	}
	if got := h.job(missing, 1).State; got != batch.Ready {
		t.Errorf("expected job with missing secret Ready, got %s", got)
	}

	created := w.Created()
	if len(created) != 1 || len(created[0].Secrets) != 1 {
		t.Fatalf("unexpected creates %+v", created)
	}
	if got := created[0].Secrets[0].Data["key.json"]; got != `{"k":1}` {
		t.Errorf("unexpected secret data %q", got)
	}
}

func TestScheduleOnce_ConcurrentPassesPlaceOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addWorker("w", 4000)
	id := h.submit(1, 1000)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.sched.ScheduleOnce(h.ctx); err != nil {
				t.Errorf("ScheduleOnce: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := h.job(id, 1).State; got != batch.Running {
		t.Errorf("expected Running, got %s", got)
	}
	if h.free("w") != 3000 || h.storeFree("w") != 3000 {
		t.Errorf("expected exactly one placement, free pool=%d store=%d", h.free("w"), h.storeFree("w"))
	}
}

func TestMarkJobComplete_Idempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addWorker("w", 2000)
	id := h.submit(1, 1000)
	if _, err := h.sched.ScheduleOnce(h.ctx); err != nil {
		t.Fatal(err)
	}

	status := &batch.DockerStatus{
		Worker: "w",
		State:  "succeeded",
		ContainerStatuses: map[string]*batch.TaskStatus{
			"main": {Name: "main", ContainerStatus: &batch.ContainerState{ExitCode: intPtr(0)}},
		},
	}
	for range 2 {
		if err := h.sched.MarkJobComplete(h.ctx, id, 1, batch.Complete, status); err != nil {
			t.Fatalf("MarkJobComplete: %v", err)
		}
	}

	if h.free("w") != 2000 || h.storeFree("w") != 2000 {
		t.Errorf("capacity must be released exactly once, pool=%d store=%d", h.free("w"), h.storeFree("w"))
	}
	b, err := h.store.GetBatch(h.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if b.NCompleted != 1 || b.NSucceeded != 1 {
		t.Errorf("unexpected counts %+v", b.Counts)
	}
	if h.notifier.count(id) != 1 {
		t.Errorf("expected one notification, got %d", h.notifier.count(id))
	}
}

func TestMarkJobComplete_Errors(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	id := h.submit(1, 1000)

	if err := h.sched.MarkJobComplete(h.ctx, id, 99, batch.Complete, nil); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := h.sched.MarkJobComplete(h.ctx, id, 1, batch.Running, nil); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestMarkJobComplete_UnknownInstance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addWorker("w", 2000)
	id := h.submit(1, 1000)
	if _, err := h.sched.ScheduleOnce(h.ctx); err != nil {
		t.Fatal(err)
	}
	h.pool.Remove("w")

	if err := h.sched.MarkJobComplete(h.ctx, id, 1, batch.Complete, nil); err != nil {
		t.Fatalf("unknown instance should only warn, got %v", err)
	}
	if got := h.job(id, 1).State; got != batch.Complete {
		t.Errorf("expected Complete, got %s", got)
	}
}

func TestCancelOnce_EndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	w := h.addWorker("w", 3000)
	id := h.submit(3, 1000)

	if _, err := h.sched.ScheduleOnce(h.ctx); err != nil {
		t.Fatal(err)
	}
	for jobID := int64(1); jobID <= 3; jobID++ {
		if got := h.job(id, jobID).State; got != batch.Running {
			t.Fatalf("job %d: expected Running, got %s", jobID, got)
		}
	}
	if h.free("w") != 0 {
		t.Fatalf("expected worker full, free %d", h.free("w"))
	}

	if err := h.store.CancelBatch(h.ctx, id); err != nil {
		t.Fatal(err)
	}
	shouldWait, err := h.sched.CancelOnce(h.ctx)
	if err != nil || shouldWait {
		t.Fatalf("CancelOnce: shouldWait=%v err=%v", shouldWait, err)
	}

	for jobID := int64(1); jobID <= 3; jobID++ {
		if got := h.job(id, jobID).State; got != batch.Cancelled {
			t.Errorf("job %d: expected Cancelled, got %s", jobID, got)
		}
	}
	if h.free("w") != 3000 || h.storeFree("w") != 3000 {
		t.Errorf("expected all capacity back, pool=%d store=%d", h.free("w"), h.storeFree("w"))
	}
	if len(w.Deleted()) != 3 {
		t.Errorf("expected 3 deletes, got %d", len(w.Deleted()))
	}

	b, _ := h.store.GetBatch(h.ctx, id)
	if s := b.Summary(); s.State != batch.BatchCancelled || !s.Complete {
		t.Errorf("unexpected summary %+v", s)
	}

	shouldWait, err = h.sched.CancelOnce(h.ctx)
	if err != nil || !shouldWait {
		t.Errorf("second pass should find nothing, shouldWait=%v err=%v", shouldWait, err)
	}
}

func TestCancelOnce_Skips(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addWorker("w", 4000)
	always := h.submit(1, 1000, alwaysRun)
	orphan := h.submit(1, 1000)
	if _, err := h.sched.ScheduleOnce(h.ctx); err != nil {
		t.Fatal(err)
	}

	if err := h.store.CancelBatch(h.ctx, always); err != nil {
		t.Fatal(err)
	}
	shouldWait, err := h.sched.CancelOnce(h.ctx)
	if err != nil || !shouldWait {
		t.Errorf("always_run jobs are not cancellable, shouldWait=%v err=%v", shouldWait, err)
	}

	// A job on an instance the pool lost is left alone.
	if err := h.store.CancelBatch(h.ctx, orphan); err != nil {
		t.Fatal(err)
	}
	h.pool.Remove("w")
	shouldWait, err = h.sched.CancelOnce(h.ctx)
	if err != nil || !shouldWait {
		t.Errorf("unknown instance: shouldWait=%v err=%v", shouldWait, err)
	}
	if got := h.job(orphan, 1).State; got != batch.Running {
		t.Errorf("expected job to stay Running, got %s", got)
	}
}

func TestCancelOnce_InactiveInstanceSkipsDelete(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	w := h.addWorker("w", 2000)
	id := h.submit(1, 1000)
	if _, err := h.sched.ScheduleOnce(h.ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.DeactivateInstance(h.ctx, "w"); err != nil {
		t.Fatal(err)
	}
	if err := h.store.CancelBatch(h.ctx, id); err != nil {
		t.Fatal(err)
	}

	if _, err := h.sched.CancelOnce(h.ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.job(id, 1).State; got != batch.Cancelled {
		t.Errorf("expected Cancelled, got %s", got)
	}
	if len(w.Deleted()) != 0 {
		t.Error("inactive instance should not receive a delete")
	}
	if h.free("w") != 2000 {
		t.Errorf("expected capacity released, got %d", h.free("w"))
	}
}

func TestUnscheduleJob_ConcurrentReleasesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addWorker("w", 2000)
	id := h.submit(1, 1000)
	if _, err := h.sched.ScheduleOnce(h.ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.store.CancelBatch(h.ctx, id); err != nil {
		t.Fatal(err)
	}
	job := h.job(id, 1)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.sched.unscheduleJob(h.ctx, job); err != nil {
				t.Errorf("unscheduleJob: %v", err)
			}
		}()
	}
	wg.Wait()

	if h.free("w") != 2000 || h.storeFree("w") != 2000 {
		t.Errorf("capacity must be released exactly once, pool=%d store=%d", h.free("w"), h.storeFree("w"))
	}
}

func TestUnscheduleJob_WorkerFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	w := h.addWorker("w", 2000)
	id := h.submit(1, 1000)
	if _, err := h.sched.ScheduleOnce(h.ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.store.CancelBatch(h.ctx, id); err != nil {
		t.Fatal(err)
	}
	w.FailDeletes(http.StatusServiceUnavailable)

	if _, err := h.sched.CancelOnce(h.ctx); !errors.Is(err, apperrors.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if got := h.job(id, 1).State; got != batch.Running {
		t.Errorf("store must be untouched when the delete fails, got %s", got)
	}
	if h.free("w") != 1000 {
		t.Errorf("expected capacity still held, got %d", h.free("w"))
	}
}

func TestScheduler_Run(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	id := h.submit(2, 1000)
	h.sched.Bump()
	h.addWorker("w", 2000)

	for jobID := int64(1); jobID <= 2; jobID++ {
		testutil.MustWaitForValue(t, func() batch.JobState { return h.job(id, jobID).State }, batch.Running,
			testutil.WithTimeout(5*time.Second))
	}

	if err := h.store.CancelBatch(h.ctx, id); err != nil {
		t.Fatal(err)
	}
	for jobID := int64(1); jobID <= 2; jobID++ {
		testutil.MustWaitForValue(t, func() batch.JobState { return h.job(id, jobID).State }, batch.Cancelled,
			testutil.WithTimeout(5*time.Second))
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestSyncInstances(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addWorker("a", 1000)

	if _, err := h.store.UpsertInstance(h.ctx, instance.Record{Name: "b", IPAddress: "10.0.0.2", State: instance.Active, TotalCoresMcpu: 2000}); err != nil {
		t.Fatal(err)
	}
	if err := h.store.SetInstanceState(h.ctx, "a", instance.Deleted); err != nil {
		t.Fatal(err)
	}

	inst, _ := h.pool.Lookup("a")
	inst.RecordFailedRequest()

	if err := h.sched.SyncInstances(h.ctx); err != nil {
		t.Fatalf("SyncInstances: %v", err)
	}
	if _, ok := h.pool.Lookup("a"); ok {
		t.Error("deleted instance should leave the pool")
	}
	b, ok := h.pool.Lookup("b")
	if !ok || b.FreeCoresMcpu() != 2000 {
		t.Error("new instance should join the pool with its free capacity")
	}
}

func TestSyncInstances_PersistsHealth(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addWorker("a", 1000)
	inst, _ := h.pool.Lookup("a")
	inst.RecordFailedRequest()
	inst.RecordFailedRequest()

	if err := h.sched.SyncInstances(h.ctx); err != nil {
		t.Fatal(err)
	}
	recs, _ := h.store.Instances(h.ctx)
	if len(recs) != 1 || recs[0].FailedRequestCount != 2 {
		t.Errorf("expected failed request count persisted, got %+v", recs)
	}
}

func TestActivateInstance_Validation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	tests := []struct {
		name, ip string
		cores    int64
	}{
		{"", "10.0.0.1", 1000},
		{"w", "", 1000},
		{"w", "10.0.0.1", 0},
	}
	for _, tt := range tests {
		if _, err := h.sched.ActivateInstance(h.ctx, tt.name, tt.ip, tt.cores); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("ActivateInstance(%q, %q, %d): expected validation error, got %v", tt.name, tt.ip, tt.cores, err)
		}
	}
}

func TestActivateInstance_KeepsCapacity(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	fake := h.addWorker("w", 2000)
	h.submit(1, 1000)
	if _, err := h.sched.ScheduleOnce(h.ctx); err != nil {
		t.Fatal(err)
	}

	rec, err := h.sched.ActivateInstance(h.ctx, "w", fake.Server.Listener.Addr().String(), 2000)
	if err != nil {
		t.Fatal(err)
	}
	if rec.FreeCoresMcpu != 1000 {
		t.Errorf("re-activation must keep tracked capacity, got %d", rec.FreeCoresMcpu)
	}
}

func TestLoadInstances(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	for i := range 3 {
		rec := instance.Record{Name: fmt.Sprintf("w%d", i), IPAddress: "10.0.0.1", State: instance.Active, TotalCoresMcpu: 1000}
		if _, err := h.store.UpsertInstance(h.ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.sched.LoadInstances(h.ctx); err != nil {
		t.Fatal(err)
	}
	if c := h.pool.Capacity(); c.Instances != 3 || c.FreeCoresMcpu != 3000 {
		t.Errorf("unexpected capacity %+v", c)
	}
}

func intPtr(v int) *int { return &v }
