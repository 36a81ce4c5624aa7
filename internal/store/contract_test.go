package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"batchdriver/internal/apperrors"
	"batchdriver/internal/batch"
	"batchdriver/internal/instance"
)

// testStore is what the contract tests need from a store implementation.
type testStore interface {
	Store
	BatchWriter
	CancelJob(ctx context.Context, key batch.JobKey) error
}

func zero() *int {
	v := 0
	return &v
}

func succeeded() batch.Status {
	return &batch.DockerStatus{
		State:             "succeeded",
		ContainerStatuses: map[string]*batch.TaskStatus{"main": {ContainerStatus: &batch.ContainerState{ExitCode: zero()}}},
	}
}

type fixture struct {
	s       testStore
	batchID int64
}

// newFixture registers a 4000 mcpu instance "w1" and a batch of n jobs of
// 1000 mcpu each.
func newFixture(t *testing.T, s testStore, n int, closed bool) *fixture {
	t.Helper()
	ctx := context.Background()

	if _, err := s.UpsertInstance(ctx, instance.Record{Name: "w1", IPAddress: "10.0.0.1", State: instance.Active, TotalCoresMcpu: 4000}); err != nil {
		t.Fatalf("UpsertInstance: %v", err)
	}
	id, err := s.CreateBatch(ctx, NewBatch{User: "alice", Attributes: map[string]string{"name": "test"}, Callback: "http://cb.example/done"})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	jobs := make([]NewJob, n)
	for i := range jobs {
		jobs[i] = NewJob{JobID: int64(i + 1), CoresMcpu: 1000, Spec: json.RawMessage(`{"image":"ubuntu","command":["true"],"attributes":{"idx":"x"}}`)}
	}
	if err := s.AddJobs(ctx, id, jobs); err != nil {
		t.Fatalf("AddJobs: %v", err)
	}
	if closed {
		if err := s.CloseBatch(ctx, id); err != nil {
			t.Fatalf("CloseBatch: %v", err)
		}
	}
	return &fixture{s: s, batchID: id}
}

func (f *fixture) key(jobID int64) batch.JobKey {
	return batch.JobKey{BatchID: f.batchID, JobID: jobID}
}

func freeCores(t *testing.T, s Store, name string) int64 {
	t.Helper()
	recs, err := s.Instances(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		if r.Name == name {
			return r.FreeCoresMcpu
		}
	}
	t.Fatalf("instance %s not found", name)
	return 0
}

func runContract(t *testing.T, newStore func(t *testing.T) testStore) {
	ctx := context.Background()

	t.Run("only closed batches are candidates", func(t *testing.T) {
		s := newStore(t)
		f := newFixture(t, s, 2, false)
		ready, err := s.ReadyJobs(ctx, 50)
		if err != nil {
			t.Fatal(err)
		}
		if len(ready) != 0 {
			t.Fatalf("expected no candidates from an open batch, got %d", len(ready))
		}
		if err := s.CloseBatch(ctx, f.batchID); err != nil {
			t.Fatal(err)
		}
		ready, _ = s.ReadyJobs(ctx, 1)
		if len(ready) != 1 || ready[0].JobID != 1 || ready[0].User != "alice" {
			t.Fatalf("expected job 1 with limit 1, got %+v", ready)
		}
		if got := ready[0].Attributes()["idx"]; got != "x" {
			t.Errorf("expected spec attributes, got %q", got)
		}
	})

	t.Run("schedule then complete releases capacity once", func(t *testing.T) {
		s := newStore(t)
		f := newFixture(t, s, 1, true)

		if err := s.ScheduleJob(ctx, f.key(1), "w1"); err != nil {
			t.Fatal(err)
		}
		if got := freeCores(t, s, "w1"); got != 3000 {
			t.Fatalf("expected 3000 free after schedule, got %d", got)
		}
		if err := s.ScheduleJob(ctx, f.key(1), "w1"); !apperrors.IsStale(err) {
			t.Fatalf("expected stale error on second schedule, got %v", err)
		}

		res, err := s.MarkJobComplete(ctx, f.key(1), batch.Complete, succeeded())
		if err != nil {
			t.Fatal(err)
		}
		if res.OldState != batch.Running || res.InstanceName != "w1" || res.CoresMcpu != 1000 {
			t.Fatalf("unexpected completion result %+v", res)
		}

		again, err := s.MarkJobComplete(ctx, f.key(1), batch.Complete, succeeded())
		if err != nil {
			t.Fatal(err)
		}
		if again.OldState != batch.Complete || again.InstanceName != "" {
			t.Fatalf("second completion should be a no-op, got %+v", again)
		}
		if got := freeCores(t, s, "w1"); got != 4000 {
			t.Fatalf("expected 4000 free after completion, got %d", got)
		}

		b, err := s.GetBatch(ctx, f.batchID)
		if err != nil {
			t.Fatal(err)
		}
		if b.NCompleted != 1 || b.NSucceeded != 1 || b.NFailed != 0 {
			t.Errorf("unexpected counters %+v", b.Counts)
		}
		if sum := b.Summary(); sum.State != batch.BatchSuccess || !sum.Complete {
			t.Errorf("unexpected summary %+v", sum)
		}

		job, err := s.GetJob(ctx, f.key(1))
		if err != nil {
			t.Fatal(err)
		}
		if job.State != batch.Complete || job.InstanceName != "" || job.Status == nil || !job.Status.Succeeded() {
			t.Errorf("unexpected job after completion %+v", job)
		}
	})

	t.Run("failed status counts as failure", func(t *testing.T) {
		s := newStore(t)
		f := newFixture(t, s, 1, true)
		if _, err := s.MarkJobComplete(ctx, f.key(1), batch.Complete, nil); err != nil {
			t.Fatal(err)
		}
		b, _ := s.GetBatch(ctx, f.batchID)
		if b.NFailed != 1 || b.Summary().State != batch.BatchFailure {
			t.Errorf("expected failure, got %+v", b.Counts)
		}
	})

	t.Run("unschedule of a cancelled batch cancels the job", func(t *testing.T) {
		s := newStore(t)
		f := newFixture(t, s, 2, true)
		for _, id := range []int64{1, 2} {
			if err := s.ScheduleJob(ctx, f.key(id), "w1"); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.CancelBatch(ctx, f.batchID); err != nil {
			t.Fatal(err)
		}

		cands, err := s.CancellableJobs(ctx, 50)
		if err != nil {
			t.Fatal(err)
		}
		if len(cands) != 2 || !cands[0].Cancel || cands[0].InstanceName != "w1" {
			t.Fatalf("unexpected cancel candidates %+v", cands)
		}

		if err := s.UnscheduleJob(ctx, f.key(1), "w1"); err != nil {
			t.Fatal(err)
		}
		if err := s.UnscheduleJob(ctx, f.key(1), "w1"); !apperrors.IsStale(err) {
			t.Fatalf("expected stale error on second unschedule, got %v", err)
		}
		job, _ := s.GetJob(ctx, f.key(1))
		if job.State != batch.Cancelled {
			t.Errorf("expected Cancelled, got %s", job.State)
		}
		if got := freeCores(t, s, "w1"); got != 3000 {
			t.Errorf("expected 3000 free, got %d", got)
		}
		b, _ := s.GetBatch(ctx, f.batchID)
		if b.NCancelled != 1 || b.NCompleted != 1 {
			t.Errorf("unexpected counters %+v", b.Counts)
		}
	})

	t.Run("unschedule without cancel returns job to Ready", func(t *testing.T) {
		s := newStore(t)
		f := newFixture(t, s, 1, true)
		if err := s.ScheduleJob(ctx, f.key(1), "w1"); err != nil {
			t.Fatal(err)
		}
		if err := s.UnscheduleJob(ctx, f.key(1), "other"); !apperrors.IsStale(err) {
			t.Fatalf("unschedule from the wrong instance should be stale, got %v", err)
		}
		if err := s.UnscheduleJob(ctx, f.key(1), "w1"); err != nil {
			t.Fatal(err)
		}
		job, _ := s.GetJob(ctx, f.key(1))
		if job.State != batch.Ready || job.InstanceName != "" {
			t.Errorf("expected Ready without instance, got %+v", job)
		}
	})

	t.Run("job cancel flag is visible to the schedule pass", func(t *testing.T) {
		s := newStore(t)
		f := newFixture(t, s, 2, true)
		if err := s.CancelJob(ctx, f.key(2)); err != nil {
			t.Fatal(err)
		}
		ready, _ := s.ReadyJobs(ctx, 50)
		if len(ready) != 2 || ready[0].Cancel || !ready[1].Cancel {
			t.Fatalf("unexpected cancel flags %+v", ready)
		}
	})

	t.Run("terminal states are final", func(t *testing.T) {
		s := newStore(t)
		f := newFixture(t, s, 1, true)
		if _, err := s.MarkJobComplete(ctx, f.key(1), batch.Cancelled, nil); err != nil {
			t.Fatal(err)
		}
		res, err := s.MarkJobComplete(ctx, f.key(1), batch.Complete, succeeded())
		if err != nil {
			t.Fatal(err)
		}
		if res.OldState != batch.Cancelled {
			t.Fatalf("expected old state Cancelled, got %s", res.OldState)
		}
		job, _ := s.GetJob(ctx, f.key(1))
		if job.State != batch.Cancelled {
			t.Errorf("cancelled job must stay cancelled, got %s", job.State)
		}
		if _, err := s.MarkJobComplete(ctx, f.key(1), batch.Running, nil); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("non-terminal target should be rejected, got %v", err)
		}
	})

	t.Run("concurrent completions release capacity once", func(t *testing.T) {
		s := newStore(t)
		f := newFixture(t, s, 1, true)
		if err := s.ScheduleJob(ctx, f.key(1), "w1"); err != nil {
			t.Fatal(err)
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			released int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.MarkJobComplete(ctx, f.key(1), batch.Complete, succeeded())
				if err != nil {
					t.Error(err)
					return
				}
				if res.InstanceName != "" {
					mu.Lock()
					released++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if released != 1 {
			t.Errorf("expected exactly one release, got %d", released)
		}
		if got := freeCores(t, s, "w1"); got != 4000 {
			t.Errorf("expected 4000 free, got %d", got)
		}
	})

	t.Run("instances", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.UpsertInstance(ctx, instance.Record{Name: "w2", IPAddress: "10.0.0.2", State: instance.Active, TotalCoresMcpu: 2000}); err != nil {
			t.Fatal(err)
		}
		rec, err := s.UpsertInstance(ctx, instance.Record{Name: "w2", IPAddress: "10.0.0.3", State: instance.Active, TotalCoresMcpu: 2000})
		if err != nil {
			t.Fatal(err)
		}
		if rec.IPAddress != "10.0.0.3" || rec.FreeCoresMcpu != 2000 {
			t.Errorf("unexpected upserted record %+v", rec)
		}
		if err := s.SetInstanceState(ctx, "w2", instance.Inactive); err != nil {
			t.Fatal(err)
		}
		if err := s.RecordInstanceHealth(ctx, "w2", 3); err != nil {
			t.Fatal(err)
		}
		recs, _ := s.Instances(ctx)
		if len(recs) != 1 || recs[0].State != instance.Inactive || recs[0].FailedRequestCount != 3 {
			t.Errorf("unexpected instances %+v", recs)
		}
		if err := s.SetInstanceState(ctx, "missing", instance.Inactive); !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("batch lookups", func(t *testing.T) {
		s := newStore(t)
		f := newFixture(t, s, 3, false)

		if err := s.AddJobs(ctx, f.batchID, []NewJob{{JobID: 1, CoresMcpu: 1000}}); !errors.Is(err, apperrors.ErrConflict) {
			t.Errorf("duplicate job should conflict, got %v", err)
		}
		jobs, err := s.BatchJobs(ctx, f.batchID)
		if err != nil {
			t.Fatal(err)
		}
		if len(jobs) != 3 {
			t.Errorf("expected 3 jobs, got %d", len(jobs))
		}
		b, _ := s.GetBatch(ctx, f.batchID)
		if b.Callback != "http://cb.example/done" || b.Attributes["name"] != "test" || b.NJobs != 3 {
			t.Errorf("unexpected batch %+v", b)
		}
		if _, err := s.GetBatch(ctx, f.batchID+1000); !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
		if _, err := s.GetJob(ctx, f.key(99)); !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
		if err := s.CloseBatch(ctx, f.batchID); err != nil {
			t.Fatal(err)
		}
		if err := s.AddJobs(ctx, f.batchID, []NewJob{{JobID: 4, CoresMcpu: 1000}}); !errors.Is(err, apperrors.ErrConflict) {
			t.Errorf("adding to a closed batch should conflict, got %v", err)
		}
	})
}
