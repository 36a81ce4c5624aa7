package scheduler

import (
	"context"
	"fmt"

	"batchdriver/internal/apperrors"
	"batchdriver/internal/batch"
	"batchdriver/internal/instance"
	"batchdriver/internal/store"
)

// scheduleJob starts job on inst and records the placement. The job stays
// Ready when building its config or the worker request fails.
//
// Capacity is reserved in the pool before the worker is contacted and
// returned if the placement does not commit, so a completion pushed right
// after the store commit always finds the debit in place.
func (s *Scheduler) scheduleJob(ctx context.Context, job *store.JobRecord, inst *instance.Instance) error {
	key := job.Key()
	if state := inst.State(); state != instance.Active {
		return apperrors.Internal("schedule job "+key.String(), fmt.Errorf("%s is %s", inst, state))
	}

	cfg, err := s.builder.Build(ctx, job)
	if err != nil {
		return fmt.Errorf("build config for job %s: %w", key, err)
	}

	if err := s.pool.Reserve(inst, job.CoresMcpu); err != nil {
		return fmt.Errorf("schedule job %s: %w", key, err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := s.pool.AdjustCapacity(inst, job.CoresMcpu); err != nil {
			s.logger.Error("Could not return reserved capacity", "job", key.String(), "instance", inst.Name, "error", err)
		}
	}()

	if err := s.workers.CreateJob(ctx, inst, cfg); err != nil {
		return err
	}

	if err := s.store.ScheduleJob(ctx, key, inst.Name); err != nil {
		if !apperrors.IsStale(err) {
			return err
		}
		// The job changed state while the worker was starting it.
		s.logger.Info("Job no longer ready after create, deleting from worker", "job", key.String(), "instance", inst.Name)
		if err := s.workers.DeleteJob(ctx, inst, key); err != nil {
			s.logger.Warn("Could not delete job from worker", "job", key.String(), "instance", inst.Name, "error", err)
		}
		return nil
	}
	committed = true

	if s.metrics != nil {
		s.metrics.RecordJobScheduled(ctx)
	}
	s.logger.Info("Job scheduled", "job", key.String(), "instance", inst.Name, "coresMcpu", job.CoresMcpu)
	return nil
}

// unscheduleJob takes a Running job off its instance. done is false when
// nothing was attempted because the instance is unknown.
func (s *Scheduler) unscheduleJob(ctx context.Context, job *store.JobRecord) (done bool, err error) {
	key, instanceName := job.Key(), job.InstanceName
	inst, ok := s.pool.Lookup(instanceName)
	if !ok {
		s.logger.Warn("Unschedule on unknown instance", "job", key.String(), "instance", instanceName)
		return false, nil
	}

	if inst.State() == instance.Active {
		if err := s.workers.DeleteJob(ctx, inst, key); err != nil {
			return true, err
		}
	}

	if err := s.store.UnscheduleJob(ctx, key, instanceName); err != nil {
		if apperrors.IsStale(err) {
			s.logger.Debug("Job already unscheduled", "job", key.String(), "instance", instanceName)
			return true, nil
		}
		return true, err
	}

	if err := s.pool.AdjustCapacity(inst, job.CoresMcpu); err != nil {
		return true, err
	}
	if s.metrics != nil {
		s.metrics.RecordJobUnscheduled(ctx)
	}
	s.logger.Info("Job unscheduled", "job", key.String(), "instance", instanceName)

	s.scheduleSignal.Notify()
	s.notify(key.BatchID)
	return true, nil
}

// MarkJobComplete moves a job to a terminal state. Completing a job that is
// already terminal is a no-op. Capacity held by the job is returned to its
// instance and the batch is handed to the notifier.
func (s *Scheduler) MarkJobComplete(ctx context.Context, batchID, jobID int64, newState batch.JobState, status batch.Status) error {
	key := batch.JobKey{BatchID: batchID, JobID: jobID}
	res, err := s.store.MarkJobComplete(ctx, key, newState, status)
	if err != nil {
		return err
	}

	if res.OldState.IsTerminal() {
		s.logger.Debug("Job already complete", "job", key.String(), "state", res.OldState)
		return nil
	}

	if res.InstanceName != "" {
		if inst, ok := s.pool.Lookup(res.InstanceName); ok {
			if err := s.pool.AdjustCapacity(inst, res.CoresMcpu); err != nil {
				return err
			}
			s.scheduleSignal.Notify()
		} else {
			s.logger.Warn("Completed job on unknown instance", "job", key.String(), "instance", res.InstanceName)
		}
	}

	if s.metrics != nil {
		s.metrics.RecordJobCompleted(ctx, string(newState))
	}
	s.logger.Info("Job complete", "job", key.String(), "from", res.OldState, "to", newState)

	s.notify(batchID)
	return nil
}

func (s *Scheduler) notify(batchID int64) {
	if s.notifier != nil {
		s.notifier.Notify(batchID)
	}
}
