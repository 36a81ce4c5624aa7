package scheduler

import (
	"context"
	"errors"

	"github.com/hashicorp/go-multierror"

	"batchdriver/internal/apperrors"
	"batchdriver/internal/batch"
)

// ScheduleOnce runs one schedule pass over up to BatchSize Ready jobs of
// closed batches. Cancel-flagged jobs that are not always_run are completed
// as Cancelled; every other job is placed on the best-fitting instance when
// one has room. shouldWait is true when the pass did no work.
//
// Failures of individual jobs are collected and returned once the remaining
// candidates have been processed. Internal errors abort the pass.
func (s *Scheduler) ScheduleOnce(ctx context.Context) (shouldWait bool, err error) {
	jobs, err := s.store.ReadyJobs(ctx, s.batchSize)
	if err != nil {
		return false, err
	}

	shouldWait = true
	var result *multierror.Error

	for i := range jobs {
		job := &jobs[i]
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		if job.Cancel && !job.AlwaysRun {
			shouldWait = false
			if err := s.MarkJobComplete(ctx, job.BatchID, job.JobID, batch.Cancelled, nil); err != nil {
				if errors.Is(err, apperrors.ErrInternal) {
					return false, err
				}
				result = multierror.Append(result, err)
			}
			continue
		}

		inst, ok := s.pool.FindPlacement(job.CoresMcpu)
		if !ok {
			continue
		}

		shouldWait = false
		if err := s.scheduleJob(ctx, job, inst); err != nil {
			if errors.Is(err, apperrors.ErrInternal) {
				return false, err
			}
			s.logger.Warn("Could not schedule job", "job", job.Key().String(), "instance", inst.Name, "error", err)
			result = multierror.Append(result, err)
		}
	}

	return shouldWait, result.ErrorOrNil()
}

// CancelOnce runs one cancel pass over up to BatchSize Running jobs of
// closed, cancelled batches that are not always_run. Jobs on instances the
// pool does not know are skipped and do not count as work.
func (s *Scheduler) CancelOnce(ctx context.Context) (shouldWait bool, err error) {
	jobs, err := s.store.CancellableJobs(ctx, s.batchSize)
	if err != nil {
		return false, err
	}

	shouldWait = true
	var result *multierror.Error

	for i := range jobs {
		job := &jobs[i]
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		done, err := s.unscheduleJob(ctx, job)
		if done {
			shouldWait = false
		}
		if err != nil {
			if errors.Is(err, apperrors.ErrInternal) {
				return false, err
			}
			s.logger.Warn("Could not unschedule job", "job", job.Key().String(), "instance", job.InstanceName, "error", err)
			result = multierror.Append(result, err)
		}
	}

	return shouldWait, result.ErrorOrNil()
}
