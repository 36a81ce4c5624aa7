package scheduler

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"batchdriver/internal/apperrors"
	"batchdriver/internal/instance"
)

// ActivateInstance registers a worker that has started. A worker that
// re-activates keeps the capacity the driver already tracks for it.
func (s *Scheduler) ActivateInstance(ctx context.Context, name, ipAddress string, totalCoresMcpu int64) (instance.Record, error) {
	if name == "" {
		return instance.Record{}, apperrors.Validation("name", "instance name is required")
	}
	if ipAddress == "" {
		return instance.Record{}, apperrors.Validation("ip_address", "ip_address is required")
	}
	if totalCoresMcpu <= 0 {
		return instance.Record{}, apperrors.Validation("total_cores_mcpu", "total_cores_mcpu must be positive")
	}

	rec, err := s.store.UpsertInstance(ctx, instance.Record{
		Name:           name,
		IPAddress:      ipAddress,
		State:          instance.Active,
		TotalCoresMcpu: totalCoresMcpu,
		FreeCoresMcpu:  totalCoresMcpu,
	})
	if err != nil {
		return instance.Record{}, err
	}

	inst, err := s.pool.Add(rec)
	if err != nil {
		return instance.Record{}, err
	}
	inst.MarkHealthy()

	s.logger.Info("Instance activated", "instance", name, "ip", ipAddress, "totalCoresMcpu", rec.TotalCoresMcpu)
	s.scheduleSignal.Notify()
	return inst.Record(), nil
}

// DeactivateInstance stops placing jobs on a worker. Jobs still running on
// it are left alone; their completions are still accepted.
func (s *Scheduler) DeactivateInstance(ctx context.Context, name string) error {
	if err := s.store.SetInstanceState(ctx, name, instance.Inactive); err != nil {
		return err
	}
	if err := s.pool.SetState(name, instance.Inactive); err != nil {
		s.logger.Warn("Deactivated instance not in pool", "instance", name)
	}
	s.logger.Info("Instance deactivated", "instance", name)
	return nil
}

// LoadInstances fills the pool from the store. It is called once at start-up.
func (s *Scheduler) LoadInstances(ctx context.Context) error {
	records, err := s.store.Instances(ctx)
	if err != nil {
		return err
	}
	res, err := s.pool.Sync(records)
	if err != nil {
		return err
	}
	s.logger.Info("Instances loaded", "added", res.Added, "capacity", fmt.Sprintf("%+v", s.pool.Capacity()))
	return nil
}

// SyncInstances reconciles the pool with the store's instance table and
// persists the failed request counters the pool has observed.
func (s *Scheduler) SyncInstances(ctx context.Context) error {
	records, err := s.store.Instances(ctx)
	if err != nil {
		return err
	}

	res, err := s.pool.Sync(records)
	if err != nil {
		return err
	}
	if res.Added > 0 || res.Updated > 0 || res.Removed > 0 {
		s.logger.Info("Instances synced", "added", res.Added, "updated", res.Updated, "removed", res.Removed)
	}
	if res.Added > 0 || res.Updated > 0 {
		s.scheduleSignal.Notify()
	}

	persisted := make(map[string]int, len(records))
	for _, rec := range records {
		persisted[rec.Name] = rec.FailedRequestCount
	}

	var result *multierror.Error
	for _, rec := range s.pool.Snapshot() {
		if persisted[rec.Name] == rec.FailedRequestCount {
			continue
		}
		if err := s.store.RecordInstanceHealth(ctx, rec.Name, rec.FailedRequestCount); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
