// Package api provides the driver's HTTP API and the middleware shared with
// the worker.
package api

import (
	"context"
	"net/http"
	"strconv"

	"batchdriver/internal/apperrors"
	"batchdriver/internal/batch"
	"batchdriver/internal/instance"
	"batchdriver/internal/store"
)

// Driver is the scheduler surface the API drives.
type Driver interface {
	MarkJobComplete(ctx context.Context, batchID, jobID int64, newState batch.JobState, status batch.Status) error
	ActivateInstance(ctx context.Context, name, ipAddress string, totalCoresMcpu int64) (instance.Record, error)
	DeactivateInstance(ctx context.Context, name string) error
}

// BatchReader reads batches and jobs.
type BatchReader interface {
	GetBatch(ctx context.Context, id int64) (*store.BatchRecord, error)
	GetJob(ctx context.Context, key batch.JobKey) (*store.JobRecord, error)
	BatchJobs(ctx context.Context, id int64) ([]store.JobRecord, error)
}

// PoolReader exposes the instance pool.
type PoolReader interface {
	Snapshot() []instance.Record
	Capacity() instance.Capacity
}

// Handler contains the driver's HTTP handlers.
type Handler struct {
	driver  Driver
	batches BatchReader
	pool    PoolReader
}

// NewHandler creates a new API handler
func NewHandler(driver Driver, batches BatchReader, pool PoolReader) *Handler {
	return &Handler{driver: driver, batches: batches, pool: pool}
}

// ActivateRequest is sent by a worker when it starts.
type ActivateRequest struct {
	Name           string `json:"name"`
	IPAddress      string `json:"ip_address"`
	TotalCoresMcpu int64  `json:"total_cores_mcpu"`
}

// DeactivateRequest is sent by a worker when it stops.
type DeactivateRequest struct {
	Name string `json:"name"`
}

// JobCompleteRequest carries the final status of a job from its worker.
type JobCompleteRequest struct {
	BatchID int64           `json:"batch_id"`
	JobID   int64           `json:"job_id"`
	Status  batch.RawStatus `json:"status"`
}

// InstancesResponse lists the pool.
type InstancesResponse struct {
	Instances []instance.Record `json:"instances"`
	Capacity  instance.Capacity `json:"capacity"`
}

// ActivateInstance handles POST /api/v1alpha/instances/activate
func (h *Handler) ActivateInstance(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	rec, err := h.driver.ActivateInstance(r.Context(), req.Name, req.IPAddress, req.TotalCoresMcpu)
	if err != nil {
		HandleError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// DeactivateInstance handles POST /api/v1alpha/instances/deactivate
func (h *Handler) DeactivateInstance(w http.ResponseWriter, r *http.Request) {
	var req DeactivateRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		WriteError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := h.driver.DeactivateInstance(r.Context(), req.Name); err != nil {
		HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JobComplete handles POST /api/v1alpha/instances/job_complete. Success and
// failure both complete the job; the outcome lives in the status.
func (h *Handler) JobComplete(w http.ResponseWriter, r *http.Request) {
	var req JobCompleteRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.BatchID <= 0 || req.JobID <= 0 {
		WriteError(w, http.StatusBadRequest, "batch_id and job_id are required")
		return
	}

	if err := h.driver.MarkJobComplete(r.Context(), req.BatchID, req.JobID, batch.Complete, req.Status.Status); err != nil {
		HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListInstances handles GET /api/v1alpha/instances
func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, InstancesResponse{
		Instances: h.pool.Snapshot(),
		Capacity:  h.pool.Capacity(),
	})
}

// GetBatch handles GET /api/v1alpha/batches/{batch_id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID, ok := pathID(w, r, "batch_id")
	if !ok {
		return
	}

	b, err := h.batches.GetBatch(r.Context(), batchID)
	if err != nil {
		HandleError(w, r, err)
		return
	}
	jobs, err := h.batches.BatchJobs(r.Context(), batchID)
	if err != nil {
		HandleError(w, r, err)
		return
	}

	summary := b.Summary()
	summary.Jobs = make([]batch.JobSummary, 0, len(jobs))
	for i := range jobs {
		j := &jobs[i]
		summary.Jobs = append(summary.Jobs, batch.SummarizeJob(j.Key(), j.State, j.Status, j.Attributes()))
	}
	WriteJSON(w, http.StatusOK, summary)
}

// GetJob handles GET /api/v1alpha/batches/{batch_id}/jobs/{job_id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	batchID, ok := pathID(w, r, "batch_id")
	if !ok {
		return
	}
	jobID, ok := pathID(w, r, "job_id")
	if !ok {
		return
	}

	j, err := h.batches.GetJob(r.Context(), batch.JobKey{BatchID: batchID, JobID: jobID})
	if err != nil {
		HandleError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, batch.SummarizeJob(j.Key(), j.State, j.Status, j.Attributes()))
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		HandleError(w, r, apperrors.Validation(name, name+" must be a positive integer"))
		return 0, false
	}
	return id, true
}
