package worker

import (
	"net/http"
	"strconv"

	"batchdriver/internal/api"
	"batchdriver/internal/apperrors"
	"batchdriver/internal/batch"
	"batchdriver/internal/health"
	"batchdriver/internal/observability"
)

// RouterConfig holds dependencies for the worker router.
type RouterConfig struct {
	Worker        *Worker
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
}

// NewRouter creates the worker's HTTP router.
func NewRouter(cfg RouterConfig) http.Handler {
	h := &handler{worker: cfg.Worker}
	probes := api.HealthHandlers{Checker: cfg.HealthChecker}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /livez", probes.Livez)
	mux.HandleFunc("GET /readyz", probes.Readyz)

	mux.HandleFunc("POST /api/v1alpha/batches/jobs/create", h.createJob)
	mux.HandleFunc("DELETE /api/v1alpha/batches/{batch_id}/jobs/{job_id}/delete", h.deleteJob)
	mux.HandleFunc("GET /api/v1alpha/batches/{batch_id}/jobs/{job_id}", h.getJob)

	return api.Wrap(mux, cfg.Metrics)
}

type handler struct {
	worker *Worker
}

func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	var cfg batch.JobConfig
	if !api.DecodeJSON(w, r, &cfg) {
		return
	}
	if err := h.worker.CreateJob(r.Context(), &cfg); err != nil {
		api.HandleError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, struct{}{})
}

func (h *handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	key, err := jobKey(r)
	if err != nil {
		api.HandleError(w, r, err)
		return
	}
	if err := h.worker.DeleteJob(r.Context(), key); err != nil {
		api.HandleError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, struct{}{})
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	key, err := jobKey(r)
	if err != nil {
		api.HandleError(w, r, err)
		return
	}
	view, err := h.worker.GetJob(key)
	if err != nil {
		api.HandleError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, view)
}

func jobKey(r *http.Request) (batch.JobKey, error) {
	batchID, err := strconv.ParseInt(r.PathValue("batch_id"), 10, 64)
	if err != nil || batchID <= 0 {
		return batch.JobKey{}, apperrors.Validation("batch_id", "batch_id must be a positive integer")
	}
	jobID, err := strconv.ParseInt(r.PathValue("job_id"), 10, 64)
	if err != nil || jobID <= 0 {
		return batch.JobKey{}, apperrors.Validation("job_id", "job_id must be a positive integer")
	}
	return batch.JobKey{BatchID: batchID, JobID: jobID}, nil
}
