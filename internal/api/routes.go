package api

import (
	"net/http"

	"batchdriver/internal/health"
	"batchdriver/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Driver        Driver
	Batches       BatchReader
	Pool          PoolReader
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
}

// NewRouter creates the driver's HTTP router.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Driver, cfg.Batches, cfg.Pool)
	probes := HealthHandlers{Checker: cfg.HealthChecker}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /livez", probes.Livez)
	mux.HandleFunc("GET /readyz", probes.Readyz)

	// Worker-facing endpoints
	mux.HandleFunc("POST /api/v1alpha/instances/activate", handler.ActivateInstance)
	mux.HandleFunc("POST /api/v1alpha/instances/deactivate", handler.DeactivateInstance)
	mux.HandleFunc("POST /api/v1alpha/instances/job_complete", handler.JobComplete)

	// Read-only views
	mux.HandleFunc("GET /api/v1alpha/instances", handler.ListInstances)
	mux.HandleFunc("GET /api/v1alpha/batches/{batch_id}", handler.GetBatch)
	mux.HandleFunc("GET /api/v1alpha/batches/{batch_id}/jobs/{job_id}", handler.GetJob)

	return Wrap(mux, cfg.Metrics)
}
