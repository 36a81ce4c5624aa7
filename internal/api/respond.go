package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"batchdriver/internal/apperrors"
	"batchdriver/internal/health"
)

// MaxRequestBodySize limits request bodies to 1MB.
const MaxRequestBodySize = 1 << 20

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// WriteError writes an error response
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// HandleError maps an application error to its HTTP status code.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	WriteError(w, status, err.Error())
}

// DecodeJSON reads a size-limited JSON body into v. On failure it writes a
// 400 and returns false.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// HealthHandlers serves the liveness and readiness probes.
type HealthHandlers struct {
	Checker *health.Checker
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h HealthHandlers) Livez(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.Checker.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when a critical dependency is unavailable.
func (h HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.Checker.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	WriteJSON(w, status, response)
}
