package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestValidation(t *testing.T) {
	t.Parallel()
	err := Validation("cores_mcpu", "cores_mcpu must be positive")

	if !errors.Is(err, ErrValidation) {
		t.Error("expected error to match ErrValidation")
	}
	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Field != "cores_mcpu" {
		t.Errorf("expected field 'cores_mcpu', got %q", appErr.Field)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	err := NotFound("instance", "worker-1")

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected error to match ErrNotFound")
	}
	if err.Error() != "instance worker-1 not found" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestStale(t *testing.T) {
	t.Parallel()
	err := Stale("job", "3/1", "Ready")

	if !IsStale(err) || !errors.Is(err, ErrConflict) {
		t.Error("expected stale error to be a conflict")
	}
	if err.Error() != "job 3/1 is no longer Ready" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if IsStale(NotFound("job", "3/1")) {
		t.Error("not found is not stale")
	}
}

func TestUnavailableAndInternalKeepCause(t *testing.T) {
	t.Parallel()
	cause := context.DeadlineExceeded

	unavailable := Unavailable("worker.createJob", cause)
	if !errors.Is(unavailable, ErrUnavailable) || !errors.Is(unavailable, context.DeadlineExceeded) {
		t.Error("expected unavailable error to match sentinel and cause")
	}

	internal := Internal("pool.adjustCapacity", fmt.Errorf("free cores -1 out of range"))
	if !errors.Is(internal, ErrInternal) {
		t.Error("expected error to match ErrInternal")
	}
	if internal.Error() != "pool.adjustCapacity: free cores -1 out of range" {
		t.Errorf("unexpected message %q", internal.Error())
	}
	var appErr *Error
	if !errors.As(internal, &appErr) || appErr.Op != "pool.adjustCapacity" {
		t.Error("expected op to be preserved")
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", Validation("id", "required"), http.StatusBadRequest},
		{"not found", NotFound("job", "1/1"), http.StatusNotFound},
		{"conflict", Conflict("instance", "w-1", "already active"), http.StatusConflict},
		{"stale", Stale("job", "1/1", "Running"), http.StatusConflict},
		{"unavailable", Unavailable("store.ping", errors.New("refused")), http.StatusServiceUnavailable},
		{"internal", Internal("op", fmt.Errorf("fail")), http.StatusInternalServerError},
		{"wrapped validation", fmt.Errorf("wrap: %w", Validation("f", "m")), http.StatusBadRequest},
		{"unknown error", fmt.Errorf("unknown"), http.StatusInternalServerError},
		{"nil error", nil, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := HTTPStatus(tt.err); got != tt.expected {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}
