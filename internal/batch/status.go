package batch

import (
	"encoding/json"
	"fmt"
)

// Tasks are the containers a job may run, in execution order.
var Tasks = []string{"input", "main", "output"}

// Status is the terminal status payload a worker reports for a job. The wire
// form is JSON tagged with a "kind" discriminator.
type Status interface {
	Kind() string
	// Succeeded reports whether the job ran to completion without error.
	Succeeded() bool
	// Task returns the status of one task, or nil if it did not run.
	Task(name string) *TaskStatus
	// Err returns a job-level error message, if any.
	Err() string
}

// KindDocker tags statuses produced by the Docker runtime.
const KindDocker = "docker"

// DockerStatus is reported by workers that run tasks as Docker containers.
type DockerStatus struct {
	Worker            string                 `json:"worker,omitempty"`
	State             string                 `json:"state"`
	Error             string                 `json:"error,omitempty"`
	ContainerStatuses map[string]*TaskStatus `json:"container_statuses"`
}

// TaskStatus describes one container run.
type TaskStatus struct {
	Name            string          `json:"name,omitempty"`
	Error           string          `json:"error,omitempty"`
	ContainerStatus *ContainerState `json:"container_status,omitempty"`
	Timing          Timing          `json:"timing"`
}

// ContainerState is the exit information of a finished container.
type ContainerState struct {
	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Timing records how long a task ran, in seconds.
type Timing struct {
	Runtime *float64 `json:"runtime,omitempty"`
}

func (s *DockerStatus) Kind() string { return KindDocker }

func (s *DockerStatus) Err() string { return s.Error }

func (s *DockerStatus) Task(name string) *TaskStatus {
	if s.ContainerStatuses == nil {
		return nil
	}
	return s.ContainerStatuses[name]
}

// Succeeded requires the main task to have run and every task that ran to
// have exited 0 without error.
func (s *DockerStatus) Succeeded() bool {
	if s.Error != "" || s.Task("main") == nil {
		return false
	}
	for _, ts := range s.ContainerStatuses {
		if ts == nil {
			continue
		}
		if ts.Error != "" || ts.ContainerStatus == nil || ts.ContainerStatus.Error != "" {
			return false
		}
		if ts.ContainerStatus.ExitCode == nil || *ts.ContainerStatus.ExitCode != 0 {
			return false
		}
	}
	return true
}

// ExitCode returns the task's exit code, or nil if unknown.
func (t *TaskStatus) ExitCode() *int {
	if t == nil || t.ContainerStatus == nil {
		return nil
	}
	return t.ContainerStatus.ExitCode
}

// Message returns the task's execution error, falling back to the
// container-reported error.
func (t *TaskStatus) Message() string {
	if t == nil {
		return ""
	}
	if t.Error != "" {
		return t.Error
	}
	if t.ContainerStatus != nil {
		return t.ContainerStatus.Error
	}
	return ""
}

type envelope struct {
	Kind string `json:"kind"`
}

// UnmarshalStatus decodes a tagged status payload. Empty input and JSON null
// decode to a nil Status.
func UnmarshalStatus(data []byte) (Status, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to determine status kind: %w", err)
	}

	var status Status
	switch env.Kind {
	case KindDocker:
		status = &DockerStatus{}
	default:
		return nil, fmt.Errorf("unknown status kind: %q", env.Kind)
	}
	if err := json.Unmarshal(data, status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s status: %w", env.Kind, err)
	}
	return status, nil
}

// MarshalStatus encodes a status with its kind tag. A nil status encodes as nil.
func MarshalStatus(s Status) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(s.Kind())
	m["kind"] = kind
	return json.Marshal(m)
}

// RawStatus carries a tagged status through JSON request bodies.
type RawStatus struct {
	Status
}

func (r *RawStatus) UnmarshalJSON(data []byte) error {
	s, err := UnmarshalStatus(data)
	if err != nil {
		return err
	}
	r.Status = s
	return nil
}

func (r RawStatus) MarshalJSON() ([]byte, error) {
	if r.Status == nil {
		return []byte("null"), nil
	}
	return MarshalStatus(r.Status)
}
