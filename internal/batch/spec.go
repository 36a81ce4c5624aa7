package batch

import (
	"encoding/json"
	"fmt"

	"batchdriver/internal/apperrors"
)

// JobSpec is the user-submitted description of a job. The driver treats it as
// opaque apart from the secrets it must resolve before placement.
type JobSpec struct {
	Image      string            `json:"image"`
	Command    []string          `json:"command"`
	Env        map[string]string `json:"env,omitempty"`
	Secrets    []SecretRef       `json:"secrets,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// SecretRef names a secret to be mounted into the job container.
type SecretRef struct {
	Name      string `json:"name"`
	MountPath string `json:"mount_path"`
}

// Secret is a resolved SecretRef.
type Secret struct {
	Name      string            `json:"name"`
	MountPath string            `json:"mount_path"`
	Data      map[string]string `json:"data"`
}

// JobConfig is the body of the worker's create-job request.
type JobConfig struct {
	BatchID   int64    `json:"batch_id"`
	JobID     int64    `json:"job_id"`
	User      string   `json:"user"`
	CoresMcpu int64    `json:"cores_mcpu"`
	Directory string   `json:"directory,omitempty"`
	Spec      JobSpec  `json:"job_spec"`
	Secrets   []Secret `json:"secrets,omitempty"`
}

// Key returns the job key of the config.
func (c *JobConfig) Key() JobKey {
	return JobKey{BatchID: c.BatchID, JobID: c.JobID}
}

// ParseJobSpec decodes and validates a stored job spec.
func ParseJobSpec(data []byte) (*JobSpec, error) {
	var spec JobSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, apperrors.Validation("spec", fmt.Sprintf("invalid job spec: %v", err))
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks the fields a worker needs to run the job.
func (s *JobSpec) Validate() error {
	if s.Image == "" {
		return apperrors.Validation("image", "image is required")
	}
	if len(s.Command) == 0 {
		return apperrors.Validation("command", "command is required")
	}
	for i, ref := range s.Secrets {
		if ref.Name == "" {
			return apperrors.Validation("secrets", fmt.Sprintf("secrets[%d]: name is required", i))
		}
		if ref.MountPath == "" {
			return apperrors.Validation("secrets", fmt.Sprintf("secrets[%d]: mount_path is required", i))
		}
	}
	return nil
}

// Validate checks a create-job request received by a worker.
func (c *JobConfig) Validate() error {
	if c.BatchID <= 0 || c.JobID <= 0 {
		return apperrors.Validation("job_id", "batch_id and job_id must be positive")
	}
	if c.CoresMcpu <= 0 {
		return apperrors.Validation("cores_mcpu", "cores_mcpu must be positive")
	}
	return c.Spec.Validate()
}
