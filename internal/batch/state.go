// Package batch defines the job lifecycle states, the job wire formats shared
// by the driver and workers, and the summaries reported to clients.
package batch

import (
	"fmt"
	"strconv"
)

// JobState is the persisted state of a job.
type JobState string

const (
	Ready     JobState = "Ready"
	Running   JobState = "Running"
	Complete  JobState = "Complete"
	Cancelled JobState = "Cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobState) IsTerminal() bool {
	return s == Complete || s == Cancelled
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	switch s {
	case Ready, Running, Complete, Cancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows from -> to.
//
//	Ready   -> Running | Cancelled
//	Running -> Complete | Cancelled | Ready (unscheduled, not cancelled)
func CanTransition(from, to JobState) bool {
	switch from {
	case Ready:
		return to == Running || to == Cancelled
	case Running:
		return to == Complete || to == Cancelled || to == Ready
	default:
		return false
	}
}

// JobKey identifies a job within the system.
type JobKey struct {
	BatchID int64 `json:"batch_id"`
	JobID   int64 `json:"job_id"`
}

func (k JobKey) String() string {
	return strconv.FormatInt(k.BatchID, 10) + "/" + strconv.FormatInt(k.JobID, 10)
}

// ParseJobKey parses the "batch/job" form produced by String.
func ParseJobKey(s string) (JobKey, error) {
	var k JobKey
	if _, err := fmt.Sscanf(s, "%d/%d", &k.BatchID, &k.JobID); err != nil {
		return JobKey{}, fmt.Errorf("invalid job key %q: %w", s, err)
	}
	return k, nil
}
