package batch

// Counts are the per-batch job counters maintained by the store.
type Counts struct {
	NJobs      int `json:"n_jobs"`
	NCompleted int `json:"n_completed"`
	NSucceeded int `json:"n_succeeded"`
	NFailed    int `json:"n_failed"`
	NCancelled int `json:"n_cancelled"`
}

// Batch summary states.
const (
	BatchFailure   = "failure"
	BatchCancelled = "cancelled"
	BatchSuccess   = "success"
	BatchRunning   = "running"
)

// BatchSummary is the client-facing view of a batch, also used as the
// completion callback body.
type BatchSummary struct {
	ID         int64             `json:"id"`
	State      string            `json:"state"`
	Complete   bool              `json:"complete"`
	Closed     bool              `json:"closed"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Jobs       []JobSummary      `json:"jobs,omitempty"`
}

// SummarizeBatch derives the batch state. Failure wins over cancellation,
// which wins over success.
func SummarizeBatch(id int64, closed bool, c Counts, attributes map[string]string) BatchSummary {
	var state string
	switch {
	case c.NFailed > 0:
		state = BatchFailure
	case c.NCancelled > 0:
		state = BatchCancelled
	case closed && c.NSucceeded == c.NJobs:
		state = BatchSuccess
	default:
		state = BatchRunning
	}
	s := BatchSummary{
		ID:       id,
		State:    state,
		Complete: IsBatchComplete(closed, c),
		Closed:   closed,
	}
	if len(attributes) > 0 {
		s.Attributes = attributes
	}
	return s
}

// IsBatchComplete reports whether every job of a closed batch is terminal.
func IsBatchComplete(closed bool, c Counts) bool {
	return closed && c.NCompleted == c.NJobs
}

// JobSummary is the client-facing view of a job.
type JobSummary struct {
	BatchID    int64               `json:"batch_id"`
	JobID      int64               `json:"job_id"`
	State      JobState            `json:"state"`
	Error      string              `json:"error,omitempty"`
	ExitCode   map[string]*int     `json:"exit_code,omitempty"`
	Duration   map[string]*float64 `json:"duration,omitempty"`
	Message    map[string]*string  `json:"message,omitempty"`
	Attributes map[string]string   `json:"attributes,omitempty"`
}

// SummarizeJob builds a job summary; per-task fields are only present when
// the job has a status.
func SummarizeJob(key JobKey, state JobState, status Status, attributes map[string]string) JobSummary {
	s := JobSummary{
		BatchID: key.BatchID,
		JobID:   key.JobID,
		State:   state,
	}
	if status != nil {
		s.Error = status.Err()
		s.ExitCode = make(map[string]*int, len(Tasks))
		s.Duration = make(map[string]*float64, len(Tasks))
		s.Message = make(map[string]*string, len(Tasks))
		for _, name := range Tasks {
			ts := status.Task(name)
			s.ExitCode[name] = ts.ExitCode()
			if ts != nil {
				s.Duration[name] = ts.Timing.Runtime
			} else {
				s.Duration[name] = nil
			}
			if msg := ts.Message(); msg != "" {
				s.Message[name] = &msg
			} else {
				s.Message[name] = nil
			}
		}
	}
	if len(attributes) > 0 {
		s.Attributes = attributes
	}
	return s
}
