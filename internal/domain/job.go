package domain

import "time"

// JobStatus represents the states a processing job can be in.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobEvent is an input to the job state machine.
type JobEvent string

const (
	JobEventClaim    JobEvent = "claim"    // a warm agent takes the job
	JobEventComplete JobEvent = "complete" // agent reports success
	JobEventFail     JobEvent = "fail"     // agent reports a permanent failure
	JobEventRequeue  JobEvent = "requeue"  // retryable failure or orphan recovery
)

// MaxRetries is the retry budget per job. A retryable failure at
// RetryCount == MaxRetries becomes permanent.
const MaxRetries = 3

// NextJobStatus is the canonical statement of the legal job
// transitions: illegal (status, event) pairs are rejected rather than
// silently applied. The postgres store enforces the same pairs with
// guarded UPDATEs; tests assert the two stay in agreement.
func NextJobStatus(cur JobStatus, ev JobEvent) (JobStatus, error) {
	switch cur {
	case JobQueued:
		if ev == JobEventClaim {
			return JobProcessing, nil
		}
	case JobProcessing:
		switch ev {
		case JobEventComplete:
			return JobCompleted, nil
		case JobEventFail:
			return JobFailed, nil
		case JobEventRequeue:
			return JobQueued, nil
		}
	}
	return cur, &InvalidTransitionError{Entity: "job", From: string(cur), Event: string(ev)}
}

// Job is one document moving through the pipeline. The jobs table is
// the single source of truth; there is no in-memory queue.
type Job struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Type       string    `json:"type"`
	Status     JobStatus `json:"status"`
	// Priority orders claiming: lower value = more urgent, ties broken
	// by earliest QueuedAt.
	Priority   int     `json:"priority"`
	RetryCount int     `json:"retry_count"`
	AgentID    *string `json:"agent_id,omitempty"`

	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	EstimatedCost *float64 `json:"estimated_cost,omitempty"`
	ActualCost    *float64 `json:"actual_cost,omitempty"`
	ActualTokens  *int64   `json:"actual_tokens,omitempty"`

	ErrorMessage string     `json:"error_message,omitempty"`
	Result       *JobResult `json:"result,omitempty"`
}
