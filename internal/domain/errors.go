package domain

import "fmt"

// JobNotFoundError is returned when a job ID does not exist.
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

// AgentNotFoundError is returned when an agent ID does not exist.
type AgentNotFoundError struct {
	AgentID string
}

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("agent not found: %s", e.AgentID)
}

// InvalidTransitionError is returned when a state-machine event is not
// legal in the current state.
type InvalidTransitionError struct {
	Entity string
	From   string
	Event  string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition: event %q in state %q", e.Entity, e.Event, e.From)
}

// JobReassignedError is returned when a requeue or failure report
// arrives for a job that is no longer held by the agent the caller
// observed. The report is stale and must be dropped, not applied to
// the job's new incarnation.
type JobReassignedError struct {
	JobID string
}

func (e *JobReassignedError) Error() string {
	return fmt.Sprintf("job %s is no longer held by the reporting agent", e.JobID)
}

// InvalidAgentTypeError is returned when no specialist profile is
// registered for an agent type.
type InvalidAgentTypeError struct {
	AgentType string
}

func (e *InvalidAgentTypeError) Error() string {
	return fmt.Sprintf("no specialist profile registered for agent type %q", e.AgentType)
}

// RateLimitExceededError is returned when a job type exceeds its
// enqueue rate limit.
type RateLimitExceededError struct {
	JobType string
	Limit   int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for job type %q: limit is %d", e.JobType, e.Limit)
}
