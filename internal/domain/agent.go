package domain

import "time"

// AgentStatus represents the lifecycle states of a processing agent.
type AgentStatus string

const (
	AgentScalingUp   AgentStatus = "SCALING_UP"
	AgentWarm        AgentStatus = "WARM"
	AgentProcessing  AgentStatus = "PROCESSING"
	AgentScalingDown AgentStatus = "SCALING_DOWN"
	AgentError       AgentStatus = "ERROR"
)

// Available reports whether the agent counts toward the live pool for
// scaling decisions. ERROR agents are excluded entirely.
func (s AgentStatus) Available() bool {
	return s == AgentWarm || s == AgentProcessing || s == AgentScalingDown
}

// AgentEvent is an input to the agent state machine.
type AgentEvent string

const (
	AgentEventPrimed      AgentEvent = "primed"       // context priming succeeded
	AgentEventPrimeFailed AgentEvent = "prime_failed" // context priming failed
	AgentEventAssign      AgentEvent = "assign"       // claimed a job
	AgentEventRelease     AgentEvent = "release"      // job finished (either outcome)
	AgentEventDrain       AgentEvent = "drain"        // scheduled for shutdown
	AgentEventCancelDrain AgentEvent = "cancel_drain" // demand returned before the deadline
)

// NextAgentStatus is the canonical statement of the legal agent
// transitions; the store's guarded UPDATEs mirror the same pairs.
func NextAgentStatus(cur AgentStatus, ev AgentEvent) (AgentStatus, error) {
	switch cur {
	case AgentScalingUp:
		switch ev {
		case AgentEventPrimed:
			return AgentWarm, nil
		case AgentEventPrimeFailed:
			return AgentError, nil
		}
	case AgentWarm:
		switch ev {
		case AgentEventAssign:
			return AgentProcessing, nil
		case AgentEventDrain:
			return AgentScalingDown, nil
		}
	case AgentProcessing:
		if ev == AgentEventRelease {
			return AgentWarm, nil
		}
	case AgentScalingDown:
		if ev == AgentEventCancelDrain {
			return AgentWarm, nil
		}
	}
	return cur, &InvalidTransitionError{Entity: "agent", From: string(cur), Event: string(ev)}
}

// Agent is a logical processing slot. Once warm it claims and executes
// one job at a time against the inference provider.
type Agent struct {
	ID     string      `json:"id"`
	Type   string      `json:"type"`
	Status AgentStatus `json:"status"`
	// ContextLoaded flips when the costly specialist context has been
	// primed; a warm agent accepts work without additional priming cost.
	ContextLoaded bool    `json:"context_loaded"`
	CurrentJobID  *string `json:"current_job_id,omitempty"`

	DocumentsProcessed  int64    `json:"documents_processed"`
	TotalTokensUsed     int64    `json:"total_tokens_used"`
	TotalCost           float64  `json:"total_cost"`
	AverageProcessingMs *float64 `json:"average_processing_ms,omitempty"`

	LastActiveAt         time.Time  `json:"last_active_at"`
	ScheduledForShutdown *time.Time `json:"scheduled_for_shutdown,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}
