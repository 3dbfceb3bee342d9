package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Topics for the outbound event stream and the inbound document feed.
const (
	TopicEvents   = "okoa.events"
	TopicIngested = "okoa.documents.ingested"
)

// Event is the envelope every outbound notification uses. Delivery is
// unordered and best-effort; consumers must tolerate duplicates.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Outbound event types.
const (
	EventJobQueued       = "job_queued"
	EventJobCompleted    = "job_completed"
	EventJobFailed       = "job_failed"
	EventAgentScaledUp   = "agent_scaled_up"
	EventAgentScaledDown = "agent_scaled_down"
	EventAgentReaped     = "agent_reaped"
	EventBudgetCapped    = "budget_capped"
)

// DocumentIngested is the inbound feed message: an upstream receiver
// announces a stored document that needs processing.
type DocumentIngested struct {
	DocumentID string `json:"document_id"`
	JobType    string `json:"job_type"`
	Priority   int    `json:"priority"`
}

// Emitter is the fire-and-forget notification sink. Publish failures
// are logged and swallowed — they must never fail or delay a job.
type Emitter struct {
	producer Producer
	logger   *slog.Logger
}

// NewEmitter wraps a Producer as an Emitter.
func NewEmitter(producer Producer, logger *slog.Logger) *Emitter {
	return &Emitter{producer: producer, logger: logger}
}

// Emit publishes an event to the events topic. Never returns an error.
func (e *Emitter) Emit(ctx context.Context, eventType string, fields map[string]any) {
	if e == nil || e.producer == nil {
		return
	}
	payload, err := json.Marshal(Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	})
	if err != nil {
		e.logger.Error("marshal event", slog.String("type", eventType), slog.String("error", err.Error()))
		return
	}
	if err := e.producer.Publish(ctx, TopicEvents, eventType, payload); err != nil {
		e.logger.Error("emit event failed",
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
	}
}
