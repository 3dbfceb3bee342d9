package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/okoabh/okoa-automated-processor-sub000/internal/domain"
	"github.com/okoabh/okoa-automated-processor-sub000/internal/postgres"
	redisstore "github.com/okoabh/okoa-automated-processor-sub000/internal/redis"
	"github.com/okoabh/okoa-automated-processor-sub000/pkg/telemetry"
)

// Snapshot is the read model pushed to dashboards. Derived on demand
// from the job and agent tables; never authoritative state.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	QueueDepth int `json:"queue_depth"`
	InFlight   int `json:"in_flight"`

	Completed24h    int     `json:"completed_24h"`
	Failed24h       int     `json:"failed_24h"`
	AvgProcessingMs float64 `json:"avg_processing_ms"`
	TotalCost24h    float64 `json:"total_cost_24h"`
	TotalTokens24h  int64   `json:"total_tokens_24h"`
	AvgCostPerDoc   float64 `json:"avg_cost_per_doc"`

	SpentToday  float64 `json:"spent_today"`
	DailyBudget float64 `json:"daily_budget"`

	Agents     []AgentSnapshot `json:"agents"`
	ActiveJobs []ActiveJob     `json:"active_jobs"`
}

// AgentSnapshot is one agent's row in the dashboard.
type AgentSnapshot struct {
	ID                  string             `json:"id"`
	Type                string             `json:"type"`
	Status              domain.AgentStatus `json:"status"`
	CurrentJobID        *string            `json:"current_job_id,omitempty"`
	DocumentsProcessed  int64              `json:"documents_processed"`
	TotalTokensUsed     int64              `json:"total_tokens_used"`
	TotalCost           float64            `json:"total_cost"`
	AverageProcessingMs *float64           `json:"average_processing_ms,omitempty"`
}

// ActiveJob is one in-flight job with its elapsed time.
type ActiveJob struct {
	JobID      string  `json:"job_id"`
	DocumentID string  `json:"document_id"`
	Type       string  `json:"type"`
	AgentID    *string `json:"agent_id,omitempty"`
	ElapsedMs  int64   `json:"elapsed_ms"`
}

// Aggregator computes metrics snapshots.
type Aggregator struct {
	jobs        postgres.JobStore
	agents      postgres.AgentStore
	ledger      redisstore.CostLedger
	dailyBudget float64

	now func() time.Time
}

// NewAggregator wires the read model.
func NewAggregator(jobs postgres.JobStore, agents postgres.AgentStore, ledger redisstore.CostLedger, dailyBudget float64) *Aggregator {
	return &Aggregator{
		jobs:        jobs,
		agents:      agents,
		ledger:      ledger,
		dailyBudget: dailyBudget,
		now:         time.Now,
	}
}

// Snapshot recomputes the full read model. Also refreshes the agent
// status gauges so Prometheus and the dashboard stream agree.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	now := a.now().UTC()
	s := &Snapshot{Timestamp: now, DailyBudget: a.dailyBudget}

	var err error
	if s.QueueDepth, err = a.jobs.CountByStatus(ctx, domain.JobQueued); err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}

	stats, err := a.jobs.Stats24h(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	s.Completed24h = stats.Completed24h
	s.Failed24h = stats.Failed24h
	s.AvgProcessingMs = stats.AvgProcessingMs
	s.TotalCost24h = stats.TotalCost24h
	s.TotalTokens24h = stats.TotalTokens24h
	if stats.Completed24h > 0 {
		s.AvgCostPerDoc = stats.TotalCost24h / float64(stats.Completed24h)
	}

	if s.SpentToday, err = a.ledger.SpentOn(ctx, now); err != nil {
		return nil, fmt.Errorf("cost ledger: %w", err)
	}

	agents, err := a.agents.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	byStatus := map[domain.AgentStatus]int{}
	s.Agents = make([]AgentSnapshot, 0, len(agents))
	for _, ag := range agents {
		byStatus[ag.Status]++
		s.Agents = append(s.Agents, AgentSnapshot{
			ID:                  ag.ID,
			Type:                ag.Type,
			Status:              ag.Status,
			CurrentJobID:        ag.CurrentJobID,
			DocumentsProcessed:  ag.DocumentsProcessed,
			TotalTokensUsed:     ag.TotalTokensUsed,
			TotalCost:           ag.TotalCost,
			AverageProcessingMs: ag.AverageProcessingMs,
		})
	}
	for _, st := range []domain.AgentStatus{
		domain.AgentScalingUp, domain.AgentWarm, domain.AgentProcessing,
		domain.AgentScalingDown, domain.AgentError,
	} {
		telemetry.PoolAgents.WithLabelValues(string(st)).Set(float64(byStatus[st]))
	}

	inflight, err := a.jobs.ListByStatus(ctx, domain.JobProcessing, 100)
	if err != nil {
		return nil, fmt.Errorf("list in-flight jobs: %w", err)
	}
	s.InFlight = len(inflight)
	s.ActiveJobs = make([]ActiveJob, 0, len(inflight))
	for _, j := range inflight {
		aj := ActiveJob{
			JobID:      j.ID,
			DocumentID: j.DocumentID,
			Type:       j.Type,
			AgentID:    j.AgentID,
		}
		if j.StartedAt != nil {
			aj.ElapsedMs = now.Sub(*j.StartedAt).Milliseconds()
		}
		s.ActiveJobs = append(s.ActiveJobs, aj)
	}

	return s, nil
}
