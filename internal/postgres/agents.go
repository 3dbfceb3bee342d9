package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okoabh/okoa-automated-processor-sub000/internal/domain"
)

// AgentStore abstracts all database access for the worker registry.
type AgentStore interface {
	Create(ctx context.Context, agent *domain.Agent) error
	GetByID(ctx context.Context, id string) (*domain.Agent, error)
	List(ctx context.Context) ([]*domain.Agent, error)
	// CountLive counts agents that participate in scaling decisions
	// (SCALING_UP, WARM, PROCESSING, SCALING_DOWN). ERROR agents are
	// excluded; counting SCALING_UP keeps concurrent ticks from creating
	// more agents while priming is still in flight.
	CountLive(ctx context.Context) (int, error)
	// SetPrimed moves SCALING_UP → WARM once context priming succeeded.
	SetPrimed(ctx context.Context, id string, now time.Time) error
	// SetPrimeFailed moves SCALING_UP → ERROR; the agent stays in the
	// registry for operator visibility but never joins the pool.
	SetPrimeFailed(ctx context.Context, id string, now time.Time) error
	// ScheduleShutdown moves WARM → SCALING_DOWN with a grace deadline.
	ScheduleShutdown(ctx context.Context, id string, deadline time.Time) error
	// CancelShutdown moves SCALING_DOWN → WARM and clears the deadline.
	CancelShutdown(ctx context.Context, id string) error
	// Delete removes the agent. PROCESSING agents are refused.
	Delete(ctx context.Context, id string) error
}

type agentStore struct {
	pool *pgxpool.Pool
}

// NewAgentStore wraps a pgxpool with the AgentStore interface.
func NewAgentStore(pool *pgxpool.Pool) AgentStore {
	return &agentStore{pool: pool}
}

const agentColumns = `
	id, type, status, context_loaded, current_job_id,
	documents_processed, total_tokens_used, total_cost, average_processing_ms,
	last_active_at, scheduled_for_shutdown, created_at
`

func (s *agentStore) Create(ctx context.Context, agent *domain.Agent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents
			(id, type, status, context_loaded, last_active_at, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6)
	`, agent.ID, agent.Type, string(agent.Status), agent.ContextLoaded, agent.LastActiveAt, agent.CreatedAt)
	if err != nil {
		return fmt.Errorf("create agent %s: %w", agent.ID, err)
	}
	return nil
}

func (s *agentStore) GetByID(ctx context.Context, id string) (*domain.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.AgentNotFoundError{AgentID: id}
		}
		return nil, err
	}
	return agent, nil
}

func (s *agentStore) List(ctx context.Context) ([]*domain.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*domain.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (s *agentStore) CountLive(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM agents WHERE status = ANY($1)
	`, []string{
		string(domain.AgentScalingUp),
		string(domain.AgentWarm),
		string(domain.AgentProcessing),
		string(domain.AgentScalingDown),
	}).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count live agents: %w", err)
	}
	return n, nil
}

func (s *agentStore) SetPrimed(ctx context.Context, id string, now time.Time) error {
	return s.transition(ctx, `
		UPDATE agents
		SET status = $1, context_loaded = TRUE, last_active_at = $2
		WHERE id = $3 AND status = $4
	`, id, string(domain.AgentWarm), now, id, string(domain.AgentScalingUp))
}

func (s *agentStore) SetPrimeFailed(ctx context.Context, id string, now time.Time) error {
	return s.transition(ctx, `
		UPDATE agents
		SET status = $1, last_active_at = $2
		WHERE id = $3 AND status = $4
	`, id, string(domain.AgentError), now, id, string(domain.AgentScalingUp))
}

func (s *agentStore) ScheduleShutdown(ctx context.Context, id string, deadline time.Time) error {
	return s.transition(ctx, `
		UPDATE agents
		SET status = $1, scheduled_for_shutdown = $2
		WHERE id = $3 AND status = $4
	`, id, string(domain.AgentScalingDown), deadline, id, string(domain.AgentWarm))
}

func (s *agentStore) CancelShutdown(ctx context.Context, id string) error {
	return s.transition(ctx, `
		UPDATE agents
		SET status = $1, scheduled_for_shutdown = NULL
		WHERE id = $2 AND status = $3
	`, id, string(domain.AgentWarm), id, string(domain.AgentScalingDown))
}

func (s *agentStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM agents WHERE id = $1 AND status <> $2
	`, id, string(domain.AgentProcessing))
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.AgentNotFoundError{AgentID: id}
	}
	return nil
}

// transition runs a guarded single-row update; zero rows affected means
// the agent was missing or in the wrong state.
func (s *agentStore) transition(ctx context.Context, sql, id string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("agent %s transition: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.AgentNotFoundError{AgentID: id}
	}
	return nil
}

// scanAgent reads an agent row from any pgx row type.
func scanAgent(row interface {
	Scan(...any) error
}) (*domain.Agent, error) {
	var (
		agent     domain.Agent
		statusStr string
	)
	err := row.Scan(
		&agent.ID, &agent.Type, &statusStr, &agent.ContextLoaded, &agent.CurrentJobID,
		&agent.DocumentsProcessed, &agent.TotalTokensUsed, &agent.TotalCost, &agent.AverageProcessingMs,
		&agent.LastActiveAt, &agent.ScheduledForShutdown, &agent.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	agent.Status = domain.AgentStatus(statusStr)
	return &agent, nil
}
