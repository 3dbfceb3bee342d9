package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okoabh/okoa-automated-processor-sub000/internal/domain"
)

// JobStats is the 24h aggregate used by the metrics projection and the
// scale decision (average job duration).
type JobStats struct {
	Completed24h    int
	Failed24h       int
	AvgProcessingMs float64
	TotalCost24h    float64
	TotalTokens24h  int64
}

// JobStore abstracts all database access for jobs. The jobs table is
// the single source of truth for queue state; there is no broker-side
// or in-memory queue to keep consistent with it.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	// ClaimNext atomically assigns the highest-priority QUEUED job
	// (ties broken by earliest queued_at) to the given agent: the job
	// moves to PROCESSING and the agent row is linked in the same
	// transaction. Returns (nil, nil) when the queue is empty.
	ClaimNext(ctx context.Context, agentID string, now time.Time) (*domain.Job, error)
	// Complete finishes a PROCESSING job and releases its agent back to
	// WARM, folding tokens, cost and duration into the agent's
	// cumulative metrics, all in one transaction.
	Complete(ctx context.Context, jobID string, result *domain.JobResult, tokens int64, cost float64, durationMs int64, now time.Time) error
	// Requeue returns a PROCESSING job to QUEUED with retry_count+1 and
	// releases its agent. expectedAgent is the holder the caller
	// observed; if the job has since moved on (completed, requeued, or
	// reclaimed by a different agent) the stale request gets
	// JobReassignedError and nothing changes. The update is also
	// guarded by retry_count < domain.MaxRetries; callers get (nil,
	// nil) when the budget is spent and should fail the job instead.
	Requeue(ctx context.Context, jobID string, expectedAgent *string, errMsg string, now time.Time) (*domain.Job, error)
	// Fail marks a PROCESSING job permanently FAILED and releases its
	// agent. Stale requests are rejected the same way as Requeue.
	Fail(ctx context.Context, jobID string, expectedAgent *string, errMsg string, now time.Time) error
	CountByStatus(ctx context.Context, status domain.JobStatus) (int, error)
	ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]*domain.Job, error)
	Stats24h(ctx context.Context, now time.Time) (JobStats, error)
}

type jobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore wraps a pgxpool with the JobStore interface.
func NewJobStore(pool *pgxpool.Pool) JobStore {
	return &jobStore{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (s *jobStore) Create(ctx context.Context, job *domain.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs
			(id, document_id, type, status, priority, retry_count, queued_at, estimated_cost)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		job.ID, job.DocumentID, job.Type, string(job.Status),
		job.Priority, job.RetryCount, job.QueuedAt, job.EstimatedCost,
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

const jobColumns = `
	id, document_id, type, status, priority, retry_count, agent_id,
	queued_at, started_at, completed_at,
	estimated_cost, actual_cost, actual_tokens, error_message, result
`

func (s *jobStore) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.JobNotFoundError{JobID: id}
		}
		return nil, err
	}
	return job, nil
}

func (s *jobStore) ClaimNext(ctx context.Context, agentID string, now time.Time) (*domain.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// SKIP LOCKED makes the claim exactly-once under concurrent
	// callers: two agents can never select the same row.
	row := tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = $1, agent_id = $2, started_at = $3
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $4
			ORDER BY priority ASC, queued_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		string(domain.JobProcessing), agentID, now, string(domain.JobQueued),
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // queue empty
		}
		return nil, fmt.Errorf("claim next job: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE agents
		SET status = $1, current_job_id = $2, last_active_at = $3
		WHERE id = $4 AND status = $5
	`, string(domain.AgentProcessing), job.ID, now, agentID, string(domain.AgentWarm))
	if err != nil {
		return nil, fmt.Errorf("link agent %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		// Agent vanished or is not WARM; rolling back leaves the job QUEUED.
		return nil, &domain.AgentNotFoundError{AgentID: agentID}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

func (s *jobStore) Complete(ctx context.Context, jobID string, result *domain.JobResult, tokens int64, cost float64, durationMs int64, now time.Time) error {
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result for job %s: %w", jobID, err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var agentID *string
	if err := tx.QueryRow(ctx, `SELECT agent_id FROM jobs WHERE id = $1`, jobID).Scan(&agentID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &domain.JobNotFoundError{JobID: jobID}
		}
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $1, completed_at = $2, actual_cost = $3, actual_tokens = $4,
		    result = $5, agent_id = NULL, error_message = ''
		WHERE id = $6 AND status = $7
	`, string(domain.JobCompleted), now, cost, tokens, resultJSON, jobID, string(domain.JobProcessing))
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.InvalidTransitionError{Entity: "job", From: "non-processing", Event: string(domain.JobEventComplete)}
	}

	if agentID != nil {
		if err := releaseAgent(ctx, tx, *agentID, tokens, cost, durationMs, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit complete: %w", err)
	}
	return nil
}

func (s *jobStore) Requeue(ctx context.Context, jobID string, expectedAgent *string, errMsg string, now time.Time) (*domain.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin requeue: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Locking the row first closes the window between a caller's
	// snapshot and this update: a job requeued and reclaimed by another
	// agent in between must not be requeued again on its behalf.
	var status string
	var agentID *string
	if err := tx.QueryRow(ctx, `SELECT status, agent_id FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&status, &agentID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.JobNotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if status != string(domain.JobProcessing) || !sameAgent(agentID, expectedAgent) {
		return nil, &domain.JobReassignedError{JobID: jobID}
	}

	row := tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = $1, retry_count = retry_count + 1,
		    agent_id = NULL, started_at = NULL, error_message = $2
		WHERE id = $3 AND retry_count < $4
		RETURNING `+jobColumns,
		string(domain.JobQueued), errMsg, jobID, domain.MaxRetries,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // retry budget exhausted
		}
		return nil, fmt.Errorf("requeue job %s: %w", jobID, err)
	}

	if agentID != nil {
		if err := releaseAgent(ctx, tx, *agentID, 0, 0, 0, now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit requeue: %w", err)
	}
	return job, nil
}

func (s *jobStore) Fail(ctx context.Context, jobID string, expectedAgent *string, errMsg string, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fail: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	var agentID *string
	if err := tx.QueryRow(ctx, `SELECT status, agent_id FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&status, &agentID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &domain.JobNotFoundError{JobID: jobID}
		}
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if status != string(domain.JobProcessing) || !sameAgent(agentID, expectedAgent) {
		return &domain.JobReassignedError{JobID: jobID}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $1, completed_at = $2, agent_id = NULL, error_message = $3
		WHERE id = $4
	`, string(domain.JobFailed), now, errMsg, jobID); err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}

	if agentID != nil {
		if err := releaseAgent(ctx, tx, *agentID, 0, 0, 0, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fail: %w", err)
	}
	return nil
}

// sameAgent compares two nullable agent IDs, treating nil as "no agent".
func sameAgent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// releaseAgent puts an agent back to WARM after its job finished. The
// agent is not penalized for job failure; metrics only move on success
// (tokens/cost/duration are zero otherwise).
func releaseAgent(ctx context.Context, tx pgx.Tx, agentID string, tokens int64, cost float64, durationMs int64, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE agents
		SET status = $1,
		    current_job_id = NULL,
		    last_active_at = $2,
		    documents_processed = documents_processed + CASE WHEN $3::bigint > 0 OR $4::float8 > 0 THEN 1 ELSE 0 END,
		    total_tokens_used = total_tokens_used + $3,
		    total_cost = total_cost + $4,
		    average_processing_ms = CASE
		        WHEN $5::bigint > 0 THEN
		            (COALESCE(average_processing_ms, 0) * documents_processed + $5) / (documents_processed + 1)
		        ELSE average_processing_ms
		    END
		WHERE id = $6 AND status = $7
	`, string(domain.AgentWarm), now, tokens, cost, durationMs, agentID, string(domain.AgentProcessing))
	if err != nil {
		return fmt.Errorf("release agent %s: %w", agentID, err)
	}
	return nil
}

func (s *jobStore) CountByStatus(ctx context.Context, status domain.JobStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = $1`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs by status %s: %w", status, err)
	}
	return n, nil
}

func (s *jobStore) ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1
		ORDER BY priority ASC, queued_at ASC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status %s: %w", status, err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *jobStore) Stats24h(ctx context.Context, now time.Time) (JobStats, error) {
	since := now.Add(-24 * time.Hour)
	var st JobStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2),
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000)
				FILTER (WHERE status = $1 AND started_at IS NOT NULL), 0),
			COALESCE(SUM(actual_cost) FILTER (WHERE status = $1), 0),
			COALESCE(SUM(actual_tokens) FILTER (WHERE status = $1), 0)
		FROM jobs
		WHERE completed_at >= $3
	`, string(domain.JobCompleted), string(domain.JobFailed), since).Scan(
		&st.Completed24h, &st.Failed24h, &st.AvgProcessingMs, &st.TotalCost24h, &st.TotalTokens24h,
	)
	if err != nil {
		return JobStats{}, fmt.Errorf("job stats: %w", err)
	}
	return st, nil
}

// scanJob reads a job row from any pgx row type.
func scanJob(row interface {
	Scan(...any) error
}) (*domain.Job, error) {
	var (
		job        domain.Job
		statusStr  string
		resultJSON []byte
	)
	err := row.Scan(
		&job.ID, &job.DocumentID, &job.Type, &statusStr, &job.Priority,
		&job.RetryCount, &job.AgentID,
		&job.QueuedAt, &job.StartedAt, &job.CompletedAt,
		&job.EstimatedCost, &job.ActualCost, &job.ActualTokens,
		&job.ErrorMessage, &resultJSON,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(statusStr)
	if len(resultJSON) > 0 {
		res, err := domain.DecodeResult(resultJSON)
		if err != nil {
			return nil, err
		}
		job.Result = res
	}
	return &job, nil
}
