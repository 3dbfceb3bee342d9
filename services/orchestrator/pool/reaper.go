package pool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/okoabh/okoa-automated-processor-sub000/internal/domain"
	"github.com/okoabh/okoa-automated-processor-sub000/internal/events"
	"github.com/okoabh/okoa-automated-processor-sub000/internal/postgres"
	"github.com/okoabh/okoa-automated-processor-sub000/pkg/telemetry"
)

const (
	// idleThreshold is how long a WARM agent may sit without work
	// before the reaper removes it.
	idleThreshold = 5 * time.Minute
	// primingDeadline is how long an agent may sit in SCALING_UP before
	// the sweep treats the prime as lost (the process died mid-prime or
	// the outcome write never landed) and removes the agent so the
	// scaler can create a replacement.
	primingDeadline = 5 * time.Minute
	// orphanGrace is how long past a job's deadline the reconciliation
	// sweep waits before treating it as abandoned by a dead agent.
	orphanGrace = time.Minute
	// reconcileBatch bounds one sweep's PROCESSING scan.
	reconcileBatch = 500
)

// Reaper removes agents idle past the threshold, stuck priming past
// the deadline, or past their shutdown deadline, and requeues jobs
// whose agent died mid-flight. PROCESSING agents are never reaped.
type Reaper struct {
	jobs        postgres.JobStore
	agents      postgres.AgentStore
	pump        *Pump
	emitter     *events.Emitter
	minWorkers  int
	jobDeadline time.Duration
	logger      *slog.Logger

	now func() time.Time
}

// NewReaper wires the sweep. minWorkers is the idle floor: idle agents
// below it are kept warm so the next job skips priming, but an explicit
// shutdown deadline is always honored.
func NewReaper(
	jobs postgres.JobStore,
	agents postgres.AgentStore,
	pump *Pump,
	emitter *events.Emitter,
	minWorkers int,
	jobDeadline time.Duration,
	logger *slog.Logger,
) *Reaper {
	return &Reaper{
		jobs:        jobs,
		agents:      agents,
		pump:        pump,
		emitter:     emitter,
		minWorkers:  minWorkers,
		jobDeadline: jobDeadline,
		logger:      logger,
		now:         time.Now,
	}
}

// Run registers the periodic sweeps and blocks until ctx is cancelled.
// schedule is a standard cron expression, e.g. "*/2 * * * *".
func (r *Reaper) Run(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		r.Sweep(sweepCtx)
		r.Reconcile(sweepCtx)
	})
	if err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	return nil
}

// Sweep removes idle, drained, failed and stuck-priming agents.
func (r *Reaper) Sweep(ctx context.Context) {
	now := r.now().UTC()

	all, err := r.agents.List(ctx)
	if err != nil {
		r.logger.Error("reaper: list agents", slog.String("error", err.Error()))
		return
	}

	live := 0
	for _, a := range all {
		if a.Status.Available() || a.Status == domain.AgentScalingUp {
			live++
		}
	}

	for _, a := range all {
		var reason string
		switch {
		case a.Status == domain.AgentProcessing:
			continue
		case a.Status == domain.AgentScalingUp:
			if now.Sub(a.CreatedAt) <= primingDeadline {
				continue
			}
			reason = "priming never finished"
		case a.Status == domain.AgentScalingDown &&
			a.ScheduledForShutdown != nil && !now.Before(*a.ScheduledForShutdown):
			reason = "shutdown deadline passed"
		case a.Status == domain.AgentWarm && now.Sub(a.LastActiveAt) > idleThreshold:
			if live <= r.minWorkers {
				continue // keep the warm floor
			}
			reason = "idle past threshold"
		case a.Status == domain.AgentError && now.Sub(a.LastActiveAt) > idleThreshold:
			reason = "priming failed"
		default:
			continue
		}

		if err := r.agents.Delete(ctx, a.ID); err != nil {
			r.logger.Error("reaper: delete agent",
				slog.String("agent_id", a.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if a.Status != domain.AgentError {
			live--
		}
		telemetry.PoolAgentsReaped.Inc()
		r.emitter.Emit(ctx, events.EventAgentReaped, map[string]any{
			"agent_id":   a.ID,
			"agent_type": a.Type,
			"reason":     reason,
		})
		r.logger.Info("agent reaped",
			slog.String("agent_id", a.ID),
			slog.String("agent_type", a.Type),
			slog.String("reason", reason),
		)
	}
}

// Reconcile requeues PROCESSING jobs whose agent is gone or whose
// deadline has long passed. Without it a crashed agent would strand its
// job in PROCESSING forever.
func (r *Reaper) Reconcile(ctx context.Context) {
	now := r.now().UTC()

	inflight, err := r.jobs.ListByStatus(ctx, domain.JobProcessing, reconcileBatch)
	if err != nil {
		r.logger.Error("reaper: list in-flight jobs", slog.String("error", err.Error()))
		return
	}

	for _, job := range inflight {
		orphaned, reason := r.isOrphan(ctx, job, now)
		if !orphaned {
			continue
		}

		// The snapshot agent guards the requeue: a job already requeued
		// and reclaimed since the list is not an orphan anymore.
		var stale *domain.JobReassignedError
		requeued, err := r.jobs.Requeue(ctx, job.ID, job.AgentID, reason, now)
		if errors.As(err, &stale) {
			continue
		}
		if err != nil {
			r.logger.Error("reaper: requeue orphan",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if requeued == nil {
			// Retry budget already spent.
			if err := r.jobs.Fail(ctx, job.ID, job.AgentID, reason, now); err != nil && !errors.As(err, &stale) {
				r.logger.Error("reaper: fail orphan", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			}
			continue
		}
		telemetry.PoolOrphansRequeued.Inc()
		r.logger.Warn("orphaned job requeued",
			slog.String("job_id", job.ID),
			slog.String("reason", reason),
			slog.Int("retry_count", requeued.RetryCount),
		)
	}

	if r.pump != nil {
		r.pump.RequestScale()
	}
}

func (r *Reaper) isOrphan(ctx context.Context, job *domain.Job, now time.Time) (bool, string) {
	if job.AgentID == nil {
		return true, "processing without an agent"
	}

	agent, err := r.agents.GetByID(ctx, *job.AgentID)
	var notFound *domain.AgentNotFoundError
	switch {
	case errors.As(err, &notFound):
		return true, "agent no longer exists"
	case err != nil:
		r.logger.Error("reaper: load agent",
			slog.String("agent_id", *job.AgentID),
			slog.String("error", err.Error()),
		)
		return false, ""
	}

	if agent.CurrentJobID == nil || *agent.CurrentJobID != job.ID {
		return true, "agent abandoned job"
	}
	if job.StartedAt != nil && now.Sub(*job.StartedAt) > r.jobDeadline+orphanGrace {
		return true, "processing deadline exceeded"
	}
	return false, ""
}
