package pool

import (
	"context"
	"log/slog"
	"time"

	"github.com/okoabh/okoa-automated-processor-sub000/internal/contextcache"
	"github.com/okoabh/okoa-automated-processor-sub000/internal/domain"
	"github.com/okoabh/okoa-automated-processor-sub000/internal/inference"
	"github.com/okoabh/okoa-automated-processor-sub000/internal/specialist"
	"github.com/okoabh/okoa-automated-processor-sub000/pkg/telemetry"
)

// Runner executes claimed jobs against the inference provider. One
// invocation per agent at a time; parallelism comes from many agents
// running concurrently.
type Runner struct {
	provider inference.Provider
	contexts *contextcache.Cache
	registry *specialist.Registry
	deadline time.Duration
	logger   *slog.Logger
	pump     *Pump
}

// NewRunner wires the execution side of the pool. The pump back-pointer
// is set by NewPump.
func NewRunner(
	provider inference.Provider,
	contexts *contextcache.Cache,
	registry *specialist.Registry,
	deadline time.Duration,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		provider: provider,
		contexts: contexts,
		registry: registry,
		deadline: deadline,
		logger:   logger,
	}
}

// prime loads and warms the specialist context for a new agent.
func (r *Runner) prime(ctx context.Context, profile specialist.Profile) (inference.Usage, error) {
	blob, err := r.contexts.Get(ctx, profile.Type)
	if err != nil {
		return inference.Usage{}, err
	}
	return r.provider.Prime(ctx, profile.Model, blob)
}

// run executes one job end to end and reports the outcome. Detached
// from the scheduling loop's context: shutdown waits for in-flight
// jobs rather than abandoning them mid-inference.
func (r *Runner) run(agent *domain.Agent, job *domain.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), r.deadline)
	defer cancel()

	log := r.logger.With(
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.String("agent_id", agent.ID),
	)

	start := time.Now()
	resp, err := r.execute(ctx, job)
	durationMs := time.Since(start).Milliseconds()

	// Reporting must outlive the job deadline.
	reportCtx, reportCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer reportCancel()

	if err != nil {
		retryable := inference.IsTransient(err)
		log.Warn("job attempt failed",
			slog.Bool("retryable", retryable),
			slog.Int64("duration_ms", durationMs),
			slog.String("error", err.Error()),
		)
		telemetry.PoolJobsProcessed.WithLabelValues(job.Type, "failed_attempt").Inc()
		if rerr := r.pump.ReportFailure(reportCtx, job.ID, agent.ID, err.Error(), retryable); rerr != nil {
			log.Error("report failure", slog.String("error", rerr.Error()))
		}
		return
	}

	result, derr := domain.DecodeResult(resp.Output)
	if derr != nil {
		// The gateway answered but with output no known shape accepts:
		// retrying will not produce a different document.
		log.Error("undecodable job result", slog.String("error", derr.Error()))
		if rerr := r.pump.ReportFailure(reportCtx, job.ID, agent.ID, derr.Error(), false); rerr != nil {
			log.Error("report failure", slog.String("error", rerr.Error()))
		}
		return
	}

	telemetry.PoolJobsProcessed.WithLabelValues(job.Type, "completed").Inc()
	telemetry.PoolJobDurationSeconds.WithLabelValues(job.Type).Observe(float64(durationMs) / 1000)
	if rerr := r.pump.ReportSuccess(reportCtx, job.ID, result, resp.Usage, durationMs); rerr != nil {
		log.Error("report success", slog.String("error", rerr.Error()))
	}
}

func (r *Runner) execute(ctx context.Context, job *domain.Job) (*inference.Response, error) {
	profile, err := r.registry.Get(job.Type)
	if err != nil {
		// Unknown type cannot be fixed by retrying.
		return nil, &inference.PermanentError{Op: "resolve profile", Err: err}
	}
	blob, err := r.contexts.Get(ctx, profile.Type)
	if err != nil {
		return nil, &inference.TransientError{Op: "load context", Err: err}
	}
	return r.provider.Infer(ctx, inference.Request{
		Model:         profile.Model,
		ContextPrompt: blob,
		DocumentID:    job.DocumentID,
		JobType:       job.Type,
	})
}
