package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okoabh/okoa-automated-processor-sub000/internal/domain"
	"github.com/okoabh/okoa-automated-processor-sub000/internal/events"
	"github.com/okoabh/okoa-automated-processor-sub000/internal/inference"
	"github.com/okoabh/okoa-automated-processor-sub000/internal/notify"
	"github.com/okoabh/okoa-automated-processor-sub000/internal/postgres"
	redisstore "github.com/okoabh/okoa-automated-processor-sub000/internal/redis"
	"github.com/okoabh/okoa-automated-processor-sub000/internal/specialist"
	"github.com/okoabh/okoa-automated-processor-sub000/pkg/retry"
	"github.com/okoabh/okoa-automated-processor-sub000/pkg/telemetry"
)

// trigger is one reason to run a scheduling step. Triggers carry no
// payload: the step re-reads authoritative state from the stores, so a
// dropped duplicate costs nothing.
type trigger uint8

const (
	triggerJobQueued trigger = iota
	triggerAgentFreed
	triggerTick
	triggerScaleRequest
)

func (t trigger) String() string {
	switch t {
	case triggerJobQueued:
		return "job_queued"
	case triggerAgentFreed:
		return "agent_freed"
	case triggerTick:
		return "tick"
	case triggerScaleRequest:
		return "scale_request"
	}
	return "unknown"
}

// Config bounds the pump's behavior.
type Config struct {
	Limits Limits
	// ScaleDownDelay is the grace window between scheduling an agent
	// for shutdown and the reaper removing it.
	ScaleDownDelay time.Duration
	// TickInterval drives the periodic health check step.
	TickInterval time.Duration
}

// Pump owns every scale and assign decision. All mutations of the pool
// flow through a single goroutine consuming a trigger channel, so
// "read state, decide, mutate" is never split across concurrent
// callers. Job execution itself runs in per-agent goroutines; they
// report back through the stores and wake the pump with a trigger.
type Pump struct {
	jobs     postgres.JobStore
	agents   postgres.AgentStore
	ledger   redisstore.CostLedger
	registry *specialist.Registry
	runner   *Runner
	emitter  *events.Emitter
	notifier notify.Notifier
	cfg      Config
	logger   *slog.Logger

	triggers chan trigger
	wg       sync.WaitGroup

	// now is swapped in tests.
	now func() time.Time
}

// NewPump wires the pump. The runner executes claimed jobs and calls
// back into ReportSuccess/ReportFailure.
func NewPump(
	jobs postgres.JobStore,
	agents postgres.AgentStore,
	ledger redisstore.CostLedger,
	registry *specialist.Registry,
	runner *Runner,
	emitter *events.Emitter,
	notifier notify.Notifier,
	cfg Config,
	logger *slog.Logger,
) *Pump {
	p := &Pump{
		jobs:     jobs,
		agents:   agents,
		ledger:   ledger,
		registry: registry,
		runner:   runner,
		emitter:  emitter,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		triggers: make(chan trigger, 64),
		now:      time.Now,
	}
	if p.runner != nil {
		p.runner.pump = p
	}
	return p
}

// signal wakes the scheduling loop. Non-blocking: if the channel is
// full a step is already pending and will observe this state anyway.
func (p *Pump) signal(t trigger) {
	select {
	case p.triggers <- t:
	default:
	}
}

// Run is the serialized scheduling loop. Blocks until ctx is cancelled,
// then waits for in-flight jobs to finish.
func (p *Pump) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	p.step(ctx, triggerTick)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("scheduling loop stopping, waiting for in-flight jobs")
			p.wg.Wait()
			return
		case t := <-p.triggers:
			p.step(ctx, t)
		case <-ticker.C:
			p.step(ctx, triggerTick)
		}
	}
}

// step runs one read-decide-mutate cycle. Only ever called from Run.
func (p *Pump) step(ctx context.Context, t trigger) {
	now := p.now().UTC()

	depth, err := p.jobs.CountByStatus(ctx, domain.JobQueued)
	if err != nil {
		p.logger.Error("read queue depth", slog.String("error", err.Error()))
		return
	}
	live, err := p.agents.CountLive(ctx)
	if err != nil {
		p.logger.Error("count live agents", slog.String("error", err.Error()))
		return
	}
	stats, err := p.jobs.Stats24h(ctx, now)
	if err != nil {
		p.logger.Error("read job stats", slog.String("error", err.Error()))
		return
	}
	spent, err := p.ledger.SpentOn(ctx, now)
	if err != nil {
		p.logger.Error("read cost ledger", slog.String("error", err.Error()))
		return
	}

	dec := Decide(ScaleInput{
		QueueDepth:       depth,
		AvgJobDurationMs: stats.AvgProcessingMs,
		CurrentWorkers:   live,
		SpentToday:       spent,
	}, p.cfg.Limits)

	switch {
	case dec.Target > live:
		telemetry.PoolScaleDecisions.WithLabelValues("up").Inc()
		p.scaleUp(ctx, dec.Target-live, now)
	case dec.Target < live:
		telemetry.PoolScaleDecisions.WithLabelValues("down").Inc()
		p.scaleDown(ctx, live-dec.Target, now)
	default:
		telemetry.PoolScaleDecisions.WithLabelValues("hold").Inc()
	}

	if dec.CapReason == CapBudget {
		telemetry.PoolBudgetCapsTotal.Inc()
		p.emitter.Emit(ctx, events.EventBudgetCapped, map[string]any{
			"spent_today":  spent,
			"daily_budget": p.cfg.Limits.DailyBudget,
			"queue_depth":  depth,
		})
		p.logger.Warn("scale-up capped by daily budget",
			slog.Float64("spent_today", spent),
			slog.Float64("daily_budget", p.cfg.Limits.DailyBudget),
			slog.Int("queue_depth", depth),
		)
	}

	p.logger.Debug("scheduling step",
		slog.String("trigger", t.String()),
		slog.Int("queue_depth", depth),
		slog.Int("live_agents", live),
		slog.Int("target", dec.Target),
		slog.String("cap_reason", dec.CapReason),
	)

	p.assign(ctx, now)
}

// scaleUp creates n agents. The registry insert happens inside the
// serialized step; the costly context priming runs in a goroutine so a
// slow prime never stalls scheduling.
func (p *Pump) scaleUp(ctx context.Context, n int, now time.Time) {
	agentType := p.pickAgentType(ctx)
	profile, err := p.registry.Get(agentType)
	if err != nil {
		p.logger.Error("scale-up with unknown agent type", slog.String("type", agentType), slog.String("error", err.Error()))
		return
	}

	for i := 0; i < n; i++ {
		agent := &domain.Agent{
			ID:           uuid.New().String(),
			Type:         agentType,
			Status:       domain.AgentScalingUp,
			LastActiveAt: now,
			CreatedAt:    now,
		}
		if err := p.agents.Create(ctx, agent); err != nil {
			p.logger.Error("create agent", slog.String("error", err.Error()))
			return
		}
		p.logger.Info("agent scaling up",
			slog.String("agent_id", agent.ID),
			slog.String("agent_type", agentType),
		)

		p.wg.Add(1)
		go p.prime(agent, profile)
	}
}

// prime loads the specialist context for a freshly created agent.
// Detached from the loop's ctx so shutdown does not strand a
// half-primed agent record.
func (p *Pump) prime(agent *domain.Agent, profile specialist.Profile) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Transient gateway errors get a couple of retries; a permanent
	// refusal fails the agent immediately.
	var usage inference.Usage
	var permanent error
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		OnRetry: func(attempt int, err error) {
			p.logger.Warn("context priming retry",
				slog.String("agent_id", agent.ID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		u, err := p.runner.prime(ctx, profile)
		if err != nil {
			if !inference.IsTransient(err) {
				permanent = err
				return nil
			}
			return err
		}
		usage = u
		return nil
	})
	if err == nil {
		err = permanent
	}
	// The outcome write must not ride the priming context: when the
	// prime burned the whole budget the context is already expired, and
	// a failed write would strand the agent in SCALING_UP.
	reportCtx, reportCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer reportCancel()

	now := p.now().UTC()
	if err != nil {
		p.logger.Error("context priming failed",
			slog.String("agent_id", agent.ID),
			slog.String("agent_type", agent.Type),
			slog.String("error", err.Error()),
		)
		if serr := p.agents.SetPrimeFailed(reportCtx, agent.ID, now); serr != nil {
			p.logger.Error("mark agent prime-failed", slog.String("agent_id", agent.ID), slog.String("error", serr.Error()))
		}
		return
	}

	if err := p.agents.SetPrimed(reportCtx, agent.ID, now); err != nil {
		p.logger.Error("mark agent warm", slog.String("agent_id", agent.ID), slog.String("error", err.Error()))
		return
	}
	p.addCost(reportCtx, usage.Cost)
	p.emitter.Emit(reportCtx, events.EventAgentScaledUp, map[string]any{
		"agent_id":   agent.ID,
		"agent_type": agent.Type,
		"warm_cost":  usage.Cost,
	})
	p.logger.Info("agent warm",
		slog.String("agent_id", agent.ID),
		slog.String("agent_type", agent.Type),
		slog.Float64("warm_cost", usage.Cost),
	)
	p.signal(triggerAgentFreed)
}

// scaleDown schedules n WARM agents for shutdown with a grace window.
// Agents mid-job are never touched; the reaper deletes once the
// deadline passes, and a demand spike before then cancels the drain.
func (p *Pump) scaleDown(ctx context.Context, n int, now time.Time) {
	all, err := p.agents.List(ctx)
	if err != nil {
		p.logger.Error("list agents for scale-down", slog.String("error", err.Error()))
		return
	}

	var warm []*domain.Agent
	for _, a := range all {
		if a.Status == domain.AgentWarm {
			warm = append(warm, a)
		}
	}
	// Drain the longest-idle agents first.
	sort.Slice(warm, func(i, j int) bool {
		return warm[i].LastActiveAt.Before(warm[j].LastActiveAt)
	})

	deadline := now.Add(p.cfg.ScaleDownDelay)
	for i := 0; i < n && i < len(warm); i++ {
		a := warm[i]
		if err := p.agents.ScheduleShutdown(ctx, a.ID, deadline); err != nil {
			p.logger.Error("schedule shutdown", slog.String("agent_id", a.ID), slog.String("error", err.Error()))
			continue
		}
		p.emitter.Emit(ctx, events.EventAgentScaledDown, map[string]any{
			"agent_id":   a.ID,
			"agent_type": a.Type,
			"deadline":   deadline,
		})
		p.logger.Info("agent scheduled for shutdown",
			slog.String("agent_id", a.ID),
			slog.Time("deadline", deadline),
		)
	}
}

// assign hands free agents the highest-priority queued work. When the
// queue still has depth and drain candidates exist, drains are
// cancelled first so capacity is not destroyed while demand is back.
func (p *Pump) assign(ctx context.Context, now time.Time) {
	all, err := p.agents.List(ctx)
	if err != nil {
		p.logger.Error("list agents for assignment", slog.String("error", err.Error()))
		return
	}

	depth, err := p.jobs.CountByStatus(ctx, domain.JobQueued)
	if err != nil {
		p.logger.Error("read queue depth", slog.String("error", err.Error()))
		return
	}

	var free []*domain.Agent
	for _, a := range all {
		if a.Status == domain.AgentWarm {
			free = append(free, a)
		}
	}

	if depth > len(free) {
		for _, a := range all {
			if depth <= len(free) {
				break
			}
			if a.Status != domain.AgentScalingDown {
				continue
			}
			if err := p.agents.CancelShutdown(ctx, a.ID); err != nil {
				p.logger.Error("cancel shutdown", slog.String("agent_id", a.ID), slog.String("error", err.Error()))
				continue
			}
			p.logger.Info("shutdown cancelled, demand returned", slog.String("agent_id", a.ID))
			a.Status = domain.AgentWarm
			free = append(free, a)
		}
	}

	for _, a := range free {
		job, err := p.jobs.ClaimNext(ctx, a.ID, now)
		if err != nil {
			// One bad claim (the snapshot agent may be gone already)
			// must not starve the remaining free agents.
			p.logger.Error("claim next job", slog.String("agent_id", a.ID), slog.String("error", err.Error()))
			continue
		}
		if job == nil {
			return // queue drained
		}
		p.logger.Info("job claimed",
			slog.String("job_id", job.ID),
			slog.String("job_type", job.Type),
			slog.String("agent_id", a.ID),
			slog.Int("priority", job.Priority),
			slog.Int("retry_count", job.RetryCount),
		)
		telemetry.PoolJobsInFlight.Inc()

		p.wg.Add(1)
		go func(agent *domain.Agent, job *domain.Job) {
			defer p.wg.Done()
			p.runner.run(agent, job)
		}(a, job)
	}
}

// pickAgentType types new agents after the oldest queued job so the
// primed context matches the work that is actually waiting. Falls back
// to the first registered profile on an empty queue.
func (p *Pump) pickAgentType(ctx context.Context) string {
	queued, err := p.jobs.ListByStatus(ctx, domain.JobQueued, 1)
	if err == nil && len(queued) > 0 {
		if _, rerr := p.registry.Get(queued[0].Type); rerr == nil {
			return queued[0].Type
		}
	}
	types := p.registry.Types()
	sort.Strings(types)
	if len(types) > 0 {
		return types[0]
	}
	return ""
}

// Enqueue creates a QUEUED job for a document and wakes the scheduler.
// This is the single entry point for new work, whether it arrives via
// the REST API or the ingest event stream.
func (p *Pump) Enqueue(ctx context.Context, documentID, jobType string, priority int) (*domain.Job, error) {
	profile, err := p.registry.Get(jobType)
	if err != nil {
		return nil, err
	}

	now := p.now().UTC()
	estimated := profile.EstimatedJobCost
	job := &domain.Job{
		ID:            uuid.New().String(),
		DocumentID:    documentID,
		Type:          jobType,
		Status:        domain.JobQueued,
		Priority:      priority,
		QueuedAt:      now,
		EstimatedCost: &estimated,
	}
	if err := p.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	telemetry.APIJobsSubmitted.WithLabelValues(jobType).Inc()
	p.emitter.Emit(ctx, events.EventJobQueued, map[string]any{
		"job_id":      job.ID,
		"document_id": documentID,
		"job_type":    jobType,
		"priority":    priority,
	})
	p.logger.Info("job enqueued",
		slog.String("job_id", job.ID),
		slog.String("document_id", documentID),
		slog.String("job_type", jobType),
		slog.Int("priority", priority),
	)

	p.signal(triggerJobQueued)
	return job, nil
}

// RequestScale wakes the scheduler. Idempotent and safe to call
// redundantly: the step re-reads all state itself.
func (p *Pump) RequestScale() {
	p.signal(triggerScaleRequest)
}

// ReportSuccess finishes a job: the record moves to COMPLETED, the
// agent returns to WARM with metrics folded in, and today's ledger
// grows by the actual cost.
func (p *Pump) ReportSuccess(ctx context.Context, jobID string, result *domain.JobResult, usage inference.Usage, durationMs int64) error {
	now := p.now().UTC()
	if err := p.jobs.Complete(ctx, jobID, result, usage.TotalTokens(), usage.Cost, durationMs, now); err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}

	p.addCost(ctx, usage.Cost)
	telemetry.PoolJobsInFlight.Dec()
	p.emitter.Emit(ctx, events.EventJobCompleted, map[string]any{
		"job_id":      jobID,
		"tokens":      usage.TotalTokens(),
		"cost":        usage.Cost,
		"duration_ms": durationMs,
	})
	p.logger.Info("job completed",
		slog.String("job_id", jobID),
		slog.Int64("tokens", usage.TotalTokens()),
		slog.Float64("cost", usage.Cost),
		slog.Int64("duration_ms", durationMs),
	)

	p.signal(triggerAgentFreed)
	return nil
}

// ReportFailure records a failed attempt by the named agent. Retryable
// failures requeue the job until the retry budget is spent, then it
// fails permanently. The agent is released back to WARM either way; it
// is not penalized for the job's failure. A report for a job the agent
// no longer holds (the reaper requeued it and someone else claimed it)
// is stale and dropped.
func (p *Pump) ReportFailure(ctx context.Context, jobID, agentID, errMsg string, retryable bool) error {
	now := p.now().UTC()
	defer telemetry.PoolJobsInFlight.Dec()
	defer p.signal(triggerAgentFreed)

	var stale *domain.JobReassignedError
	if retryable {
		job, err := p.jobs.Requeue(ctx, jobID, &agentID, errMsg, now)
		if errors.As(err, &stale) {
			p.logger.Warn("stale failure report dropped", slog.String("job_id", jobID), slog.String("agent_id", agentID))
			return nil
		}
		if err != nil {
			return fmt.Errorf("requeue job %s: %w", jobID, err)
		}
		if job != nil {
			telemetry.PoolRetriesTotal.WithLabelValues(job.Type).Inc()
			p.logger.Warn("job requeued after transient failure",
				slog.String("job_id", jobID),
				slog.Int("retry_count", job.RetryCount),
				slog.String("error", errMsg),
			)
			p.signal(triggerJobQueued)
			return nil
		}
		// Retry budget exhausted; fall through to permanent failure.
	}

	if err := p.jobs.Fail(ctx, jobID, &agentID, errMsg, now); err != nil {
		if errors.As(err, &stale) {
			p.logger.Warn("stale failure report dropped", slog.String("job_id", jobID), slog.String("agent_id", agentID))
			return nil
		}
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	p.emitter.Emit(ctx, events.EventJobFailed, map[string]any{
		"job_id": jobID,
		"error":  errMsg,
	})
	p.notifier.Notify(ctx, fmt.Sprintf("job %s failed permanently: %s", jobID, errMsg))
	p.logger.Error("job failed permanently",
		slog.String("job_id", jobID),
		slog.String("error", errMsg),
	)
	return nil
}

func (p *Pump) addCost(ctx context.Context, delta float64) {
	if delta <= 0 {
		return
	}
	total, err := p.ledger.Add(ctx, p.now().UTC(), delta)
	if err != nil {
		p.logger.Error("cost ledger increment", slog.Float64("delta", delta), slog.String("error", err.Error()))
		return
	}
	telemetry.CostSpentTotal.Add(delta)
	if total > p.cfg.Limits.DailyBudget {
		p.notifier.Notify(ctx, fmt.Sprintf("daily budget exceeded: spent %.2f of %.2f", total, p.cfg.Limits.DailyBudget))
	}
}
