package pool

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okoabh/okoa-automated-processor-sub000/internal/domain"
	"github.com/okoabh/okoa-automated-processor-sub000/internal/events"
)

type reaperHarness struct {
	db     *memDB
	jobs   *fakeJobStore
	agents *fakeAgentStore
	reaper *Reaper
	now    time.Time
}

func newReaperHarness(t *testing.T, minWorkers int) *reaperHarness {
	t.Helper()
	db := newMemDB()
	h := &reaperHarness{
		db:     db,
		jobs:   &fakeJobStore{db: db},
		agents: &fakeAgentStore{db: db},
		now:    time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	h.reaper = NewReaper(
		h.jobs, h.agents, nil, events.NewEmitter(nil, slog.Default()),
		minWorkers, 10*time.Minute, slog.Default(),
	)
	h.reaper.now = func() time.Time { return h.now }
	return h
}

func (h *reaperHarness) addAgent(t *testing.T, id string, status domain.AgentStatus, lastActive time.Time) *domain.Agent {
	t.Helper()
	a := &domain.Agent{
		ID:            id,
		Type:          "invoice",
		Status:        status,
		ContextLoaded: status != domain.AgentScalingUp && status != domain.AgentError,
		LastActiveAt:  lastActive,
		CreatedAt:     lastActive,
	}
	require.NoError(t, h.agents.Create(context.Background(), a))
	return a
}

func TestReaper_RemovesAgentIdlePastThreshold(t *testing.T) {
	h := newReaperHarness(t, 0)
	h.addAgent(t, "idle", domain.AgentWarm, h.now.Add(-6*time.Minute))
	h.addAgent(t, "busy-recently", domain.AgentWarm, h.now.Add(-4*time.Minute))

	h.reaper.Sweep(context.Background())

	_, err := h.agents.GetByID(context.Background(), "idle")
	var notFound *domain.AgentNotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = h.agents.GetByID(context.Background(), "busy-recently")
	require.NoError(t, err)
}

func TestReaper_NeverRemovesProcessingAgent(t *testing.T) {
	h := newReaperHarness(t, 0)
	h.addAgent(t, "busy", domain.AgentProcessing, h.now.Add(-time.Hour))
	jobID := "job-1"
	h.db.agents["busy"].CurrentJobID = &jobID

	h.reaper.Sweep(context.Background())

	got, err := h.agents.GetByID(context.Background(), "busy")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentProcessing, got.Status)
}

func TestReaper_HonorsShutdownDeadline(t *testing.T) {
	h := newReaperHarness(t, 0)

	past := h.now.Add(-time.Second)
	future := h.now.Add(time.Minute)

	h.addAgent(t, "drained", domain.AgentScalingDown, h.now)
	h.db.agents["drained"].ScheduledForShutdown = &past

	h.addAgent(t, "graced", domain.AgentScalingDown, h.now)
	h.db.agents["graced"].ScheduledForShutdown = &future

	h.reaper.Sweep(context.Background())

	_, err := h.agents.GetByID(context.Background(), "drained")
	var notFound *domain.AgentNotFoundError
	require.ErrorAs(t, err, &notFound)

	got, err := h.agents.GetByID(context.Background(), "graced")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentScalingDown, got.Status)
}

func TestReaper_KeepsWarmFloor(t *testing.T) {
	h := newReaperHarness(t, 2)
	h.addAgent(t, "idle-1", domain.AgentWarm, h.now.Add(-time.Hour))
	h.addAgent(t, "idle-2", domain.AgentWarm, h.now.Add(-time.Hour))
	h.addAgent(t, "idle-3", domain.AgentWarm, h.now.Add(-time.Hour))

	h.reaper.Sweep(context.Background())

	remaining, err := h.agents.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

func TestReaper_FloorDoesNotBlockExplicitShutdown(t *testing.T) {
	h := newReaperHarness(t, 5)
	past := h.now.Add(-time.Second)
	h.addAgent(t, "drained", domain.AgentScalingDown, h.now)
	h.db.agents["drained"].ScheduledForShutdown = &past

	h.reaper.Sweep(context.Background())

	_, err := h.agents.GetByID(context.Background(), "drained")
	var notFound *domain.AgentNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestReaper_RemovesAgentStuckPriming(t *testing.T) {
	h := newReaperHarness(t, 2)
	// Created an hour ago and still SCALING_UP: the prime outcome never
	// landed, so the agent would otherwise hold a pool slot forever.
	h.addAgent(t, "stuck", domain.AgentScalingUp, h.now.Add(-time.Hour))
	h.addAgent(t, "still-priming", domain.AgentScalingUp, h.now.Add(-time.Minute))

	h.reaper.Sweep(context.Background())

	_, err := h.agents.GetByID(context.Background(), "stuck")
	var notFound *domain.AgentNotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = h.agents.GetByID(context.Background(), "still-priming")
	require.NoError(t, err)

	// The slot is free again, so the scaler can create a replacement.
	n, err := h.agents.CountLive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReaper_ReapsFailedPrimeAgents(t *testing.T) {
	h := newReaperHarness(t, 2)
	h.addAgent(t, "broken", domain.AgentError, h.now.Add(-10*time.Minute))
	h.addAgent(t, "fresh-broken", domain.AgentError, h.now.Add(-time.Minute))

	h.reaper.Sweep(context.Background())

	_, err := h.agents.GetByID(context.Background(), "broken")
	var notFound *domain.AgentNotFoundError
	require.ErrorAs(t, err, &notFound)

	// Recent failures linger briefly for operator visibility.
	_, err = h.agents.GetByID(context.Background(), "fresh-broken")
	require.NoError(t, err)
}

func addProcessingJob(t *testing.T, h *reaperHarness, id string, agentID *string, started time.Time, retries int) {
	t.Helper()
	st := started
	job := &domain.Job{
		ID:         id,
		DocumentID: "doc-" + id,
		Type:       "invoice",
		Status:     domain.JobProcessing,
		RetryCount: retries,
		AgentID:    agentID,
		QueuedAt:   started.Add(-time.Minute),
		StartedAt:  &st,
	}
	require.NoError(t, h.jobs.Create(context.Background(), job))
}

func TestReconcile_RequeuesJobWhoseAgentVanished(t *testing.T) {
	h := newReaperHarness(t, 0)
	gone := "agent-gone"
	addProcessingJob(t, h, "orphan", &gone, h.now.Add(-time.Minute), 0)

	h.reaper.Reconcile(context.Background())

	job, err := h.jobs.GetByID(context.Background(), "orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Nil(t, job.AgentID)
	assert.Nil(t, job.StartedAt)
}

func TestReconcile_LeavesHealthyInFlightJobAlone(t *testing.T) {
	h := newReaperHarness(t, 0)
	h.addAgent(t, "worker", domain.AgentProcessing, h.now)
	jobID := "active"
	h.db.agents["worker"].CurrentJobID = &jobID
	workerID := "worker"
	addProcessingJob(t, h, "active", &workerID, h.now.Add(-time.Minute), 0)

	h.reaper.Reconcile(context.Background())

	job, err := h.jobs.GetByID(context.Background(), "active")
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, job.Status)
}

func TestReconcile_RequeuesJobStuckPastDeadline(t *testing.T) {
	h := newReaperHarness(t, 0)
	h.addAgent(t, "hung", domain.AgentProcessing, h.now)
	jobID := "stuck"
	h.db.agents["hung"].CurrentJobID = &jobID
	workerID := "hung"
	// Deadline is 10m; started 15m ago.
	addProcessingJob(t, h, "stuck", &workerID, h.now.Add(-15*time.Minute), 0)

	h.reaper.Reconcile(context.Background())

	job, err := h.jobs.GetByID(context.Background(), "stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.Status)

	// The hung agent was released when its job was requeued.
	got, err := h.agents.GetByID(context.Background(), "hung")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentWarm, got.Status)
}

func TestReconcile_OrphanPastRetryBudgetFails(t *testing.T) {
	h := newReaperHarness(t, 0)
	gone := "agent-gone"
	addProcessingJob(t, h, "doomed", &gone, h.now.Add(-time.Minute), domain.MaxRetries)

	h.reaper.Reconcile(context.Background())

	job, err := h.jobs.GetByID(context.Background(), "doomed")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.NotNil(t, job.CompletedAt)
}
