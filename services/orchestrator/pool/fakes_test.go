package pool

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/okoabh/okoa-automated-processor-sub000/internal/domain"
	"github.com/okoabh/okoa-automated-processor-sub000/internal/inference"
	"github.com/okoabh/okoa-automated-processor-sub000/internal/postgres"
)

// memDB backs the fake stores with the same transition guards the SQL
// layer enforces, so pump tests exercise real claim/release semantics.
type memDB struct {
	mu     sync.Mutex
	jobs   map[string]*domain.Job
	agents map[string]*domain.Agent
}

func newMemDB() *memDB {
	return &memDB{
		jobs:   make(map[string]*domain.Job),
		agents: make(map[string]*domain.Agent),
	}
}

type fakeJobStore struct {
	db *memDB
	// claimErr scripts a claim failure for the given agent ID.
	claimErr map[string]error
}

var _ postgres.JobStore = (*fakeJobStore)(nil)

func (s *fakeJobStore) Create(_ context.Context, job *domain.Job) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *job
	s.db.jobs[job.ID] = &cp
	return nil
}

func (s *fakeJobStore) GetByID(_ context.Context, id string) (*domain.Job, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	j, ok := s.db.jobs[id]
	if !ok {
		return nil, &domain.JobNotFoundError{JobID: id}
	}
	cp := *j
	return &cp, nil
}

func (s *fakeJobStore) ClaimNext(_ context.Context, agentID string, now time.Time) (*domain.Job, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if err, ok := s.claimErr[agentID]; ok {
		return nil, err
	}

	var next *domain.Job
	for _, j := range s.db.jobs {
		if j.Status != domain.JobQueued {
			continue
		}
		if next == nil ||
			j.Priority < next.Priority ||
			(j.Priority == next.Priority && j.QueuedAt.Before(next.QueuedAt)) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}

	agent, ok := s.db.agents[agentID]
	if !ok || agent.Status != domain.AgentWarm {
		return nil, &domain.AgentNotFoundError{AgentID: agentID}
	}

	next.Status = domain.JobProcessing
	next.AgentID = &agentID
	started := now
	next.StartedAt = &started

	agent.Status = domain.AgentProcessing
	jobID := next.ID
	agent.CurrentJobID = &jobID
	agent.LastActiveAt = now

	cp := *next
	return &cp, nil
}

func (s *fakeJobStore) Complete(_ context.Context, jobID string, result *domain.JobResult, tokens int64, cost float64, durationMs int64, now time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	j, ok := s.db.jobs[jobID]
	if !ok {
		return &domain.JobNotFoundError{JobID: jobID}
	}
	if j.Status != domain.JobProcessing {
		return &domain.InvalidTransitionError{Entity: "job", From: string(j.Status), Event: string(domain.JobEventComplete)}
	}

	agentID := j.AgentID
	j.Status = domain.JobCompleted
	done := now
	j.CompletedAt = &done
	j.ActualCost = &cost
	j.ActualTokens = &tokens
	j.Result = result
	j.AgentID = nil
	j.ErrorMessage = ""

	if agentID != nil {
		s.releaseLocked(*agentID, tokens, cost, durationMs, now)
	}
	return nil
}

func (s *fakeJobStore) Requeue(_ context.Context, jobID string, expectedAgent *string, errMsg string, now time.Time) (*domain.Job, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	j, ok := s.db.jobs[jobID]
	if !ok {
		return nil, &domain.JobNotFoundError{JobID: jobID}
	}
	if j.Status != domain.JobProcessing || !agentsMatch(j.AgentID, expectedAgent) {
		return nil, &domain.JobReassignedError{JobID: jobID}
	}
	if j.RetryCount >= domain.MaxRetries {
		return nil, nil
	}

	agentID := j.AgentID
	j.Status = domain.JobQueued
	j.RetryCount++
	j.AgentID = nil
	j.StartedAt = nil
	j.ErrorMessage = errMsg

	if agentID != nil {
		s.releaseLocked(*agentID, 0, 0, 0, now)
	}
	cp := *j
	return &cp, nil
}

func (s *fakeJobStore) Fail(_ context.Context, jobID string, expectedAgent *string, errMsg string, now time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	j, ok := s.db.jobs[jobID]
	if !ok {
		return &domain.JobNotFoundError{JobID: jobID}
	}
	if j.Status != domain.JobProcessing || !agentsMatch(j.AgentID, expectedAgent) {
		return &domain.JobReassignedError{JobID: jobID}
	}

	agentID := j.AgentID
	j.Status = domain.JobFailed
	done := now
	j.CompletedAt = &done
	j.AgentID = nil
	j.ErrorMessage = errMsg

	if agentID != nil {
		s.releaseLocked(*agentID, 0, 0, 0, now)
	}
	return nil
}

// agentsMatch mirrors the store's nil-safe agent comparison.
func agentsMatch(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *fakeJobStore) releaseLocked(agentID string, tokens int64, cost float64, durationMs int64, now time.Time) {
	a, ok := s.db.agents[agentID]
	if !ok || a.Status != domain.AgentProcessing {
		return
	}
	a.Status = domain.AgentWarm
	a.CurrentJobID = nil
	a.LastActiveAt = now
	if tokens > 0 || cost > 0 {
		if durationMs > 0 {
			avg := float64(durationMs)
			if a.AverageProcessingMs != nil {
				avg = (*a.AverageProcessingMs*float64(a.DocumentsProcessed) + float64(durationMs)) / float64(a.DocumentsProcessed+1)
			}
			a.AverageProcessingMs = &avg
		}
		a.DocumentsProcessed++
		a.TotalTokensUsed += tokens
		a.TotalCost += cost
	}
}

func (s *fakeJobStore) CountByStatus(_ context.Context, status domain.JobStatus) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, j := range s.db.jobs {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *fakeJobStore) ListByStatus(_ context.Context, status domain.JobStatus, limit int) ([]*domain.Job, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*domain.Job
	for _, j := range s.db.jobs {
		if j.Status == status {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority < out[k].Priority
		}
		return out[i].QueuedAt.Before(out[k].QueuedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeJobStore) Stats24h(_ context.Context, now time.Time) (postgres.JobStats, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var stats postgres.JobStats
	var durTotal float64
	cutoff := now.Add(-24 * time.Hour)
	for _, j := range s.db.jobs {
		if j.CompletedAt == nil || j.CompletedAt.Before(cutoff) {
			continue
		}
		switch j.Status {
		case domain.JobCompleted:
			stats.Completed24h++
			if j.ActualCost != nil {
				stats.TotalCost24h += *j.ActualCost
			}
			if j.ActualTokens != nil {
				stats.TotalTokens24h += *j.ActualTokens
			}
			if j.StartedAt != nil {
				durTotal += float64(j.CompletedAt.Sub(*j.StartedAt).Milliseconds())
			}
		case domain.JobFailed:
			stats.Failed24h++
		}
	}
	if stats.Completed24h > 0 {
		stats.AvgProcessingMs = durTotal / float64(stats.Completed24h)
	}
	return stats, nil
}

type fakeAgentStore struct{ db *memDB }

var _ postgres.AgentStore = (*fakeAgentStore)(nil)

func (s *fakeAgentStore) Create(_ context.Context, agent *domain.Agent) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *agent
	s.db.agents[agent.ID] = &cp
	return nil
}

func (s *fakeAgentStore) GetByID(_ context.Context, id string) (*domain.Agent, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.agents[id]
	if !ok {
		return nil, &domain.AgentNotFoundError{AgentID: id}
	}
	cp := *a
	return &cp, nil
}

func (s *fakeAgentStore) List(_ context.Context) ([]*domain.Agent, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := make([]*domain.Agent, 0, len(s.db.agents))
	for _, a := range s.db.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *fakeAgentStore) CountLive(_ context.Context) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, a := range s.db.agents {
		if a.Status != domain.AgentError {
			n++
		}
	}
	return n, nil
}

func (s *fakeAgentStore) SetPrimed(_ context.Context, id string, now time.Time) error {
	return s.transition(id, domain.AgentScalingUp, func(a *domain.Agent) {
		a.Status = domain.AgentWarm
		a.ContextLoaded = true
		a.LastActiveAt = now
	})
}

func (s *fakeAgentStore) SetPrimeFailed(_ context.Context, id string, now time.Time) error {
	return s.transition(id, domain.AgentScalingUp, func(a *domain.Agent) {
		a.Status = domain.AgentError
		a.LastActiveAt = now
	})
}

func (s *fakeAgentStore) ScheduleShutdown(_ context.Context, id string, deadline time.Time) error {
	return s.transition(id, domain.AgentWarm, func(a *domain.Agent) {
		a.Status = domain.AgentScalingDown
		d := deadline
		a.ScheduledForShutdown = &d
	})
}

func (s *fakeAgentStore) CancelShutdown(_ context.Context, id string) error {
	return s.transition(id, domain.AgentScalingDown, func(a *domain.Agent) {
		a.Status = domain.AgentWarm
		a.ScheduledForShutdown = nil
	})
}

func (s *fakeAgentStore) Delete(_ context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.agents[id]
	if !ok {
		return &domain.AgentNotFoundError{AgentID: id}
	}
	if a.Status == domain.AgentProcessing {
		return &domain.InvalidTransitionError{Entity: "agent", From: string(a.Status), Event: "delete"}
	}
	delete(s.db.agents, id)
	return nil
}

func (s *fakeAgentStore) transition(id string, from domain.AgentStatus, apply func(*domain.Agent)) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.agents[id]
	if !ok {
		return &domain.AgentNotFoundError{AgentID: id}
	}
	if a.Status != from {
		return &domain.InvalidTransitionError{Entity: "agent", From: string(a.Status), Event: string(from)}
	}
	apply(a)
	return nil
}

type fakeLedger struct {
	mu    sync.Mutex
	spent map[string]float64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{spent: make(map[string]float64)}
}

func (l *fakeLedger) Add(_ context.Context, day time.Time, delta float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := day.UTC().Format("2006-01-02")
	l.spent[key] += delta
	return l.spent[key], nil
}

func (l *fakeLedger) SpentOn(_ context.Context, day time.Time) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spent[day.UTC().Format("2006-01-02")], nil
}

// fakeProvider scripts inference outcomes per job type.
type fakeProvider struct {
	mu         sync.Mutex
	primeErr   error
	primeCost  float64
	inferErr   map[string]error // keyed by job type
	output     json.RawMessage
	usage      inference.Usage
	primeCalls int
	inferCalls int
	seen       []string // document IDs in processing order
}

func (f *fakeProvider) Prime(context.Context, string, string) (inference.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.primeCalls++
	if f.primeErr != nil {
		return inference.Usage{}, f.primeErr
	}
	return inference.Usage{InputTokens: 1000, Cost: f.primeCost}, nil
}

func (f *fakeProvider) Infer(_ context.Context, req inference.Request) (*inference.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inferCalls++
	f.seen = append(f.seen, req.DocumentID)
	if err, ok := f.inferErr[req.JobType]; ok && err != nil {
		return nil, err
	}
	out := f.output
	if out == nil {
		out = json.RawMessage(`{"kind":"summary","summary":{"text":"done"}}`)
	}
	return &inference.Response{Output: out, Usage: f.usage}, nil
}

func (f *fakeProvider) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func (f *fakeProvider) primed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.primeCalls
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(_ context.Context, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
}

func (n *fakeNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}
