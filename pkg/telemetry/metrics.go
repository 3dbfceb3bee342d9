package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API ─────────────────────────────────────────────────────────────────────

	APIJobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "okoa",
		Subsystem: "api",
		Name:      "jobs_submitted_total",
		Help:      "Total jobs submitted through the REST API.",
	}, []string{"type"})

	APIRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "okoa",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Total job submissions rejected by the rate limiter.",
	})

	// ─── Pool ────────────────────────────────────────────────────────────────────

	PoolJobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "okoa",
		Subsystem: "pool",
		Name:      "jobs_processed_total",
		Help:      "Total jobs finished, labelled by job type and terminal status.",
	}, []string{"type", "status"})

	PoolJobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "okoa",
		Subsystem: "pool",
		Name:      "jobs_inflight",
		Help:      "Jobs currently being processed by agents.",
	})

	PoolJobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "okoa",
		Subsystem: "pool",
		Name:      "job_duration_seconds",
		Help:      "End-to-end job processing time in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"type"})

	PoolRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "okoa",
		Subsystem: "pool",
		Name:      "retries_total",
		Help:      "Total jobs returned to the queue after a transient failure.",
	}, []string{"type"})

	PoolAgents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "okoa",
		Subsystem: "pool",
		Name:      "agents",
		Help:      "Agents in the pool, labelled by lifecycle status.",
	}, []string{"status"})

	PoolScaleDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "okoa",
		Subsystem: "pool",
		Name:      "scale_decisions_total",
		Help:      "Autoscaler decisions, labelled by direction (up, down, hold).",
	}, []string{"direction"})

	PoolBudgetCapsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "okoa",
		Subsystem: "pool",
		Name:      "budget_caps_total",
		Help:      "Scale-up decisions clamped by the daily budget.",
	})

	PoolAgentsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "okoa",
		Subsystem: "pool",
		Name:      "agents_reaped_total",
		Help:      "Idle agents shut down by the reaper.",
	})

	PoolOrphansRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "okoa",
		Subsystem: "pool",
		Name:      "orphans_requeued_total",
		Help:      "Jobs requeued by the reconciliation sweep after their agent died.",
	})

	// ─── Cost ────────────────────────────────────────────────────────────────────

	CostSpentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "okoa",
		Subsystem: "cost",
		Name:      "spent_dollars_total",
		Help:      "Cumulative inference spend in dollars.",
	})
)
