package pool

import "math"

// acceptableWaitMs is the ceiling on the estimated time a newly queued
// job would wait before a worker picks it up. Crossing it switches the
// scaler from incremental growth to sizing the pool for the backlog.
const acceptableWaitMs = 10 * 60 * 1000

// Cap reasons recorded on a ScaleDecision.
const (
	CapBudget     = "budget"
	CapMaxWorkers = "max_workers"
)

// Limits are the static bounds the scaler operates within.
type Limits struct {
	MinWorkers       int
	MaxWorkers       int
	ScaleUpThreshold int
	// DailyBudget is the hard ceiling on spend per calendar day.
	DailyBudget float64
	// PerWorkerWarmCost is the estimated cost of priming one new
	// worker's specialist context.
	PerWorkerWarmCost float64
}

// ScaleInput is the observed state a scaling decision is made from.
type ScaleInput struct {
	QueueDepth       int
	AvgJobDurationMs float64
	CurrentWorkers   int
	SpentToday       float64
}

// ScaleDecision is the scaler's output: how many workers should exist,
// and why the number was capped if it was.
type ScaleDecision struct {
	Target    int
	CapReason string
}

// Decide computes the target worker count. Pure: no I/O, no clock, no
// side effects, so every scaling policy case is directly testable.
//
// The min-workers floor is a soft preference; the daily budget is a
// hard constraint and may force the target below it.
func Decide(in ScaleInput, lim Limits) ScaleDecision {
	var d ScaleDecision

	switch {
	case in.QueueDepth == 0:
		// Keep a warm floor so the next job avoids cold-start latency.
		d.Target = max(1, lim.MinWorkers)
	default:
		workers := max(in.CurrentWorkers, 1)
		estimatedWaitMs := float64(in.QueueDepth) * in.AvgJobDurationMs / float64(workers)

		switch {
		case estimatedWaitMs > acceptableWaitMs:
			d.Target = int(math.Ceil(float64(in.QueueDepth) * in.AvgJobDurationMs / acceptableWaitMs))
		case in.QueueDepth >= lim.ScaleUpThreshold:
			d.Target = ceilDiv(in.QueueDepth, 2)
		default:
			d.Target = max(lim.MinWorkers, ceilDiv(in.QueueDepth, 3))
		}
	}

	if d.Target < lim.MinWorkers {
		d.Target = lim.MinWorkers
	}
	if d.Target > lim.MaxWorkers {
		d.Target = lim.MaxWorkers
		d.CapReason = CapMaxWorkers
	}

	// Budget clamp: shrink the scale-up delta to what today's remaining
	// budget can pay for in priming costs. May land below MinWorkers.
	if delta := d.Target - in.CurrentWorkers; delta > 0 && lim.PerWorkerWarmCost > 0 {
		projected := float64(delta)*lim.PerWorkerWarmCost + in.SpentToday
		if projected > lim.DailyBudget {
			affordable := int(math.Floor((lim.DailyBudget - in.SpentToday) / lim.PerWorkerWarmCost))
			if affordable < 0 {
				affordable = 0
			}
			if affordable < delta {
				d.Target = in.CurrentWorkers + affordable
				d.CapReason = CapBudget
			}
		}
	}

	return d
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }
