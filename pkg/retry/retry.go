package retry

import (
	"context"
	"fmt"
	"time"
)

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the total number of calls, the first attempt included.
	// Zero or negative means a single attempt.
	MaxAttempts int
	// BaseDelay scales the backoff: the wait after attempt n is n² × BaseDelay.
	BaseDelay time.Duration
	// OnRetry, if set, runs after each failed attempt and before the
	// next wait. attempt is 1-indexed.
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds or the attempt budget is spent, backing
// off quadratically between attempts (1s base: 1s, 4s, 9s, ...). A
// cancelled context aborts the wait and surfaces ctx.Err alongside the
// attempt count. Returns the last error once the budget is spent.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt == attempts {
			return lastErr
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		wait := time.Duration(attempt*attempt) * cfg.BaseDelay
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
}
