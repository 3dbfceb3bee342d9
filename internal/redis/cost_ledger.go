package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger entries outlive the daily budget window so operators can look
// back at spend history.
const ledgerTTL = 90 * 24 * time.Hour

func ledgerKey(day time.Time) string {
	return "cost:" + day.UTC().Format("2006-01-02")
}

// CostLedger tracks spend per calendar date. Increments are atomic on
// the server side (INCRBYFLOAT), never read-modify-write, so concurrent
// job completions cannot clobber each other's additions.
type CostLedger interface {
	// Add increments the given date's total and returns the new value.
	Add(ctx context.Context, day time.Time, delta float64) (float64, error)
	// SpentOn returns the running total for the given date (0 if unset).
	SpentOn(ctx context.Context, day time.Time) (float64, error)
}

type costLedger struct {
	client *redis.Client
}

// NewCostLedger creates a Redis-backed CostLedger.
func NewCostLedger(client *redis.Client) CostLedger {
	return &costLedger{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (l *costLedger) Add(ctx context.Context, day time.Time, delta float64) (float64, error) {
	key := ledgerKey(day)

	pipe := l.client.TxPipeline()
	incr := pipe.IncrByFloat(ctx, key, delta)
	pipe.Expire(ctx, key, ledgerTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cost ledger add %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (l *costLedger) SpentOn(ctx context.Context, day time.Time) (float64, error) {
	val, err := l.client.Get(ctx, ledgerKey(day)).Float64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("cost ledger read %s: %w", ledgerKey(day), err)
	}
	return val, nil
}
