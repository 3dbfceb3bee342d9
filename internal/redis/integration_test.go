//go:build integration

package redis_test

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	redisstore "github.com/okoabh/okoa-automated-processor-sub000/internal/redis"
)

var testRedisAddr string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	redisCtr, err := tcRedis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Fatalf("start redis container: %v", err)
	}
	defer redisCtr.Terminate(ctx) //nolint:errcheck

	connStr, err := redisCtr.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("redis connection string: %v", err)
	}
	// ConnectionString returns "redis://host:port" — strip the scheme for go-redis Addr.
	testRedisAddr = strings.TrimPrefix(connStr, "redis://")

	return m.Run()
}

// newRedisClient returns a client connected to the test container and flushes
// the database on test cleanup so tests don't interfere with each other.
func newRedisClient(t *testing.T) *goredis.Client {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{Addr: testRedisAddr})
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

// ── Cost ledger ──────────────────────────────────────────────────────────────

func TestCostLedger_AddAndRead(t *testing.T) {
	ledger := redisstore.NewCostLedger(newRedisClient(t))
	ctx := context.Background()
	day := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	total, err := ledger.Add(ctx, day, 1.25)
	require.NoError(t, err)
	assert.InDelta(t, 1.25, total, 1e-9)

	total, err = ledger.Add(ctx, day, 0.50)
	require.NoError(t, err)
	assert.InDelta(t, 1.75, total, 1e-9)

	spent, err := ledger.SpentOn(ctx, day)
	require.NoError(t, err)
	assert.InDelta(t, 1.75, spent, 1e-9)
}

func TestCostLedger_UnsetDateIsZero(t *testing.T) {
	ledger := redisstore.NewCostLedger(newRedisClient(t))

	spent, err := ledger.SpentOn(context.Background(), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, spent)
}

func TestCostLedger_DatesAreIndependent(t *testing.T) {
	ledger := redisstore.NewCostLedger(newRedisClient(t))
	ctx := context.Background()

	dayA := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	dayB := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	_, err := ledger.Add(ctx, dayA, 3)
	require.NoError(t, err)
	_, err = ledger.Add(ctx, dayB, 5)
	require.NoError(t, err)

	a, err := ledger.SpentOn(ctx, dayA)
	require.NoError(t, err)
	b, err := ledger.SpentOn(ctx, dayB)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, a, 1e-9)
	assert.InDelta(t, 5.0, b, 1e-9)
}

func TestCostLedger_ConcurrentAddsDoNotClobber(t *testing.T) {
	ledger := redisstore.NewCostLedger(newRedisClient(t))
	ctx := context.Background()
	day := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	const goroutines = 20
	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Add(ctx, day, 0.1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	spent, err := ledger.SpentOn(ctx, day)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, spent, 1e-6, "all increments must survive concurrency")
}

// ── Rate limiter ─────────────────────────────────────────────────────────────

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 5, time.Second)
	ctx := context.Background()

	for i := range 5 {
		ok, err := limiter.Allow(ctx, "invoice")
		require.NoError(t, err)
		assert.True(t, ok, "enqueue %d should be allowed", i+1)
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 3, time.Second)
	ctx := context.Background()

	for range 3 {
		ok, err := limiter.Allow(ctx, "contract")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := limiter.Allow(ctx, "contract")
	require.NoError(t, err)
	assert.False(t, ok, "4th enqueue should be rate-limited")
}

func TestRateLimiter_IndependentJobTypes(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 1, time.Second)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "invoice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "invoice")
	require.NoError(t, err)
	assert.False(t, ok, "invoice should be limited")

	ok, err = limiter.Allow(ctx, "contract")
	require.NoError(t, err)
	assert.True(t, ok, "contract has its own window")
}
