package phase_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shareflow/shareflow-api/internal/domain/phase"
)

func newRedisCache(t *testing.T) phase.ProgressCache {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	opt, err := redis.ParseURL(url)
	requireNoError(t, err)

	client := redis.NewClient(opt)
	t.Cleanup(func() { client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	requireNoError(t, client.FlushDB(context.Background()).Err())
	return phase.NewProgressCache(client, time.Minute)
}

func TestProgressCacheRoundTrip(t *testing.T) {
	cache := newRedisCache(t)
	ctx := context.Background()

	_, generation, ok := cache.Get(ctx)
	if ok {
		t.Fatal("expected empty cache")
	}

	cache.Set(ctx, generation, &phase.Progress{PhaseID: uuid.New(), UnitsSold: 7})

	got, _, ok := cache.Get(ctx)
	if !ok || got.UnitsSold != 7 {
		t.Fatalf("expected cached snapshot, got %+v (hit=%v)", got, ok)
	}
}

func TestProgressCacheDropsSnapshotReadBeforeInvalidate(t *testing.T) {
	cache := newRedisCache(t)
	ctx := context.Background()

	// A reader misses and goes to the database.
	_, generation, _ := cache.Get(ctx)

	// A writer commits and invalidates before the reader stores its result.
	cache.Invalidate(ctx)
	cache.Set(ctx, generation, &phase.Progress{UnitsSold: 1})

	if got, _, ok := cache.Get(ctx); ok {
		t.Fatalf("stale snapshot was cached: %+v", got)
	}

	// The next reader sees the new generation and may cache again.
	_, generation, _ = cache.Get(ctx)
	cache.Set(ctx, generation, &phase.Progress{UnitsSold: 2})
	if got, _, ok := cache.Get(ctx); !ok || got.UnitsSold != 2 {
		t.Fatalf("expected fresh snapshot, got %+v (hit=%v)", got, ok)
	}
}
