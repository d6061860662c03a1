package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/pipetrain-go/state"
	"github.com/PipeOpsHQ/pipetrain-go/state/statetest"
)

func newTestRedisStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	prefix := "pipetrain-test-" + uuid.NewString()

	s, err := New(addr, WithPrefix(prefix), WithTTL(5*time.Minute))
	if err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		keys, _ := s.client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = s.client.Del(ctx, keys...).Err()
		}
		_ = s.Close()
	})
	return s
}

func TestRedisStore(t *testing.T) {
	statetest.Run(t, func(t *testing.T) state.Store { return newTestRedisStore(t) })
}

func TestRedisStore_RunTTL(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.SaveRun(ctx, state.RunRecord{RunID: "run-1", Model: "m"}); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	ttl, err := s.client.TTL(ctx, s.runKey("run-1")).Result()
	if err != nil {
		t.Fatalf("failed to read run ttl: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("expected ttl > 0, got %v", ttl)
	}
}

func TestRedisStore_PrunesStaleModelIndexEntries(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.SaveRun(ctx, state.RunRecord{RunID: "run-stale", Model: "model-stale"}); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if err := s.client.Del(ctx, s.runKey("run-stale")).Err(); err != nil {
		t.Fatalf("failed to delete run key: %v", err)
	}

	runs, err := s.ListRuns(ctx, state.ListRunsQuery{Model: "model-stale", Limit: 10})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected 0 runs after stale key prune, got %d", len(runs))
	}

	score, err := s.client.ZScore(ctx, s.modelIndexKey("model-stale"), "run-stale").Result()
	if err == nil {
		t.Fatalf("expected stale run index removed, found zscore=%f", score)
	}
}

func TestRedisStore_LockHelpers(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	runID := "run-lock-" + uuid.NewString()

	got, err := s.AcquireRunLock(ctx, runID, "stage-0", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireRunLock 1 failed: %v", err)
	}
	if !got {
		t.Fatalf("expected first lock acquisition to succeed")
	}
	got, err = s.AcquireRunLock(ctx, runID, "stage-0-dup", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireRunLock 2 failed: %v", err)
	}
	if got {
		t.Fatalf("expected second lock acquisition to fail")
	}

	if err := s.ReleaseRunLock(ctx, runID, "stage-0-dup"); err != nil {
		t.Fatalf("ReleaseRunLock with wrong owner should not error: %v", err)
	}
	got, _ = s.AcquireRunLock(ctx, runID, "other", 5*time.Second)
	if got {
		t.Fatalf("expected lock to remain held with wrong owner release")
	}

	if err := s.ReleaseRunLock(ctx, runID, "stage-0"); err != nil {
		t.Fatalf("ReleaseRunLock with right owner failed: %v", err)
	}
	got, err = s.AcquireRunLock(ctx, runID, "next", 5*time.Second)
	if err != nil || !got {
		t.Fatalf("expected lock acquisition after release, got %v %v", got, err)
	}
	if got, err = s.RenewRunLock(ctx, runID, "next", 10*time.Second); err != nil || !got {
		t.Fatalf("expected owner renewal, got %v %v", got, err)
	}
	if ttl := s.client.PTTL(ctx, s.lockKey(runID)).Val(); ttl <= 5*time.Second {
		t.Fatalf("renewal did not extend the lease, ttl=%s", ttl)
	}
	_ = s.ReleaseRunLock(ctx, runID, "next")

	statetest.RunLocker(t, s, "run-lock-"+uuid.NewString())
}

func BenchmarkRedisStore_SaveRun(b *testing.B) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	s, err := New(addr, WithPrefix("pipetrain-bench-"+uuid.NewString()))
	if err != nil {
		b.Skipf("redis unavailable: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		run := state.RunRecord{
			RunID: fmt.Sprintf("run-%d", i),
			Model: "bench",
			Step:  uint64(i),
		}
		if err := s.SaveRun(ctx, run); err != nil {
			b.Fatalf("SaveRun failed: %v", err)
		}
	}
}
