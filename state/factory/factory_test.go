package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"

	"github.com/PipeOpsHQ/pipetrain-go/state/memory"
)

func TestFromEnv_SQLite(t *testing.T) {
	t.Setenv("PIPETRAIN_STATE_BACKEND", "sqlite")
	t.Setenv("PIPETRAIN_SQLITE_PATH", filepath.Join(t.TempDir(), "state.db"))

	s, err := FromEnv(context.Background(), logr.Discard())
	if err != nil {
		t.Fatalf("FromEnv sqlite failed: %v", err)
	}
	if s == nil {
		t.Fatalf("expected sqlite store")
	}
	defer s.Close()
}

func TestFromEnv_Memory(t *testing.T) {
	t.Setenv("PIPETRAIN_STATE_BACKEND", "Memory")
	s, err := FromEnv(context.Background(), logr.Discard())
	if err != nil {
		t.Fatalf("FromEnv memory failed: %v", err)
	}
	if _, ok := s.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", s)
	}
}

func TestFromEnv_HybridFallsBackWhenRedisUnavailable(t *testing.T) {
	t.Setenv("PIPETRAIN_STATE_BACKEND", "hybrid")
	t.Setenv("PIPETRAIN_SQLITE_PATH", filepath.Join(t.TempDir(), "state.db"))
	t.Setenv("PIPETRAIN_REDIS_ADDR", "127.0.0.1:1")

	s, err := FromEnv(context.Background(), logr.Discard())
	if err != nil {
		t.Fatalf("FromEnv hybrid failed unexpectedly: %v", err)
	}
	if s == nil {
		t.Fatalf("expected hybrid store")
	}
	defer s.Close()
}

func TestFromEnv_PostgresRequiresURL(t *testing.T) {
	t.Setenv("PIPETRAIN_STATE_BACKEND", "postgres")
	t.Setenv("PIPETRAIN_DATABASE_URL", "")
	if _, err := FromEnv(context.Background(), logr.Discard()); err == nil {
		t.Fatalf("expected error without database url")
	}
}

func TestFromEnv_InvalidBackend(t *testing.T) {
	t.Setenv("PIPETRAIN_STATE_BACKEND", "nope")
	if _, err := FromEnv(context.Background(), logr.Discard()); err == nil {
		t.Fatalf("expected error for invalid backend")
	}
}
