package memory

import (
	"context"
	"testing"
	"time"

	"github.com/PipeOpsHQ/pipetrain-go/state"
	"github.com/PipeOpsHQ/pipetrain-go/state/statetest"
)

func TestMemoryStore(t *testing.T) {
	statetest.Run(t, func(t *testing.T) state.Store { return New() })
}

func TestMemoryStore_Locks(t *testing.T) {
	statetest.RunLocker(t, New(), "run-lock")

	s := New()
	ctx := context.Background()
	if ok, _ := s.AcquireRunLock(ctx, "run-expiring", "a", time.Nanosecond); !ok {
		t.Fatal("first acquisition should succeed")
	}
	time.Sleep(time.Millisecond)
	if ok, _ := s.RenewRunLock(ctx, "run-expiring", "a", time.Second); ok {
		t.Fatal("expired lease must not be renewed")
	}
	if ok, _ := s.AcquireRunLock(ctx, "run-expiring", "b", time.Second); !ok {
		t.Fatal("expired lease should be free")
	}
}
