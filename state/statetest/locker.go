package statetest

import (
	"context"
	"testing"
	"time"

	"github.com/PipeOpsHQ/pipetrain-go/state"
)

// RunLocker exercises the lease contract of a state.Locker. runID must be
// unused in the backend.
func RunLocker(t *testing.T, l state.Locker, runID string) {
	t.Helper()
	ctx := context.Background()
	ttl := 5 * time.Second

	if ok, err := l.AcquireRunLock(ctx, runID, "owner-a", ttl); err != nil || !ok {
		t.Fatalf("first acquisition = %v, %v", ok, err)
	}
	if ok, err := l.AcquireRunLock(ctx, runID, "owner-b", ttl); err != nil || ok {
		t.Fatalf("second owner acquired a held lease: %v, %v", ok, err)
	}
	if ok, err := l.RenewRunLock(ctx, runID, "owner-a", ttl); err != nil || !ok {
		t.Fatalf("owner renewal = %v, %v", ok, err)
	}
	if ok, err := l.RenewRunLock(ctx, runID, "owner-b", ttl); err != nil || ok {
		t.Fatalf("non-owner renewed the lease: %v, %v", ok, err)
	}
	if err := l.ReleaseRunLock(ctx, runID, "owner-b"); err != nil {
		t.Fatalf("release by non-owner: %v", err)
	}
	if ok, _ := l.AcquireRunLock(ctx, runID, "owner-b", ttl); ok {
		t.Fatal("release by non-owner freed the lease")
	}
	if err := l.ReleaseRunLock(ctx, runID, "owner-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := l.RenewRunLock(ctx, runID, "owner-a", ttl); ok {
		t.Fatal("renewed a released lease")
	}
	if ok, err := l.AcquireRunLock(ctx, runID, "owner-b", ttl); err != nil || !ok {
		t.Fatalf("acquisition after release = %v, %v", ok, err)
	}
	_ = l.ReleaseRunLock(ctx, runID, "owner-b")
}
