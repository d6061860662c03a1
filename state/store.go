package state

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("state: not found")
	ErrConflict = errors.New("state: conflict")
)

type ListRunsQuery struct {
	Model  string
	Status string
	Limit  int
	Offset int
}

type Store interface {
	SaveRun(ctx context.Context, run RunRecord) error
	LoadRun(ctx context.Context, runID string) (RunRecord, error)
	ListRuns(ctx context.Context, query ListRunsQuery) ([]RunRecord, error)

	SaveCheckpoint(ctx context.Context, checkpoint CheckpointRecord) error
	LoadLatestCheckpoint(ctx context.Context, runID string) (CheckpointRecord, error)
	ListCheckpoints(ctx context.Context, runID string, limit int) ([]CheckpointRecord, error)

	Close() error
}

// Locker is implemented by backends that can lease a run to a single owner.
// Leases expire after ttl unless renewed by their owner.
type Locker interface {
	AcquireRunLock(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error)
	// RenewRunLock extends the lease. It returns false when owner no longer
	// holds it.
	RenewRunLock(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error)
	ReleaseRunLock(ctx context.Context, runID, owner string) error
}
