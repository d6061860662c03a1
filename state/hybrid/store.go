package hybrid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/PipeOpsHQ/pipetrain-go/state"
)

// HybridStore writes through to a durable store and keeps a best-effort cache
// in front of it. Cache failures are logged, never returned.
type HybridStore struct {
	durable state.Store
	cache   state.Store
	log     logr.Logger
}

type Option func(*HybridStore)

func WithLogger(log logr.Logger) Option {
	return func(h *HybridStore) {
		h.log = log
	}
}

func New(durable state.Store, cache state.Store, opts ...Option) (*HybridStore, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	h := &HybridStore{
		durable: durable,
		cache:   cache,
		log:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *HybridStore) SaveRun(ctx context.Context, run state.RunRecord) error {
	if err := h.durable.SaveRun(ctx, run); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.SaveRun(ctx, run); err != nil {
			h.log.Error(err, "hybrid store cache SaveRun failed", "runID", run.RunID)
		}
	}
	return nil
}

func (h *HybridStore) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if h.cache != nil {
		run, err := h.cache.LoadRun(ctx, runID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			h.log.Error(err, "hybrid store cache LoadRun failed")
		}
	}

	run, err := h.durable.LoadRun(ctx, runID)
	if err != nil {
		return state.RunRecord{}, err
	}
	if h.cache != nil {
		if err := h.cache.SaveRun(ctx, run); err != nil {
			h.log.Error(err, "hybrid store cache backfill SaveRun failed")
		}
	}
	return run, nil
}

func (h *HybridStore) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	return h.durable.ListRuns(ctx, query)
}

func (h *HybridStore) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	if err := h.durable.SaveCheckpoint(ctx, checkpoint); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.SaveCheckpoint(ctx, checkpoint); err != nil {
			h.log.Error(err, "hybrid store cache SaveCheckpoint failed")
		}
	}
	return nil
}

func (h *HybridStore) LoadLatestCheckpoint(ctx context.Context, runID string) (state.CheckpointRecord, error) {
	if h.cache != nil {
		checkpoint, err := h.cache.LoadLatestCheckpoint(ctx, runID)
		if err == nil {
			return checkpoint, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			h.log.Error(err, "hybrid store cache LoadLatestCheckpoint failed")
		}
	}

	checkpoint, err := h.durable.LoadLatestCheckpoint(ctx, runID)
	if err != nil {
		return state.CheckpointRecord{}, err
	}
	if h.cache != nil {
		if err := h.cache.SaveCheckpoint(ctx, checkpoint); err != nil {
			h.log.Error(err, "hybrid store cache backfill SaveCheckpoint failed")
		}
	}
	return checkpoint, nil
}

func (h *HybridStore) ListCheckpoints(ctx context.Context, runID string, limit int) ([]state.CheckpointRecord, error) {
	return h.durable.ListCheckpoints(ctx, runID, limit)
}

func (h *HybridStore) Close() error {
	var firstErr error
	if h.cache != nil {
		if err := h.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.durable != nil {
		if err := h.durable.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// locker prefers the cache for leases and falls back to the durable store.
func (h *HybridStore) locker() state.Locker {
	if l, ok := h.cache.(state.Locker); ok {
		return l
	}
	if l, ok := h.durable.(state.Locker); ok {
		return l
	}
	return nil
}

// AcquireRunLock delegates to whichever backend can hold leases. Without
// one every acquisition succeeds.
func (h *HybridStore) AcquireRunLock(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	if l := h.locker(); l != nil {
		return l.AcquireRunLock(ctx, runID, owner, ttl)
	}
	return true, nil
}

func (h *HybridStore) RenewRunLock(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	if l := h.locker(); l != nil {
		return l.RenewRunLock(ctx, runID, owner, ttl)
	}
	return true, nil
}

func (h *HybridStore) ReleaseRunLock(ctx context.Context, runID, owner string) error {
	if l := h.locker(); l != nil {
		return l.ReleaseRunLock(ctx, runID, owner)
	}
	return nil
}

var (
	_ state.Store  = (*HybridStore)(nil)
	_ state.Locker = (*HybridStore)(nil)
)
