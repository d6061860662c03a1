package trainer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/PipeOpsHQ/pipetrain-go/checkpoint"
	"github.com/PipeOpsHQ/pipetrain-go/state"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

const (
	defaultRunLockTTL = 2 * time.Minute
	leaseCallTimeout  = 5 * time.Second
)

// runLease holds the ledger lock that makes rank 0 the only writer of the
// checkpoint directory. It is renewed in the background until released.
type runLease struct {
	locker state.Locker
	key    string
	owner  string
	ttl    time.Duration
	log    logr.Logger

	lost atomic.Bool
	stop chan struct{}
	done chan struct{}
}

func (r *Runner) leaseKey() string {
	dir := r.params.CheckpointsDir
	if dir == "" {
		return r.runID
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return "checkpoints:" + dir
}

// acquireLease takes the run lock on rank 0 when the ledger can hold one.
// Another owner holding it is a configuration error; an unreachable backend
// is only logged.
func (r *Runner) acquireLease(ctx context.Context) error {
	locker, ok := r.ledger.(state.Locker)
	if !ok || r.params.WorldRank != 0 {
		return nil
	}
	host, _ := os.Hostname()
	l := &runLease{
		locker: locker,
		key:    r.leaseKey(),
		owner:  fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()[:8]),
		ttl:    r.lockTTL,
		log:    r.log.WithValues("lock", r.leaseKey()),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	callCtx, cancel := context.WithTimeout(ctx, leaseCallTimeout)
	defer cancel()
	held, err := locker.AcquireRunLock(callCtx, l.key, l.owner, l.ttl)
	if err != nil {
		r.log.Info("run lock unavailable, continuing without it", "lock", l.key, "error", err.Error(), "warning", true)
		return nil
	}
	if !held {
		return fmt.Errorf("%w: %s is locked by another process", ErrConfiguration, l.key)
	}
	l.log.V(1).Info("run lock acquired", "owner", l.owner, "ttl", l.ttl.String())
	go l.renewLoop()
	r.lease = l
	return nil
}

func (l *runLease) renewLoop() {
	defer close(l.done)
	ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if !l.renew(context.Background()) {
				return
			}
		}
	}
}

// renew reports false once the lease is known to be lost.
func (l *runLease) renew(ctx context.Context) bool {
	if l.lost.Load() {
		return false
	}
	callCtx, cancel := context.WithTimeout(ctx, leaseCallTimeout)
	defer cancel()
	ok, err := l.locker.RenewRunLock(callCtx, l.key, l.owner, l.ttl)
	if err != nil {
		l.log.Info("failed to renew run lock", "error", err.Error(), "warning", true)
		return true
	}
	if !ok {
		l.lost.Store(true)
		l.log.Error(nil, "run lock lost to another owner", "owner", l.owner)
		return false
	}
	return true
}

// confirmLease guards registry mutations. Without a lease there is nothing
// to confirm.
func (r *Runner) confirmLease(ctx context.Context) error {
	if r.lease == nil {
		return nil
	}
	if !r.lease.renew(ctx) {
		return fmt.Errorf("%w: run lock %s is no longer held", checkpoint.ErrCheckpoint, r.lease.key)
	}
	return nil
}

func (r *Runner) releaseLease(ctx context.Context) error {
	l := r.lease
	if l == nil {
		return nil
	}
	r.lease = nil
	close(l.stop)
	<-l.done
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseCallTimeout)
	defer cancel()
	if err := l.locker.ReleaseRunLock(callCtx, l.key, l.owner); err != nil {
		return fmt.Errorf("failed to release run lock %s: %w", l.key, err)
	}
	l.log.V(1).Info("run lock released")
	return nil
}

// Close releases the run lock taken by Initialize. EndTraining calls it;
// callers that stop early should call it themselves.
func (r *Runner) Close(ctx context.Context) error {
	return r.releaseLease(ctx)
}
