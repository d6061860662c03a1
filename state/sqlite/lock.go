package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/PipeOpsHQ/pipetrain-go/state"
)

const defaultLockTTL = 15 * time.Second

// AcquireRunLock takes the lease when it is free or expired. Expiry is
// stored in unix milliseconds.
func (s *Store) AcquireRunLock(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	if runID == "" || owner == "" {
		return false, fmt.Errorf("run_id and owner are required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	now := time.Now()
	const q = `
INSERT INTO run_locks (run_id, owner, expires_at) VALUES (?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
WHERE run_locks.expires_at <= ?;
`
	res, err := s.db.ExecContext(ctx, q, runID, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	return n == 1, nil
}

func (s *Store) RenewRunLock(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	if runID == "" || owner == "" {
		return false, fmt.Errorf("run_id and owner are required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	now := time.Now()
	const q = `UPDATE run_locks SET expires_at = ? WHERE run_id = ? AND owner = ? AND expires_at > ?;`
	res, err := s.db.ExecContext(ctx, q, now.Add(ttl).UnixMilli(), runID, owner, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to renew run lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to renew run lock: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ReleaseRunLock(ctx context.Context, runID, owner string) error {
	if runID == "" || owner == "" {
		return fmt.Errorf("run_id and owner are required")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_locks WHERE run_id = ? AND owner = ?;`, runID, owner); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

var _ state.Locker = (*Store)(nil)
