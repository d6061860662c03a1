package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/PipeOpsHQ/pipetrain-go/state"
)

const defaultLockTTL = 15 * time.Second

// AcquireRunLock takes the lease when it is free or expired. Expiry uses
// the server clock.
func (s *Store) AcquireRunLock(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	if runID == "" || owner == "" {
		return false, fmt.Errorf("run_id and owner are required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	const q = `
INSERT INTO pipetrain_run_locks (run_id, owner, expires_at)
VALUES ($1, $2, now() + $3::float8 * interval '1 millisecond')
ON CONFLICT (run_id) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
WHERE pipetrain_run_locks.expires_at <= now();
`
	res, err := s.db.ExecContext(ctx, q, runID, owner, ttl.Milliseconds())
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
	const q = `
UPDATE pipetrain_run_locks SET expires_at = now() + $3::float8 * interval '1 millisecond'
WHERE run_id = $1 AND owner = $2 AND expires_at > now();
`
	res, err := s.db.ExecContext(ctx, q, runID, owner, ttl.Milliseconds())
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
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pipetrain_run_locks WHERE run_id = $1 AND owner = $2`, runID, owner); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

var _ state.Locker = (*Store)(nil)
