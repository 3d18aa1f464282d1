package db

import (
	"context"
	"time"
)

// AcquireLease takes or renews the named lease for holder until now+ttl. It
// reports false if another holder owns an unexpired lease.
func (r *Repository) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
	INSERT INTO sync_leases (name, holder, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
	WHERE sync_leases.holder = excluded.holder OR sync_leases.expires_at <= ?`,
		name, holder, now+ttl.Milliseconds(), now)
	if err != nil {
		return false, dbErr("failed to acquire lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbErr("failed to read affected rows", err)
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if holder still owns it.
func (r *Repository) ReleaseLease(ctx context.Context, name, holder string) error {
	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM sync_leases WHERE name = ? AND holder = ?", name, holder); err != nil {
		return dbErr("failed to release lease", err)
	}
	return nil
}
