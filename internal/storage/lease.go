package storage

import (
	"context"
	"time"
)

// LeaseRepo manages named advisory leases in the shared database.
type LeaseRepo struct {
	q queryer
}

// Acquire takes or renews the lease name for holder until now+ttl. It
// reports false when another holder owns a lease that has not expired.
func (r *LeaseRepo) Acquire(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := r.q.ExecContext(ctx, `INSERT INTO poller_lease(name, holder, expires_at) VALUES(?,?,?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE poller_lease.holder = excluded.holder OR poller_lease.expires_at <= ?`,
		name, holder, millis(now.Add(ttl)), millis(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Release drops the lease if holder still owns it.
func (r *LeaseRepo) Release(ctx context.Context, name, holder string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM poller_lease WHERE name = ? AND holder = ?`, name, holder)
	return err
}
