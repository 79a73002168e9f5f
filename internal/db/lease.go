package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/graph"
)

// LeaseLocker is a graph.Locker backed by the rebuild_leases table, so
// rebuilds from separate processes sharing one ledger exclude each other.
type LeaseLocker struct {
	db    *sql.DB
	clock func() time.Time
}

func NewLeaseLocker(db *sql.DB) *LeaseLocker {
	return &LeaseLocker{db: db, clock: time.Now}
}

// Acquire takes the dataset lease unless an unexpired one is held.
func (l *LeaseLocker) Acquire(ctx context.Context, dataset string, ttl time.Duration) (*graph.Lock, error) {
	now := l.clock()
	lock := &graph.Lock{
		Dataset:    dataset,
		Owner:      ulid.Make().String(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	// The conditional upsert only replaces an expired lease.
	result, err := l.db.ExecContext(ctx, `
		INSERT INTO rebuild_leases (dataset, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(dataset) DO UPDATE SET
		  owner = excluded.owner,
		  acquired_at = excluded.acquired_at,
		  expires_at = excluded.expires_at
		WHERE rebuild_leases.expires_at <= ?
	`, dataset, lock.Owner, now.UnixMilli(), lock.ExpiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	if rowsAffected == 0 {
		var holder string
		err := l.db.QueryRowContext(ctx, `SELECT owner FROM rebuild_leases WHERE dataset = ?`, dataset).Scan(&holder)
		if err != nil && err != sql.ErrNoRows {
			return nil, errors.NewInternal(err)
		}
		return nil, errors.NewRebuildConflict(dataset, holder)
	}
	return lock, nil
}

// Release deletes the lease if lock still owns it.
func (l *LeaseLocker) Release(ctx context.Context, lock *graph.Lock) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM rebuild_leases WHERE dataset = ? AND owner = ?`, lock.Dataset, lock.Owner)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}
