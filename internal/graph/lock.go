package graph

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	dmerrors "github.com/hpungsan/devmem/internal/errors"
)

// Lock is a held rebuild lease on one dataset.
type Lock struct {
	Dataset    string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Locker grants exclusive rebuild leases keyed by dataset. Acquire fails with
// REBUILD_CONFLICT while another unexpired lease is held.
type Locker interface {
	Acquire(ctx context.Context, dataset string, ttl time.Duration) (*Lock, error)
	Release(ctx context.Context, lock *Lock) error
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]*Lock
	clock func() time.Time
}

// NewMemoryLocker returns an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]*Lock), clock: time.Now}
}

func (m *MemoryLocker) Acquire(_ context.Context, dataset string, ttl time.Duration) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if cur, ok := m.held[dataset]; ok && now.Before(cur.ExpiresAt) {
		return nil, dmerrors.NewRebuildConflict(dataset, cur.Owner)
	}
	lock := &Lock{
		Dataset:    dataset,
		Owner:      ulid.Make().String(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	m.held[dataset] = lock
	return lock, nil
}

// Release drops the lease if it is still owned by lock.Owner.
func (m *MemoryLocker) Release(_ context.Context, lock *Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.held[lock.Dataset]; ok && cur.Owner == lock.Owner {
		delete(m.held, lock.Dataset)
	}
	return nil
}
