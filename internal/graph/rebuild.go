package graph

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/devmem/internal/record"
)

// Writer is the graph store boundary used by a rebuild.
type Writer interface {
	// ClearDataset removes every derived node and edge of dataset and returns
	// the number of nodes deleted.
	ClearDataset(ctx context.Context, dataset string) (int64, error)
	CreateRecordNodes(ctx context.Context, dataset string, recs []*record.Record) error
	CreateNodes(ctx context.Context, dataset string, kind NodeKind, keys []string) error
	CreateEdges(ctx context.Context, dataset string, kind EdgeKind, edges []Edge) error
}

// RebuildResult is returned once the new graph is fully written. Readers
// waiting for a consistent graph should wait for it.
type RebuildResult struct {
	Dataset     string         `json:"dataset"`
	LockOwner   string         `json:"lock_owner"`
	Cleared     int64          `json:"cleared_nodes"`
	Stats       Stats          `json:"stats"`
	Warnings    []string       `json:"warnings,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Duration    string         `json:"duration"`
	Batches     map[string]int `json:"batches"`
}

// Rebuilder applies plans to a graph store under a per-dataset lease.
type Rebuilder struct {
	store     Writer
	locker    Locker
	ttl       time.Duration
	batchSize int
	logger    *zap.Logger
}

// RebuilderOption configures a Rebuilder.
type RebuilderOption func(*Rebuilder)

func WithLeaseTTL(ttl time.Duration) RebuilderOption {
	return func(r *Rebuilder) { r.ttl = ttl }
}

func WithBatchSize(n int) RebuilderOption {
	return func(r *Rebuilder) { r.batchSize = n }
}

func WithLogger(l *zap.Logger) RebuilderOption {
	return func(r *Rebuilder) { r.logger = l }
}

// NewRebuilder returns a Rebuilder writing to store.
func NewRebuilder(store Writer, locker Locker, opts ...RebuilderOption) *Rebuilder {
	r := &Rebuilder{
		store:     store,
		locker:    locker,
		ttl:       10 * time.Minute,
		batchSize: 500,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.batchSize < 1 {
		r.batchSize = 1
	}
	return r
}

// Rebuild clears the plan's dataset and recreates its nodes and edges. It
// holds the dataset lease for the whole clear-and-write sequence.
func (r *Rebuilder) Rebuild(ctx context.Context, plan *Plan) (*RebuildResult, error) {
	lock, err := r.locker.Acquire(ctx, plan.Dataset, r.ttl)
	if err != nil {
		r.logger.Warn("rebuild lock not acquired", zap.String("dataset", plan.Dataset), zap.Error(err))
		return nil, err
	}
	defer func() {
		if err := r.locker.Release(context.WithoutCancel(ctx), lock); err != nil {
			r.logger.Error("rebuild lock release failed", zap.String("dataset", plan.Dataset), zap.Error(err))
		}
	}()

	res := &RebuildResult{
		Dataset:   plan.Dataset,
		LockOwner: lock.Owner,
		StartedAt: time.Now().UTC(),
		Warnings:  plan.Warnings,
		Batches:   map[string]int{},
	}
	log := r.logger.With(zap.String("dataset", plan.Dataset), zap.String("owner", lock.Owner))

	res.Cleared, err = r.store.ClearDataset(ctx, plan.Dataset)
	if err != nil {
		return nil, fmt.Errorf("clear dataset %s: %w", plan.Dataset, err)
	}
	log.Info("graph dataset cleared", zap.Int64("nodes", res.Cleared))

	for _, batch := range chunk(plan.Records, r.batchSize) {
		if err := r.store.CreateRecordNodes(ctx, plan.Dataset, batch); err != nil {
			return nil, fmt.Errorf("create record nodes: %w", err)
		}
		res.Batches[string(NodeRecord)]++
	}

	for _, nodes := range []struct {
		kind NodeKind
		keys []string
	}{
		{NodeTag, plan.Tags},
		{NodeRepository, plan.Repositories},
		{NodeAuthor, plan.Authors},
	} {
		for _, batch := range chunk(nodes.keys, r.batchSize) {
			if err := r.store.CreateNodes(ctx, plan.Dataset, nodes.kind, batch); err != nil {
				return nil, fmt.Errorf("create %s nodes: %w", nodes.kind, err)
			}
			res.Batches[string(nodes.kind)]++
		}
	}

	for _, kind := range EdgeKinds {
		for _, batch := range chunk(plan.EdgesOf(kind), r.batchSize) {
			if err := r.store.CreateEdges(ctx, plan.Dataset, kind, batch); err != nil {
				return nil, fmt.Errorf("create %s edges: %w", kind, err)
			}
			res.Batches[string(kind)]++
		}
	}

	res.Stats = plan.Stats()
	res.CompletedAt = time.Now().UTC()
	res.Duration = res.CompletedAt.Sub(res.StartedAt).String()
	log.Info("graph rebuild complete",
		zap.Int("records", res.Stats.RecordNodes),
		zap.Int("tags", res.Stats.TagNodes),
		zap.Int("follows", res.Stats.Edges[EdgeFollows]),
		zap.Int("potential_cause", res.Stats.Edges[EdgePotentialCause]),
		zap.Int("warnings", len(plan.Warnings)),
	)
	return res, nil
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > 0 {
		n := size
		if n > len(items) {
			n = len(items)
		}
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}
