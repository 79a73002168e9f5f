package graph

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dmerrors "github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/record"
)

type fakeWriter struct {
	mu     sync.Mutex
	nodes  map[string]int
	edges  map[EdgeKind]int
	calls  []string
	failOn string
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{nodes: map[string]int{}, edges: map[EdgeKind]int{}}
}

func (f *fakeWriter) ClearDataset(_ context.Context, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "clear")
	var n int64
	for _, c := range f.nodes {
		n += int64(c)
	}
	f.nodes = map[string]int{}
	f.edges = map[EdgeKind]int{}
	return n, nil
}

func (f *fakeWriter) CreateRecordNodes(_ context.Context, _ string, recs []*record.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "records")
	f.nodes[string(NodeRecord)] += len(recs)
	return nil
}

func (f *fakeWriter) CreateNodes(_ context.Context, _ string, kind NodeKind, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, string(kind))
	f.nodes[string(kind)] += len(keys)
	return nil
}

func (f *fakeWriter) CreateEdges(_ context.Context, _ string, kind EdgeKind, edges []Edge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if string(kind) == f.failOn {
		return errors.New("write refused")
	}
	f.calls = append(f.calls, string(kind))
	f.edges[kind] += len(edges)
	return nil
}

func samplePlan() *Plan {
	return Build("dev", []*record.Record{
		rec("A", "memory", t0, record.SentimentPositive, "docker"),
		rec("B", "memory", t0.Add(time.Second), record.SentimentNegative, "docker", "nginx"),
		rec("C", "memory", t0.Add(2*time.Second), record.SentimentNeutral),
	}, Options{})
}

func TestRebuild_WritesPlan(t *testing.T) {
	w := newFakeWriter()
	r := NewRebuilder(w, NewMemoryLocker(), WithBatchSize(2))

	res, err := r.Rebuild(context.Background(), samplePlan())
	require.NoError(t, err)

	assert.Equal(t, "clear", w.calls[0])
	assert.Equal(t, 3, w.nodes[string(NodeRecord)])
	assert.Equal(t, 2, w.nodes[string(NodeTag)])
	assert.Equal(t, 3, w.edges[EdgeHasTag])
	assert.Equal(t, 2, w.edges[EdgeFollows])
	assert.Equal(t, 1, w.edges[EdgePotentialCause])
	assert.Equal(t, 2, res.Batches[string(NodeRecord)])
	assert.Equal(t, 2, res.Batches[string(EdgeHasTag)])
	assert.False(t, res.CompletedAt.Before(res.StartedAt))
	assert.NotEmpty(t, res.LockOwner)
}

func TestRebuild_Idempotent(t *testing.T) {
	w := newFakeWriter()
	r := NewRebuilder(w, NewMemoryLocker())

	first, err := r.Rebuild(context.Background(), samplePlan())
	require.NoError(t, err)
	snapshotNodes := w.nodes[string(NodeRecord)]
	snapshotEdges := w.edges[EdgeFollows]

	second, err := r.Rebuild(context.Background(), samplePlan())
	require.NoError(t, err)

	assert.Equal(t, first.Stats, second.Stats)
	assert.Equal(t, int64(5), second.Cleared)
	assert.Equal(t, snapshotNodes, w.nodes[string(NodeRecord)])
	assert.Equal(t, snapshotEdges, w.edges[EdgeFollows])
}

func TestRebuild_ConflictWhileHeld(t *testing.T) {
	locker := NewMemoryLocker()
	w := &nestedWriter{fakeWriter: newFakeWriter()}
	outer := NewRebuilder(w, locker)
	inner := NewRebuilder(newFakeWriter(), locker)

	w.nested = func() error {
		_, err := inner.Rebuild(context.Background(), samplePlan())
		return err
	}

	_, err := outer.Rebuild(context.Background(), samplePlan())
	require.NoError(t, err)
	require.True(t, dmerrors.Is(w.nestedErr, dmerrors.ErrRebuildConflict), "nested error = %v", w.nestedErr)

	_, err = inner.Rebuild(context.Background(), samplePlan())
	require.NoError(t, err, "lease is free after completion")
}

// nestedWriter starts a second rebuild while the first one is clearing.
type nestedWriter struct {
	*fakeWriter
	nested    func() error
	nestedErr error
}

func (w *nestedWriter) ClearDataset(ctx context.Context, dataset string) (int64, error) {
	if w.nested != nil {
		w.nestedErr = w.nested()
	}
	return w.fakeWriter.ClearDataset(ctx, dataset)
}

func TestRebuild_ReleasesLockOnFailure(t *testing.T) {
	locker := NewMemoryLocker()
	w := newFakeWriter()
	w.failOn = string(EdgeFollows)
	r := NewRebuilder(w, locker)

	_, err := r.Rebuild(context.Background(), samplePlan())
	require.Error(t, err)

	w.failOn = ""
	_, err = r.Rebuild(context.Background(), samplePlan())
	require.NoError(t, err, "lease must be released after a failed rebuild")
}

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	now := t0
	l := NewMemoryLocker()
	l.clock = func() time.Time { return now }

	first, err := l.Acquire(ctx, "dev", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "dev", time.Minute)
	require.True(t, dmerrors.Is(err, dmerrors.ErrRebuildConflict))

	other, err := l.Acquire(ctx, "prod", time.Minute)
	require.NoError(t, err, "different datasets do not conflict")
	require.NoError(t, l.Release(ctx, other))

	now = now.Add(2 * time.Minute)
	second, err := l.Acquire(ctx, "dev", time.Minute)
	require.NoError(t, err, "expired lease can be taken over")

	// Stale owner releasing must not drop the new lease.
	require.NoError(t, l.Release(ctx, first))
	_, err = l.Acquire(ctx, "dev", time.Minute)
	require.True(t, dmerrors.Is(err, dmerrors.ErrRebuildConflict))

	require.NoError(t, l.Release(ctx, second))
	_, err = l.Acquire(ctx, "dev", time.Minute)
	require.NoError(t, err)
}

func TestChunk(t *testing.T) {
	assert.Len(t, chunk([]int{1, 2, 3, 4, 5}, 2), 3)
	assert.Len(t, chunk([]int{}, 2), 0)
	assert.Equal(t, [][]int{{1, 2}}, chunk([]int{1, 2}, 5))
}
