package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/devmem/internal/errors"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRuns_StartFinishGet(t *testing.T) {
	db := testDB(t)

	run, err := StartRun(db, KindImport, "dev")
	require.NoError(t, err)
	assert.Equal(t, RunRunning, run.Status)
	assert.Len(t, run.ID, 26)

	run.Status = RunPartial
	run.Processed, run.Skipped, run.Failed = 10, 2, 1
	require.NoError(t, FinishRun(db, run, map[string]any{"source": "memories.jsonl"}))
	require.NotNil(t, run.FinishedAt)

	got, err := GetRun(db, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunPartial, got.Status)
	assert.Equal(t, 10, got.Processed)
	assert.Equal(t, 2, got.Skipped)
	assert.Equal(t, 1, got.Failed)
	assert.JSONEq(t, `{"source":"memories.jsonl"}`, string(got.Detail))
	require.NotNil(t, got.FinishedAt)
}

func TestRuns_NotFound(t *testing.T) {
	db := testDB(t)

	_, err := GetRun(db, "01NOPE")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	err = FinishRun(db, &Run{ID: "01NOPE", Status: RunFailed}, nil)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestListRuns_Filters(t *testing.T) {
	db := testDB(t)

	for _, tc := range []struct{ kind, dataset string }{
		{KindImport, "dev"},
		{KindRebuild, "dev"},
		{KindImport, "other"},
	} {
		_, err := StartRun(db, tc.kind, tc.dataset)
		require.NoError(t, err)
	}

	all, err := ListRuns(db, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	dev, err := ListRuns(db, RunFilter{Dataset: "dev"})
	require.NoError(t, err)
	assert.Len(t, dev, 2)

	imports, err := ListRuns(db, RunFilter{Kind: KindImport, Limit: 1})
	require.NoError(t, err)
	require.Len(t, imports, 1)
	assert.Equal(t, KindImport, imports[0].Kind)

	none, err := ListRuns(db, RunFilter{Dataset: "missing"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestLeaseLocker(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLeaseLocker(db)
	l.clock = func() time.Time { return now }

	first, err := l.Acquire(ctx, "dev", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "dev", time.Minute)
	assert.True(t, errors.Is(err, errors.ErrRebuildConflict))

	other, err := l.Acquire(ctx, "other", time.Minute)
	require.NoError(t, err, "leases are per dataset")
	require.NoError(t, l.Release(ctx, other))

	// a stale owner cannot release a newer lease
	now = now.Add(2 * time.Minute)
	second, err := l.Acquire(ctx, "dev", time.Minute)
	require.NoError(t, err, "expired lease is taken over")
	require.NoError(t, l.Release(ctx, first))
	_, err = l.Acquire(ctx, "dev", time.Minute)
	assert.True(t, errors.Is(err, errors.ErrRebuildConflict))

	require.NoError(t, l.Release(ctx, second))
	_, err = l.Acquire(ctx, "dev", time.Minute)
	assert.NoError(t, err)
}
