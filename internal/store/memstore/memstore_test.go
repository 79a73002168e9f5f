package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/devmem/internal/aggregate"
	dmerrors "github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/graph"
	"github.com/hpungsan/devmem/internal/record"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func rec(id string, ct record.ContentType, at time.Time, tags ...string) *record.Record {
	return &record.Record{
		ID:          id,
		Dataset:     "dev",
		Stream:      record.StreamMemory,
		Content:     "content of " + id,
		ContentType: ct,
		CreatedAt:   at,
		Tags:        tags,
		Sentiment:   record.SentimentNeutral,
		Complexity:  record.ComplexityLow,
		Phase:       record.PhaseGeneral,
		Domain:      record.DomainGeneral,
	}
}

func TestVector_UpsertKeepsEmbeddings(t *testing.T) {
	ctx := context.Background()
	v := NewVector()
	require.NoError(t, v.UpsertRecords(ctx, "dev", []*record.Record{rec("a", record.ContentCode, t0)}))
	require.NoError(t, v.SetEmbeddings(ctx, "dev", map[string][]float32{"a": {1, 0}}))

	again := rec("a", record.ContentDecision, t0)
	again.Embedding = []float32{0, 1}
	require.NoError(t, v.UpsertRecords(ctx, "dev", []*record.Record{again}))

	recs, err := v.Records(ctx, "dev")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, record.ContentDecision, recs[0].ContentType)
	assert.Equal(t, []float32{1, 0}, recs[0].Embedding)

	err = v.SetEmbeddings(ctx, "dev", map[string][]float32{"missing": {1}})
	assert.True(t, dmerrors.Is(err, dmerrors.ErrNotFound))
}

func TestVector_Neighbors(t *testing.T) {
	ctx := context.Background()
	v := NewVector()
	require.NoError(t, v.UpsertRecords(ctx, "dev", []*record.Record{
		rec("q", record.ContentCode, t0),
		rec("near", record.ContentCode, t0),
		rec("far", record.ContentCode, t0),
		rec("mid", record.ContentCode, t0),
		rec("bare", record.ContentCode, t0),
	}))
	require.NoError(t, v.SetEmbeddings(ctx, "dev", map[string][]float32{
		"q":    {1, 0},
		"near": {1, 0.1},
		"mid":  {1, 1},
		"far":  {0, 1},
	}))

	got, err := v.Neighbors(ctx, "dev", "q", 10, 0.5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].ID)
	assert.Equal(t, "mid", got[1].ID)
	assert.InDelta(t, 1-0.7071, got[1].Distance, 1e-3)

	got, err = v.Neighbors(ctx, "dev", "q", 1, 0.5)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = v.Neighbors(ctx, "dev", "nope", 1, 0.5)
	assert.True(t, dmerrors.Is(err, dmerrors.ErrNotFound))
	_, err = v.Neighbors(ctx, "dev", "bare", 1, 0.5)
	assert.True(t, dmerrors.Is(err, dmerrors.ErrInvalidRequest))
}

func TestGraph_ApplyPlanAndOrphans(t *testing.T) {
	ctx := context.Background()
	g := NewGraph()
	recs := []*record.Record{
		rec("a", record.ContentCode, t0, "docker"),
		rec("b", record.ContentCode, t0.Add(time.Hour)),
		rec("c", record.ContentCode, time.Time{}),
	}
	plan := graph.Build("dev", recs, graph.Options{})

	rebuilder := graph.NewRebuilder(g, graph.NewMemoryLocker())
	_, err := rebuilder.Rebuild(ctx, plan)
	require.NoError(t, err)

	assert.Equal(t, 3, g.NodeCount("dev", graph.NodeRecord))
	assert.Equal(t, 1, g.NodeCount("dev", graph.NodeTag))
	orphans, err := g.Orphans(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, orphans)
	assert.Equal(t, plan.Orphans(), orphans)

	// a second rebuild leaves the same graph
	first := g.Edges("dev")
	_, err = rebuilder.Rebuild(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, first, g.Edges("dev"))
	assert.Equal(t, 3, g.NodeCount("dev", graph.NodeRecord))
}

func TestSearch_Aggregate(t *testing.T) {
	ctx := context.Background()
	s := NewSearch()
	a := rec("a", record.ContentCode, t0)
	a.Sentiment = record.SentimentNegative
	b := rec("b", record.ContentCode, t0.Add(time.Hour))
	b.Content = "xx"
	c := rec("c", record.ContentDecision, t0)
	c.Sentiment = record.SentimentNegative
	require.NoError(t, s.IndexRecords(ctx, "dev", []*record.Record{a, b, c, rec("d", record.ContentCode, time.Time{})}))

	buckets, err := s.Aggregate(ctx, aggregate.Query{
		Dataset:    "dev",
		Dimensions: []aggregate.Dimension{aggregate.HourOfDay, aggregate.Sentiment},
		Filters:    map[aggregate.Dimension]string{aggregate.ContentType: "code"},
	})
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, aggregate.Bucket{Key: []string{"9", "negative"}, Count: 1, AvgContentLength: 12}, buckets[0])
	assert.Equal(t, aggregate.Bucket{Key: []string{"10", "neutral"}, Count: 1, AvgContentLength: 2}, buckets[1])

	table, err := aggregate.NewBuilder(s).Build(ctx, aggregate.Request{Dataset: "dev", Dimensions: []string{"sentiment"}})
	require.NoError(t, err)
	assert.Equal(t, int64(4), table.Total)
}

func TestFaults(t *testing.T) {
	ctx := context.Background()
	s := NewSearch()
	s.SetError(errors.New("cluster red"))
	_, err := s.Summary(ctx, "dev")
	assert.EqualError(t, err, "cluster red")
	s.SetError(nil)
	_, err = s.Summary(ctx, "dev")
	assert.NoError(t, err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = NewVector().ListIDs(cctx, "dev")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSearch_ClearAndRefresh(t *testing.T) {
	ctx := context.Background()
	s := NewSearch()
	require.NoError(t, s.IndexRecords(ctx, "dev", []*record.Record{rec("a", record.ContentCode, t0), rec("b", record.ContentCode, t0)}))
	require.NoError(t, s.IndexRecords(ctx, "other", []*record.Record{rec("c", record.ContentCode, t0)}))

	n, err := s.ClearDataset(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	ids, err := s.ListIDs(ctx, "dev")
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = s.ListIDs(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids)

	require.NoError(t, s.Refresh(ctx))
	s.SetError(errors.New("cluster red"))
	assert.Error(t, s.Refresh(ctx))
	assert.Equal(t, 1, s.Refreshes())
}
