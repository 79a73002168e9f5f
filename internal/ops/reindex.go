package ops

import (
	"context"

	"go.uber.org/zap"

	"github.com/hpungsan/devmem/internal/db"
	"github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/record"
)

// ReindexInput contains parameters for the Reindex operation.
type ReindexInput struct {
	Dataset string
}

// ReindexOutput reports how the search index was replaced.
type ReindexOutput struct {
	RunID   string `json:"run_id,omitempty"`
	Dataset string `json:"dataset"`
	Cleared int64  `json:"cleared"`
	Indexed int    `json:"indexed"`
}

// Reindex replaces the dataset's search documents with the records held by
// the vector store: the dataset is cleared from the index, every record is
// re-indexed in batches and the index is refreshed. A failure after the
// clear leaves the index short; running Reindex again repairs it.
func Reindex(ctx context.Context, deps *Deps, input ReindexInput) (*ReindexOutput, error) {
	dataset, err := requireDataset(input.Dataset)
	if err != nil {
		return nil, err
	}
	log := deps.log().With(zap.String("dataset", dataset))

	var recs []*record.Record
	if err := timed(deps, deps.Vector.Name(), "records", func() error {
		var err error
		recs, err = deps.Vector.Records(ctx, dataset)
		return err
	}); err != nil {
		return nil, storeError(deps.Vector.Name(), err)
	}
	if len(recs) == 0 {
		return nil, errors.NewNotFound("dataset " + dataset)
	}
	record.SortByID(recs)

	run, err := deps.startRun(db.KindReindex, dataset)
	if err != nil {
		return nil, err
	}
	out := &ReindexOutput{RunID: runID(run), Dataset: dataset}

	err = reindex(ctx, deps, dataset, recs, out)
	if run != nil {
		run.Status = db.RunSucceeded
		run.Processed = out.Indexed
		detail := map[string]any{"cleared": out.Cleared}
		if err != nil {
			run.Status = db.RunFailed
			run.Failed = len(recs) - out.Indexed
			detail["error"] = err.Error()
		}
		deps.finishRun(run, detail)
	}
	deps.flushMetrics()

	if err != nil {
		log.Warn("reindex failed", zap.Int("indexed", out.Indexed), zap.Error(err))
		return nil, err
	}
	log.Info("reindex finished",
		zap.String("run_id", out.RunID),
		zap.Int64("cleared", out.Cleared),
		zap.Int("indexed", out.Indexed))
	return out, nil
}

func reindex(ctx context.Context, deps *Deps, dataset string, recs []*record.Record, out *ReindexOutput) error {
	search := deps.Search
	if err := timed(deps, search.Name(), "clear", func() error {
		var err error
		out.Cleared, err = search.ClearDataset(ctx, dataset)
		return err
	}); err != nil {
		return storeError(search.Name(), err)
	}

	for start := 0; start < len(recs); start += importBatchSize {
		batch := recs[start:min(start+importBatchSize, len(recs))]
		if err := timed(deps, search.Name(), "index", func() error {
			return search.IndexRecords(ctx, dataset, batch)
		}); err != nil {
			return storeError(search.Name(), err)
		}
		out.Indexed += len(batch)
	}

	if err := timed(deps, search.Name(), "refresh", func() error {
		return search.Refresh(ctx)
	}); err != nil {
		return storeError(search.Name(), err)
	}
	return nil
}
