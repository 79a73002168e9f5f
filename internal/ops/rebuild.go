package ops

import (
	"context"

	"go.uber.org/zap"

	"github.com/hpungsan/devmem/internal/db"
	"github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/graph"
	"github.com/hpungsan/devmem/internal/record"
)

// RebuildInput contains parameters for the Rebuild operation.
type RebuildInput struct {
	Dataset string
	// Provenance adds Repository and Author nodes for commit records.
	Provenance bool
}

// RebuildOutput is returned once the new graph is fully written.
type RebuildOutput struct {
	RunID   string               `json:"run_id,omitempty"`
	Result  *graph.RebuildResult `json:"result"`
	Orphans []string             `json:"orphans"`
}

// Rebuild reloads the dataset from the vector store and replaces its graph.
// A concurrent rebuild of the same dataset fails with REBUILD_CONFLICT and
// leaves the graph untouched.
func Rebuild(ctx context.Context, deps *Deps, input RebuildInput) (*RebuildOutput, error) {
	dataset, err := requireDataset(input.Dataset)
	if err != nil {
		return nil, err
	}
	if deps.Locker == nil {
		return nil, errors.NewInvalidRequest("rebuild requires a locker")
	}
	log := deps.log().With(zap.String("dataset", dataset))
	cfg := deps.config()

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

	plan := graph.Build(dataset, recs, graph.Options{Provenance: input.Provenance})

	run, err := deps.startRun(db.KindRebuild, dataset)
	if err != nil {
		return nil, err
	}

	rebuilder := graph.NewRebuilder(deps.Graph, deps.Locker,
		graph.WithLeaseTTL(cfg.RebuildLockTTL()),
		graph.WithBatchSize(cfg.RebuildBatchSize),
		graph.WithLogger(deps.log()))

	result, err := rebuilder.Rebuild(ctx, plan)
	status := "ok"
	switch {
	case errors.Is(err, errors.ErrRebuildConflict):
		status = "conflict"
	case err != nil:
		status = "error"
	}
	if deps.Metrics != nil {
		deps.Metrics.Rebuilds.WithLabelValues(status).Inc()
	}

	if run != nil {
		run.Processed = len(plan.Records)
		run.Status = db.RunSucceeded
		var detail any = result
		if err != nil {
			run.Status = db.RunFailed
			run.Failed = len(plan.Records)
			detail = map[string]string{"error": err.Error()}
		}
		deps.finishRun(run, detail)
	}
	deps.flushMetrics()

	if err != nil {
		if status == "error" {
			err = storeError(deps.Graph.Name(), err)
		}
		log.Warn("rebuild failed", zap.String("status", status), zap.Error(err))
		return nil, err
	}

	orphans := plan.Orphans()
	if orphans == nil {
		orphans = []string{}
	}
	return &RebuildOutput{RunID: runID(run), Result: result, Orphans: orphans}, nil
}
