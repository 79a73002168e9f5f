package ops

import (
	"github.com/hpungsan/devmem/internal/db"
	"github.com/hpungsan/devmem/internal/errors"
)

// RunsInput filters the run ledger.
type RunsInput struct {
	Dataset string
	Kind    string
	Limit   int
}

// RunsOutput lists runs newest first.
type RunsOutput struct {
	Items []db.Run `json:"items"`
}

// Runs lists recorded runs, newest first.
func Runs(deps *Deps, input RunsInput) (*RunsOutput, error) {
	if deps.DB == nil {
		return nil, errors.NewInvalidRequest("run ledger is not configured")
	}
	switch input.Kind {
	case "", db.KindImport, db.KindRebuild, db.KindReconcile, db.KindReindex:
	default:
		return nil, errors.NewInvalidRequest("kind must be one of: import, rebuild, reconcile, reindex")
	}
	limit := input.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	items, err := db.ListRuns(deps.DB, db.RunFilter{Dataset: input.Dataset, Kind: input.Kind, Limit: limit})
	if err != nil {
		return nil, err
	}
	return &RunsOutput{Items: items}, nil
}
