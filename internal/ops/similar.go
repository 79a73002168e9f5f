package ops

import (
	"context"
	"strings"

	"github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/store"
)

// SimilarInput contains parameters for the Similar operation.
type SimilarInput struct {
	Dataset string
	ID      string
	Limit   int      // default 20, max 100
	MaxDist *float64 // cosine distance bound; default from config
}

// SimilarItem is one neighbour of the queried record.
type SimilarItem struct {
	store.Neighbor
	Similarity float64 `json:"similarity"`
}

// SimilarOutput lists neighbours nearest first.
type SimilarOutput struct {
	Dataset     string        `json:"dataset"`
	ID          string        `json:"id"`
	MaxDistance float64       `json:"max_distance"`
	Items       []SimilarItem `json:"items"`
}

// Similar returns the records whose embeddings lie within MaxDist of the
// given record's embedding.
func Similar(ctx context.Context, deps *Deps, input SimilarInput) (*SimilarOutput, error) {
	dataset, err := requireDataset(input.Dataset)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(input.ID)
	if id == "" {
		return nil, errors.NewInvalidRequest("id is required")
	}

	limit := input.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	maxDist := deps.config().SimilarMaxDistance
	if maxDist <= 0 {
		maxDist = store.DefaultMaxDistance
	}
	if input.MaxDist != nil {
		maxDist = *input.MaxDist
	}
	if maxDist <= 0 || maxDist > 2 {
		return nil, errors.NewInvalidRequest("max distance must be in (0, 2]")
	}

	var neighbors []store.Neighbor
	name := deps.Vector.Name()
	if err := timed(deps, name, "neighbors", func() error {
		var err error
		neighbors, err = deps.Vector.Neighbors(ctx, dataset, id, limit, maxDist)
		return err
	}); err != nil {
		return nil, storeError(name, err)
	}

	items := make([]SimilarItem, 0, len(neighbors))
	for _, n := range neighbors {
		items = append(items, SimilarItem{Neighbor: n, Similarity: n.Similarity()})
	}
	return &SimilarOutput{Dataset: dataset, ID: id, MaxDistance: maxDist, Items: items}, nil
}
