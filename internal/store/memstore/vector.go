package memstore

import (
	"context"
	"sort"
	"sync"

	dmerrors "github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/reconcile"
	"github.com/hpungsan/devmem/internal/record"
	"github.com/hpungsan/devmem/internal/store"
)

// Vector is an in-memory relational/vector store.
type Vector struct {
	faults

	mu      sync.RWMutex
	records datasets
	vectors map[string]map[string][]float32
}

func NewVector() *Vector {
	return &Vector{records: datasets{}, vectors: map[string]map[string][]float32{}}
}

func (v *Vector) Name() string { return reconcile.StoreRelational }

// UpsertRecords stores recs by ID. Stored embeddings are left untouched.
func (v *Vector) UpsertRecords(ctx context.Context, dataset string, recs []*record.Record) error {
	if err := v.check(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range recs {
		c := r.Clone()
		c.Dataset = dataset
		c.Embedding = nil
		v.records.put(dataset, c)
	}
	return nil
}

// SetEmbeddings stores vectors for existing records. Unknown IDs are
// reported as NOT_FOUND after the known ones are written.
func (v *Vector) SetEmbeddings(ctx context.Context, dataset string, vecs map[string][]float32) error {
	if err := v.check(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	m := v.vectors[dataset]
	if m == nil {
		m = map[string][]float32{}
		v.vectors[dataset] = m
	}
	var missing string
	for id, vec := range vecs {
		if _, ok := v.records[dataset][id]; !ok {
			if missing == "" || id < missing {
				missing = id
			}
			continue
		}
		m[id] = append([]float32(nil), vec...)
	}
	if missing != "" {
		return dmerrors.NewNotFound(missing)
	}
	return nil
}

// Records returns every record of dataset in ID order, with embeddings.
func (v *Vector) Records(ctx context.Context, dataset string) ([]*record.Record, error) {
	if err := v.check(ctx); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := v.records.sorted(dataset)
	for _, r := range out {
		if vec, ok := v.vectors[dataset][r.ID]; ok {
			r.Embedding = append([]float32(nil), vec...)
		}
	}
	return out, nil
}

func (v *Vector) Summary(ctx context.Context, dataset string) (*reconcile.Summary, error) {
	recs, err := v.Records(ctx, dataset)
	if err != nil {
		return nil, err
	}
	return &reconcile.Summary{Count: int64(len(recs)), Distribution: record.Distribute(recs)}, nil
}

func (v *Vector) ListIDs(ctx context.Context, dataset string) ([]string, error) {
	if err := v.check(ctx); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.records.ids(dataset), nil
}

func (v *Vector) ScanEmbeddings(ctx context.Context, dataset string) ([]reconcile.Embedded, error) {
	recs, err := v.Records(ctx, dataset)
	if err != nil {
		return nil, err
	}
	out := make([]reconcile.Embedded, 0, len(recs))
	for _, r := range recs {
		out = append(out, reconcile.Embedded{ID: r.ID, ContentType: r.ContentType, CreatedAt: r.CreatedAt, Vector: r.Embedding})
	}
	return out, nil
}

// Neighbors returns up to limit records within maxDistance (cosine) of the
// embedding of id, nearest first. The record itself is excluded.
func (v *Vector) Neighbors(ctx context.Context, dataset, id string, limit int, maxDistance float64) ([]store.Neighbor, error) {
	recs, err := v.Records(ctx, dataset)
	if err != nil {
		return nil, err
	}
	var query []float32
	for _, r := range recs {
		if r.ID == id {
			query = r.Embedding
			if query == nil {
				return nil, dmerrors.NewInvalidRequest("record " + id + " has no embedding")
			}
		}
	}
	if query == nil {
		return nil, dmerrors.NewNotFound(id)
	}

	var out []store.Neighbor
	for _, r := range recs {
		if r.ID == id || r.Embedding == nil {
			continue
		}
		sim, ok := reconcile.Cosine(query, r.Embedding)
		if !ok {
			continue
		}
		if dist := 1 - sim; dist <= maxDistance {
			out = append(out, store.Neighbor{ID: r.ID, ContentType: r.ContentType, Content: r.Content, Distance: dist})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
