package memstore

import (
	"context"
	"strings"
	"sync"

	"github.com/hpungsan/devmem/internal/aggregate"
	"github.com/hpungsan/devmem/internal/reconcile"
	"github.com/hpungsan/devmem/internal/record"
)

// Search is an in-memory search/analytics store.
type Search struct {
	faults

	mu        sync.RWMutex
	records   datasets
	refreshes int
}

func NewSearch() *Search {
	return &Search{records: datasets{}}
}

func (s *Search) Name() string { return reconcile.StoreSearch }

// IndexRecords indexes recs by ID, replacing earlier documents.
func (s *Search) IndexRecords(ctx context.Context, dataset string, recs []*record.Record) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		c := r.Clone()
		c.Dataset = dataset
		c.Embedding = nil
		s.records.put(dataset, c)
	}
	return nil
}

// DeleteRecords removes documents by ID. It is used to simulate index drift.
func (s *Search) DeleteRecords(dataset string, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records[dataset], id)
	}
}

// ClearDataset removes every document of dataset and returns how many there were.
func (s *Search) ClearDataset(ctx context.Context, dataset string) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.records[dataset]))
	delete(s.records, dataset)
	return n, nil
}

// Refresh is a no-op beyond counting; writes are visible immediately.
func (s *Search) Refresh(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.refreshes++
	s.mu.Unlock()
	return nil
}

// Refreshes returns how many times Refresh succeeded.
func (s *Search) Refreshes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshes
}

func (s *Search) Summary(ctx context.Context, dataset string) (*reconcile.Summary, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records.sorted(dataset)
	return &reconcile.Summary{Count: int64(len(recs)), Distribution: record.Distribute(recs)}, nil
}

func (s *Search) ListIDs(ctx context.Context, dataset string) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records.ids(dataset), nil
}

// Aggregate groups documents by q.Dimensions after applying q.Filters.
// Documents lacking a value for a grouped dimension are not counted.
func (s *Search) Aggregate(ctx context.Context, q aggregate.Query) ([]aggregate.Bucket, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	recs := s.records.sorted(q.Dataset)
	s.mu.RUnlock()

	type acc struct {
		key   []string
		count int64
		sum   int64
	}
	groups := map[string]*acc{}
	var order []string

records:
	for _, r := range recs {
		for d, want := range q.Filters {
			if aggregate.ValueOf(r, d) != want {
				continue records
			}
		}
		key := make([]string, len(q.Dimensions))
		for i, d := range q.Dimensions {
			key[i] = aggregate.ValueOf(r, d)
			if key[i] == "" {
				continue records
			}
		}
		k := strings.Join(key, "\x00")
		a := groups[k]
		if a == nil {
			a = &acc{key: key}
			groups[k] = a
			order = append(order, k)
		}
		a.count++
		a.sum += int64(r.ContentLength())
	}

	out := make([]aggregate.Bucket, 0, len(order))
	for _, k := range order {
		a := groups[k]
		out = append(out, aggregate.Bucket{
			Key:              a.key,
			Count:            a.count,
			AvgContentLength: float64(a.sum) / float64(a.count),
		})
	}
	return out, nil
}
