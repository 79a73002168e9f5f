// Package memstore provides in-process implementations of the relational,
// graph and search store boundaries. They back dry runs and tests.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/hpungsan/devmem/internal/record"
)

// faults lets a test make a store fail every call.
type faults struct {
	mu  sync.RWMutex
	err error
}

// SetError makes every subsequent call fail with err. nil restores the store.
func (f *faults) SetError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *faults) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.err
}

// datasets is a dataset -> id -> record table.
type datasets map[string]map[string]*record.Record

func (d datasets) put(dataset string, r *record.Record) {
	m := d[dataset]
	if m == nil {
		m = map[string]*record.Record{}
		d[dataset] = m
	}
	m[r.ID] = r
}

func (d datasets) sorted(dataset string) []*record.Record {
	out := make([]*record.Record, 0, len(d[dataset]))
	for _, r := range d[dataset] {
		out = append(out, r.Clone())
	}
	record.SortByID(out)
	return out
}

func (d datasets) ids(dataset string) []string {
	out := make([]string, 0, len(d[dataset]))
	for id := range d[dataset] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
