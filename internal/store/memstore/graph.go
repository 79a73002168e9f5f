package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/hpungsan/devmem/internal/graph"
	"github.com/hpungsan/devmem/internal/reconcile"
	"github.com/hpungsan/devmem/internal/record"
)

// Graph is an in-memory graph store.
type Graph struct {
	faults

	mu      sync.RWMutex
	records datasets
	nodes   map[string]map[graph.NodeKind]map[string]bool
	edges   map[string][]graph.Edge
}

func NewGraph() *Graph {
	return &Graph{
		records: datasets{},
		nodes:   map[string]map[graph.NodeKind]map[string]bool{},
		edges:   map[string][]graph.Edge{},
	}
}

func (g *Graph) Name() string { return reconcile.StoreGraph }

func (g *Graph) ClearDataset(ctx context.Context, dataset string) (int64, error) {
	if err := g.check(ctx); err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	n := int64(len(g.records[dataset]))
	for _, keys := range g.nodes[dataset] {
		n += int64(len(keys))
	}
	delete(g.records, dataset)
	delete(g.nodes, dataset)
	delete(g.edges, dataset)
	return n, nil
}

func (g *Graph) CreateRecordNodes(ctx context.Context, dataset string, recs []*record.Record) error {
	if err := g.check(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range recs {
		g.records.put(dataset, r.Clone())
	}
	return nil
}

func (g *Graph) CreateNodes(ctx context.Context, dataset string, kind graph.NodeKind, keys []string) error {
	if err := g.check(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	byKind := g.nodes[dataset]
	if byKind == nil {
		byKind = map[graph.NodeKind]map[string]bool{}
		g.nodes[dataset] = byKind
	}
	set := byKind[kind]
	if set == nil {
		set = map[string]bool{}
		byKind[kind] = set
	}
	for _, k := range keys {
		set[k] = true
	}
	return nil
}

func (g *Graph) CreateEdges(ctx context.Context, dataset string, kind graph.EdgeKind, edges []graph.Edge) error {
	if err := g.check(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range edges {
		e.Kind = kind
		g.edges[dataset] = append(g.edges[dataset], e)
	}
	return nil
}

// Edges returns the stored edges of dataset, sorted by kind, source and target.
func (g *Graph) Edges(dataset string) []graph.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := append([]graph.Edge(nil), g.edges[dataset]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// NodeCount returns the number of nodes of kind in dataset.
func (g *Graph) NodeCount(dataset string, kind graph.NodeKind) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if kind == graph.NodeRecord {
		return len(g.records[dataset])
	}
	return len(g.nodes[dataset][kind])
}

func (g *Graph) Summary(ctx context.Context, dataset string) (*reconcile.Summary, error) {
	if err := g.check(ctx); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	recs := g.records.sorted(dataset)
	return &reconcile.Summary{Count: int64(len(recs)), Distribution: record.Distribute(recs)}, nil
}

func (g *Graph) ListIDs(ctx context.Context, dataset string) ([]string, error) {
	if err := g.check(ctx); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.records.ids(dataset), nil
}

// Orphans returns record nodes without HAS_TAG or FOLLOWS edges.
func (g *Graph) Orphans(ctx context.Context, dataset string) ([]string, error) {
	if err := g.check(ctx); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	linked := map[string]bool{}
	for _, e := range g.edges[dataset] {
		switch e.Kind {
		case graph.EdgeHasTag:
			linked[e.From] = true
		case graph.EdgeFollows:
			linked[e.From] = true
			linked[e.To] = true
		}
	}
	var out []string
	for _, id := range g.records.ids(dataset) {
		if !linked[id] {
			out = append(out, id)
		}
	}
	return out, nil
}
