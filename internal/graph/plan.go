// Package graph derives the relationship graph of a dataset and applies it
// to a graph store as a destructive rebuild.
package graph

import (
	"fmt"
	"sort"

	"github.com/hpungsan/devmem/internal/record"
)

// EdgeKind is a relationship type.
type EdgeKind string

const (
	EdgeFollows        EdgeKind = "FOLLOWS"
	EdgeHasTag         EdgeKind = "HAS_TAG"
	EdgePotentialCause EdgeKind = "POTENTIAL_CAUSE"
	EdgeCommittedTo    EdgeKind = "COMMITTED_TO"
	EdgeAuthored       EdgeKind = "AUTHORED"
)

// EdgeKinds lists every edge kind in write order.
var EdgeKinds = []EdgeKind{EdgeFollows, EdgeHasTag, EdgePotentialCause, EdgeCommittedTo, EdgeAuthored}

// NodeKind is a node label other than the record node itself.
type NodeKind string

const (
	NodeRecord     NodeKind = "Memory"
	NodeTag        NodeKind = "Tag"
	NodeRepository NodeKind = "Repository"
	NodeAuthor     NodeKind = "Author"
)

// Edge connects two node keys. For FOLLOWS and POTENTIAL_CAUSE both ends are
// record IDs; for HAS_TAG and COMMITTED_TO the target is a tag or repository
// name; for AUTHORED the source is an author name.
type Edge struct {
	Kind EdgeKind `json:"kind"`
	From string   `json:"from"`
	To   string   `json:"to"`
}

// Options tunes Build.
type Options struct {
	// Provenance adds Repository and Author nodes for commit records.
	Provenance bool
}

// Plan is the complete derived graph of one dataset.
type Plan struct {
	Dataset      string
	Records      []*record.Record
	Tags         []string
	Repositories []string
	Authors      []string
	Edges        []Edge
	Warnings     []string
}

// Build derives the graph for recs. Records are ordered within their stream
// by created_at with ties broken by ascending ID; a record without a
// timestamp keeps its node and tags but is left out of ordering.
func Build(dataset string, recs []*record.Record, opts Options) *Plan {
	p := &Plan{Dataset: dataset}

	seen := make(map[string]bool, len(recs))
	for _, r := range recs {
		if seen[r.ID] {
			p.Warnings = append(p.Warnings, fmt.Sprintf("duplicate record id %s ignored", r.ID))
			continue
		}
		seen[r.ID] = true
		p.Records = append(p.Records, r)
	}
	record.SortByID(p.Records)

	streams := make(map[string][]*record.Record)
	tags := make(map[string]bool)
	repos := make(map[string]bool)
	authors := make(map[string]bool)

	for _, r := range p.Records {
		for _, tag := range r.Tags {
			tags[tag] = true
			p.Edges = append(p.Edges, Edge{Kind: EdgeHasTag, From: r.ID, To: tag})
		}

		if r.HasTimestamp() {
			streams[r.Stream] = append(streams[r.Stream], r)
		} else {
			p.Warnings = append(p.Warnings, fmt.Sprintf("record %s has no valid created_at; excluded from ordering", r.ID))
		}

		if opts.Provenance && r.Commit != nil {
			repos[r.Commit.Repository] = true
			p.Edges = append(p.Edges, Edge{Kind: EdgeCommittedTo, From: r.ID, To: r.Commit.Repository})
			if r.Commit.Author != "" {
				authors[r.Commit.Author] = true
				p.Edges = append(p.Edges, Edge{Kind: EdgeAuthored, From: r.Commit.Author, To: r.ID})
			}
		}
	}

	for _, key := range sortedKeys(streams) {
		stream := streams[key]
		sort.Slice(stream, func(i, j int) bool {
			a, b := stream[i], stream[j]
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		})
		for i := 1; i < len(stream); i++ {
			a, b := stream[i-1], stream[i]
			p.Edges = append(p.Edges, Edge{Kind: EdgeFollows, From: a.ID, To: b.ID})
			if a.Sentiment == record.SentimentPositive && b.Sentiment == record.SentimentNegative {
				p.Edges = append(p.Edges, Edge{Kind: EdgePotentialCause, From: a.ID, To: b.ID})
			}
		}
	}

	p.Tags = sortedKeys(tags)
	p.Repositories = sortedKeys(repos)
	p.Authors = sortedKeys(authors)
	sortEdges(p.Edges)
	return p
}

// EdgesOf returns the edges of one kind, in plan order.
func (p *Plan) EdgesOf(kind EdgeKind) []Edge {
	var out []Edge
	for _, e := range p.Edges {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Stats summarizes a plan. Two plans built from the same records have equal stats.
type Stats struct {
	RecordNodes   int                 `json:"record_nodes"`
	TagNodes      int                 `json:"tag_nodes"`
	RepoNodes     int                 `json:"repository_nodes,omitempty"`
	AuthorNodes   int                 `json:"author_nodes,omitempty"`
	Edges         map[EdgeKind]int    `json:"edges"`
	Distributions record.Distribution `json:"distributions"`
}

// Stats computes node and edge counts and label distributions.
func (p *Plan) Stats() Stats {
	s := Stats{
		RecordNodes:   len(p.Records),
		TagNodes:      len(p.Tags),
		RepoNodes:     len(p.Repositories),
		AuthorNodes:   len(p.Authors),
		Edges:         make(map[EdgeKind]int, len(EdgeKinds)),
		Distributions: record.Distribute(p.Records),
	}
	for _, k := range EdgeKinds {
		s.Edges[k] = 0
	}
	for _, e := range p.Edges {
		s.Edges[e.Kind]++
	}
	return s
}

// Orphans returns the IDs of records with no HAS_TAG edge and no FOLLOWS edge
// in either direction, in ascending order.
func (p *Plan) Orphans() []string {
	linked := make(map[string]bool, len(p.Records))
	for _, e := range p.Edges {
		switch e.Kind {
		case EdgeHasTag:
			linked[e.From] = true
		case EdgeFollows:
			linked[e.From] = true
			linked[e.To] = true
		}
	}
	var out []string
	for _, r := range p.Records {
		if !linked[r.ID] {
			out = append(out, r.ID)
		}
	}
	return out
}

func sortEdges(edges []Edge) {
	rank := make(map[EdgeKind]int, len(EdgeKinds))
	for i, k := range EdgeKinds {
		rank[k] = i
	}
	sort.SliceStable(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Kind != b.Kind {
			return rank[a.Kind] < rank[b.Kind]
		}
		if a.From != b.From {
			return a.From < b.From
		}
		return a.To < b.To
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
