package reconcile

import (
	"context"
	"time"

	"github.com/hpungsan/devmem/internal/record"
)

// Store names used in reports.
const (
	StoreRelational = "relational"
	StoreGraph      = "graph"
	StoreSearch     = "search"
)

// Summary is what every store reports about a dataset.
type Summary struct {
	Count        int64               `json:"count"`
	Distribution record.Distribution `json:"distribution"`
}

// Source is the read side of one store.
type Source interface {
	Name() string
	Summary(ctx context.Context, dataset string) (*Summary, error)
}

// IDLister is implemented by sources that can enumerate record IDs. It is
// only used for a per-id audit.
type IDLister interface {
	ListIDs(ctx context.Context, dataset string) ([]string, error)
}

// Embedded is a record reference carrying its embedding.
type Embedded struct {
	ID          string
	ContentType record.ContentType
	CreatedAt   time.Time
	Vector      []float32
}

// EmbeddingScanner is implemented by the vector store.
type EmbeddingScanner interface {
	ScanEmbeddings(ctx context.Context, dataset string) ([]Embedded, error)
}

// OrphanScanner is implemented by the graph store: record nodes with zero
// HAS_TAG and zero FOLLOWS edges in either direction.
type OrphanScanner interface {
	Orphans(ctx context.Context, dataset string) ([]string, error)
}
