package ops

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/devmem/internal/aggregate"
	"github.com/hpungsan/devmem/internal/classify"
	"github.com/hpungsan/devmem/internal/config"
	"github.com/hpungsan/devmem/internal/db"
	"github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/graph"
	"github.com/hpungsan/devmem/internal/metrics"
	"github.com/hpungsan/devmem/internal/reconcile"
	"github.com/hpungsan/devmem/internal/record"
	"github.com/hpungsan/devmem/internal/store"
)

// Listing limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// VectorStore is the relational/vector store: the source of truth for
// records and the only owner of embeddings.
type VectorStore interface {
	reconcile.Source
	reconcile.IDLister
	reconcile.EmbeddingScanner
	UpsertRecords(ctx context.Context, dataset string, recs []*record.Record) error
	SetEmbeddings(ctx context.Context, dataset string, vecs map[string][]float32) error
	Records(ctx context.Context, dataset string) ([]*record.Record, error)
	Neighbors(ctx context.Context, dataset, id string, limit int, maxDistance float64) ([]store.Neighbor, error)
}

// GraphStore holds the derived graph.
type GraphStore interface {
	reconcile.Source
	reconcile.IDLister
	reconcile.OrphanScanner
	graph.Writer
}

// SearchStore is the search/analytics index.
type SearchStore interface {
	reconcile.Source
	reconcile.IDLister
	aggregate.Backend
	IndexRecords(ctx context.Context, dataset string, recs []*record.Record) error
	ClearDataset(ctx context.Context, dataset string) (int64, error)
	// Refresh makes completed writes visible to Summary, ListIDs and Aggregate.
	Refresh(ctx context.Context) error
}

// Deps carries everything an operation may touch. DB (the local run ledger)
// and Metrics are optional.
type Deps struct {
	DB         *sql.DB
	Vector     VectorStore
	Graph      GraphStore
	Search     SearchStore
	Locker     graph.Locker
	Classifier *classify.Classifier
	Policy     *classify.Policy
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Collector
}

func (d *Deps) log() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d *Deps) config() *config.Config {
	if d.Config == nil {
		return config.DefaultConfig()
	}
	return d.Config
}

func (d *Deps) classifier() *classify.Classifier {
	if d.Classifier == nil {
		return classify.Default()
	}
	return d.Classifier
}

func (d *Deps) policy() *classify.Policy {
	if d.Policy == nil {
		return classify.DefaultPolicy()
	}
	return d.Policy
}

// observe records a store call when metrics are enabled.
func (d *Deps) observe(storeName, op string, start time.Time, err error) {
	if d.Metrics != nil {
		d.Metrics.ObserveStore(storeName, op, start, err)
	}
}

// flushMetrics writes the metrics textfile if one is configured. A failed
// write is logged, never returned.
func (d *Deps) flushMetrics() {
	path := d.config().MetricsTextfile
	if d.Metrics == nil || path == "" {
		return
	}
	if err := d.Metrics.WriteTextfile(path); err != nil {
		d.log().Warn("metrics textfile not written", zap.String("path", path), zap.Error(err))
	}
}

// startRun opens a ledger entry. Without a ledger it returns nil.
func (d *Deps) startRun(kind, dataset string) (*db.Run, error) {
	if d.DB == nil {
		return nil, nil
	}
	return db.StartRun(d.DB, kind, dataset)
}

// finishRun closes a ledger entry. Ledger failures are logged so they never
// mask the outcome of the operation itself.
func (d *Deps) finishRun(run *db.Run, detail any) {
	if run == nil {
		return
	}
	if err := db.FinishRun(d.DB, run, detail); err != nil {
		d.log().Error("run ledger update failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func runID(run *db.Run) string {
	if run == nil {
		return ""
	}
	return run.ID
}

func requireDataset(dataset string) (string, error) {
	dataset = strings.TrimSpace(dataset)
	if dataset == "" {
		return "", errors.NewInvalidRequest("dataset is required")
	}
	return dataset, nil
}

// errorCode returns the code of a coded error, or INTERNAL.
func errorCode(err error) errors.ErrorCode {
	var de *errors.DevmemError
	if stderrors.As(err, &de) {
		return de.Code
	}
	return errors.ErrInternal
}

// recordIDOf returns the record a normalization error refers to, if known.
func recordIDOf(err error) string {
	var de *errors.DevmemError
	if stderrors.As(err, &de) {
		if id, ok := de.Details["record_id"].(string); ok {
			return id
		}
	}
	return ""
}

// timed runs fn as one observed store operation.
func timed(d *Deps, storeName, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	d.observe(storeName, op, start, err)
	return err
}

// storeError wraps a raw store failure as STORE_UNAVAILABLE. Coded errors
// pass through.
func storeError(storeName string, err error) error {
	var de *errors.DevmemError
	if stderrors.As(err, &de) {
		return err
	}
	return errors.NewStoreUnavailable(storeName, err)
}
