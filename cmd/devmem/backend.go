package main

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/hpungsan/devmem/internal/aggregate"
	"github.com/hpungsan/devmem/internal/classify"
	"github.com/hpungsan/devmem/internal/config"
	"github.com/hpungsan/devmem/internal/db"
	"github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/graph"
	"github.com/hpungsan/devmem/internal/metrics"
	"github.com/hpungsan/devmem/internal/ops"
	"github.com/hpungsan/devmem/internal/reconcile"
	"github.com/hpungsan/devmem/internal/record"
	"github.com/hpungsan/devmem/internal/store"
	"github.com/hpungsan/devmem/internal/store/elastic"
	"github.com/hpungsan/devmem/internal/store/memstore"
	"github.com/hpungsan/devmem/internal/store/neo4j"
	"github.com/hpungsan/devmem/internal/store/postgres"
)

// Backends
const (
	backendLive   = "live"
	backendMemory = "memory"
)

// env is the process-wide state shared by all commands. Stores are opened
// on first use so help and classify never touch the network.
type env struct {
	db         *sql.DB
	cfg        *config.Config
	logger     *zap.Logger
	classifier *classify.Classifier
	policy     *classify.Policy
	metrics    *metrics.Collector

	deps    *ops.Deps
	closers []func()
}

// baseDeps returns deps without stores, enough for classify and runs.
func (e *env) baseDeps() *ops.Deps {
	return &ops.Deps{
		DB:         e.db,
		Classifier: e.classifier,
		Policy:     e.policy,
		Config:     e.cfg,
		Logger:     e.logger,
		Metrics:    e.metrics,
	}
}

// backendOptions are the global flags that select and seed a backend.
type backendOptions struct {
	Backend      string
	Dataset      string
	SeedMemories string
	SeedCommits  string
}

// open returns deps with stores attached, opening them on first call.
func (e *env) open(ctx context.Context, opts backendOptions) (*ops.Deps, error) {
	if e.deps != nil {
		return e.deps, nil
	}
	deps := e.baseDeps()
	deps.Locker = db.NewLeaseLocker(e.db)

	switch opts.Backend {
	case backendMemory:
		deps.Vector = memstore.NewVector()
		deps.Graph = memstore.NewGraph()
		deps.Search = memstore.NewSearch()
		if err := e.seed(ctx, deps, opts); err != nil {
			return nil, err
		}
	case backendLive, "":
		if opts.SeedMemories != "" || opts.SeedCommits != "" {
			return nil, errors.NewInvalidRequest("seed files are only accepted with --backend memory")
		}
		e.openLive(ctx, deps)
	default:
		return nil, errors.NewInvalidRequest("backend must be one of: live, memory")
	}

	e.deps = deps
	return deps, nil
}

// seed loads the in-memory stores. Seeding is not recorded in the ledger.
func (e *env) seed(ctx context.Context, deps *ops.Deps, opts backendOptions) error {
	quiet := *deps
	quiet.DB = nil
	quiet.Metrics = nil
	for _, s := range []struct {
		path string
		kind ops.ImportKind
	}{
		{opts.SeedMemories, ops.ImportMemories},
		{opts.SeedCommits, ops.ImportCommits},
	} {
		if s.path == "" {
			continue
		}
		out, err := ops.Import(ctx, &quiet, ops.ImportInput{Path: s.path, Kind: s.kind, Dataset: opts.Dataset})
		if err != nil {
			return err
		}
		e.logger.Debug("memory backend seeded",
			zap.String("kind", string(s.kind)),
			zap.Int("processed", out.Processed),
			zap.Int("skipped", out.Skipped))
	}
	return nil
}

// openLive connects to the three stores. A store that cannot be reached is
// replaced by an offline stand-in so reconciliation can still report on the
// others; every other operation fails with STORE_UNAVAILABLE when it touches it.
func (e *env) openLive(ctx context.Context, deps *ops.Deps) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout())
	defer cancel()

	pg, err := postgres.Open(ctx, postgres.Options{
		URL:        e.cfg.PostgresURL,
		Dimensions: e.cfg.VectorDimensions,
	})
	if err == nil {
		if err = pg.Migrate(ctx); err != nil {
			pg.Close()
		}
	}
	if err != nil {
		e.offline(reconcile.StoreRelational, err)
		deps.Vector = offlineStore{name: reconcile.StoreRelational, err: err}
	} else {
		e.closers = append(e.closers, pg.Close)
		deps.Vector = pg
	}

	gs, err := neo4j.Open(ctx, neo4j.Options{
		URI:      e.cfg.Neo4jURI,
		User:     e.cfg.Neo4jUser,
		Password: e.cfg.Neo4jPassword,
		Database: e.cfg.Neo4jDatabase,
		Logger:   e.logger,
	})
	if err == nil {
		if err = gs.EnsureIndexes(ctx); err != nil {
			_ = gs.Close(context.Background())
		}
	}
	if err != nil {
		e.offline(reconcile.StoreGraph, err)
		deps.Graph = offlineStore{name: reconcile.StoreGraph, err: err}
	} else {
		e.closers = append(e.closers, func() { _ = gs.Close(context.Background()) })
		deps.Graph = gs
	}

	es, err := elastic.Open(ctx, elastic.Options{
		Addresses: e.cfg.ElasticAddresses,
		Username:  e.cfg.ElasticUsername,
		Password:  e.cfg.ElasticPassword,
		Index:     e.cfg.ElasticIndex,
		Logger:    e.logger,
	})
	if err == nil {
		err = es.EnsureIndex(ctx)
	}
	if err != nil {
		e.offline(reconcile.StoreSearch, err)
		deps.Search = offlineStore{name: reconcile.StoreSearch, err: err}
	} else {
		deps.Search = es
	}
}

func (e *env) offline(name string, err error) {
	e.logger.Warn("store unavailable", zap.String("store", name), zap.Error(err))
}

// close releases every opened store.
func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
	e.deps = nil
}

// offlineStore stands in for a store that could not be opened. Every call
// fails with the open error.
type offlineStore struct {
	name string
	err  error
}

func (s offlineStore) fail() error {
	return errors.NewStoreUnavailable(s.name, fmt.Errorf("not connected: %w", s.err))
}

func (s offlineStore) Name() string { return s.name }

func (s offlineStore) Summary(context.Context, string) (*reconcile.Summary, error) {
	return nil, s.fail()
}

func (s offlineStore) ListIDs(context.Context, string) ([]string, error) { return nil, s.fail() }

func (s offlineStore) ScanEmbeddings(context.Context, string) ([]reconcile.Embedded, error) {
	return nil, s.fail()
}

func (s offlineStore) Orphans(context.Context, string) ([]string, error) { return nil, s.fail() }

func (s offlineStore) UpsertRecords(context.Context, string, []*record.Record) error {
	return s.fail()
}

func (s offlineStore) SetEmbeddings(context.Context, string, map[string][]float32) error {
	return s.fail()
}

func (s offlineStore) Records(context.Context, string) ([]*record.Record, error) {
	return nil, s.fail()
}

func (s offlineStore) Neighbors(context.Context, string, string, int, float64) ([]store.Neighbor, error) {
	return nil, s.fail()
}

func (s offlineStore) ClearDataset(context.Context, string) (int64, error) { return 0, s.fail() }

func (s offlineStore) Refresh(context.Context) error { return s.fail() }

func (s offlineStore) CreateRecordNodes(context.Context, string, []*record.Record) error {
	return s.fail()
}

func (s offlineStore) CreateNodes(context.Context, string, graph.NodeKind, []string) error {
	return s.fail()
}

func (s offlineStore) CreateEdges(context.Context, string, graph.EdgeKind, []graph.Edge) error {
	return s.fail()
}

func (s offlineStore) Aggregate(context.Context, aggregate.Query) ([]aggregate.Bucket, error) {
	return nil, s.fail()
}

func (s offlineStore) IndexRecords(context.Context, string, []*record.Record) error {
	return s.fail()
}
