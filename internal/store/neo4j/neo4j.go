// Package neo4j is the graph store adapter. Every node carries a dataset
// property; record nodes are keyed by (dataset, id) and the other nodes by
// (dataset, name).
package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	dmerrors "github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/graph"
	"github.com/hpungsan/devmem/internal/reconcile"
	"github.com/hpungsan/devmem/internal/record"
)

// Options configures the driver.
type Options struct {
	URI      string
	User     string
	Password string
	Database string
	Logger   *zap.Logger
}

// Store is the graph store.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *zap.Logger
}

// Open creates a driver and verifies connectivity.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.URI == "" {
		return nil, dmerrors.NewInvalidRequest("neo4j_uri is required")
	}
	driver, err := neo4j.NewDriverWithContext(opts.URI, neo4j.BasicAuth(opts.User, opts.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j: create driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j: verify connectivity: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{driver: driver, database: opts.Database, logger: logger}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Store) Name() string { return reconcile.StoreGraph }

func (s *Store) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: s.database})
}

// write runs one statement in a retried write transaction and returns the
// first column of the first row, if any.
func (s *Store) write(ctx context.Context, cypher string, params map[string]any) (any, error) {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	return session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		if result.Next(ctx) {
			return result.Record().Values[0], nil
		}
		return nil, result.Err()
	})
}

// read runs a query and collects every row.
func (s *Store) read(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return result.Collect(ctx)
}

// EnsureIndexes creates the lookup indexes if missing.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for _, stmt := range indexCypher() {
		if _, err := s.write(ctx, stmt, nil); err != nil {
			return fmt.Errorf("neo4j: create index: %w", err)
		}
	}
	return nil
}

func (s *Store) ClearDataset(ctx context.Context, dataset string) (int64, error) {
	v, err := s.write(ctx, clearCypher, map[string]any{"dataset": dataset})
	if err != nil {
		return 0, fmt.Errorf("neo4j: clear dataset: %w", err)
	}
	n, _ := v.(int64)
	s.logger.Debug("graph dataset cleared", zap.String("dataset", dataset), zap.Int64("nodes", n))
	return n, nil
}

func (s *Store) CreateRecordNodes(ctx context.Context, dataset string, recs []*record.Record) error {
	rows := make([]any, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, recordRow(dataset, r))
	}
	if _, err := s.write(ctx, createRecordsCypher, map[string]any{"rows": rows}); err != nil {
		return fmt.Errorf("neo4j: create record nodes: %w", err)
	}
	return nil
}

func (s *Store) CreateNodes(ctx context.Context, dataset string, kind graph.NodeKind, keys []string) error {
	cypher, err := createNodesCypher(kind)
	if err != nil {
		return err
	}
	if _, err := s.write(ctx, cypher, map[string]any{"dataset": dataset, "keys": toAny(keys)}); err != nil {
		return fmt.Errorf("neo4j: create %s nodes: %w", kind, err)
	}
	return nil
}

func (s *Store) CreateEdges(ctx context.Context, dataset string, kind graph.EdgeKind, edges []graph.Edge) error {
	cypher, err := createEdgesCypher(kind)
	if err != nil {
		return err
	}
	rows := make([]any, 0, len(edges))
	for _, e := range edges {
		rows = append(rows, map[string]any{"from": e.From, "to": e.To})
	}
	if _, err := s.write(ctx, cypher, map[string]any{"dataset": dataset, "edges": rows}); err != nil {
		return fmt.Errorf("neo4j: create %s edges: %w", kind, err)
	}
	return nil
}

func (s *Store) Summary(ctx context.Context, dataset string) (*reconcile.Summary, error) {
	params := map[string]any{"dataset": dataset}
	rows, err := s.read(ctx, countCypher, params)
	if err != nil {
		return nil, fmt.Errorf("neo4j: count: %w", err)
	}
	sum := &reconcile.Summary{Distribution: record.Distribution{}}
	if len(rows) > 0 {
		sum.Count, _ = rows[0].Values[0].(int64)
	}

	rows, err = s.read(ctx, distributionCypher(), params)
	if err != nil {
		return nil, fmt.Errorf("neo4j: distribution: %w", err)
	}
	for _, row := range rows {
		field, _ := row.Values[0].(string)
		value, _ := row.Values[1].(string)
		n, _ := row.Values[2].(int64)
		sum.Distribution.Add(field, value, int(n))
	}
	return sum, nil
}

func (s *Store) ListIDs(ctx context.Context, dataset string) ([]string, error) {
	return s.ids(ctx, idsCypher, dataset)
}

func (s *Store) Orphans(ctx context.Context, dataset string) ([]string, error) {
	return s.ids(ctx, orphansCypher, dataset)
}

func (s *Store) ids(ctx context.Context, cypher, dataset string) ([]string, error) {
	rows, err := s.read(ctx, cypher, map[string]any{"dataset": dataset})
	if err != nil {
		return nil, fmt.Errorf("neo4j: query ids: %w", err)
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if id, ok := row.Values[0].(string); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func toAny(keys []string) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}
