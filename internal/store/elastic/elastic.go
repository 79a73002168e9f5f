// Package elastic is the search/analytics store adapter, backed by
// Elasticsearch.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/hpungsan/devmem/internal/aggregate"
	dmerrors "github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/reconcile"
	"github.com/hpungsan/devmem/internal/record"
)

// DefaultIndex is the index records are written to.
const DefaultIndex = "memory_analysis"

const idPageSize = 1000

// Options configures the client.
type Options struct {
	Addresses []string
	Username  string
	Password  string
	Index     string
	Logger    *zap.Logger
}

// Store is the search store.
type Store struct {
	es     *elasticsearch.Client
	index  string
	logger *zap.Logger
}

// Open creates a client and pings the cluster.
func Open(ctx context.Context, opts Options) (*Store, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("elastic: create client: %w", err)
	}
	res, err := es.Ping(es.Ping.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("elastic: ping: %w", err)
	}
	if err := checkResponse(res, "ping"); err != nil {
		return nil, err
	}
	index := opts.Index
	if index == "" {
		index = DefaultIndex
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{es: es, index: index, logger: logger}, nil
}

func (s *Store) Name() string { return reconcile.StoreSearch }

// checkResponse closes res and converts error statuses to errors.
func checkResponse(res *esapi.Response, op string) error {
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("elastic: %s: %s: %s", op, res.Status(), strings.TrimSpace(string(body)))
	}
	return nil
}

// decodeResponse decodes a successful response body into v and closes it.
func decodeResponse(res *esapi.Response, op string, v any) error {
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("elastic: %s: %s: %s", op, res.Status(), strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		return fmt.Errorf("elastic: %s: decode: %w", op, err)
	}
	return nil
}

// EnsureIndex creates the index with its mapping if it does not exist.
func (s *Store) EnsureIndex(ctx context.Context) error {
	res, err := s.es.Indices.Exists([]string{s.index}, s.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elastic: index exists: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == 200 {
		return nil
	}
	body, err := json.Marshal(indexMapping())
	if err != nil {
		return err
	}
	res, err = s.es.Indices.Create(s.index,
		s.es.Indices.Create.WithContext(ctx),
		s.es.Indices.Create.WithBody(bytes.NewReader(body)))
	if err != nil {
		return fmt.Errorf("elastic: create index: %w", err)
	}
	return checkResponse(res, "create index")
}

// IndexRecords bulk-indexes recs, replacing documents with the same ID.
func (s *Store) IndexRecords(ctx context.Context, dataset string, recs []*record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	body, err := bulkBody(s.index, dataset, recs)
	if err != nil {
		return err
	}
	res, err := s.es.Bulk(bytes.NewReader(body),
		s.es.Bulk.WithContext(ctx),
		s.es.Bulk.WithIndex(s.index))
	if err != nil {
		return fmt.Errorf("elastic: bulk: %w", err)
	}
	var out bulkResponse
	if err := decodeResponse(res, "bulk", &out); err != nil {
		return err
	}
	if failed := out.failures(); len(failed) > 0 {
		s.logger.Warn("bulk index failures",
			zap.String("dataset", dataset),
			zap.Int("failed", len(failed)),
			zap.String("first", failed[0]))
		return fmt.Errorf("elastic: bulk: %d of %d documents failed: %s", len(failed), len(recs), failed[0])
	}
	return nil
}

// ClearDataset deletes every document of dataset and refreshes the index.
func (s *Store) ClearDataset(ctx context.Context, dataset string) (int64, error) {
	body, err := json.Marshal(map[string]any{"query": datasetQuery(dataset)})
	if err != nil {
		return 0, err
	}
	res, err := s.es.DeleteByQuery([]string{s.index}, bytes.NewReader(body),
		s.es.DeleteByQuery.WithContext(ctx),
		s.es.DeleteByQuery.WithConflicts("proceed"),
		s.es.DeleteByQuery.WithRefresh(true))
	if err != nil {
		return 0, fmt.Errorf("elastic: delete by query: %w", err)
	}
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	if err := decodeResponse(res, "delete by query", &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

// Refresh makes recent writes visible to searches.
func (s *Store) Refresh(ctx context.Context) error {
	res, err := s.es.Indices.Refresh(
		s.es.Indices.Refresh.WithContext(ctx),
		s.es.Indices.Refresh.WithIndex(s.index))
	if err != nil {
		return fmt.Errorf("elastic: refresh: %w", err)
	}
	return checkResponse(res, "refresh")
}

func (s *Store) search(ctx context.Context, query map[string]any, v any) error {
	body, err := json.Marshal(query)
	if err != nil {
		return err
	}
	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index),
		s.es.Search.WithBody(bytes.NewReader(body)))
	if err != nil {
		return fmt.Errorf("elastic: search: %w", err)
	}
	return decodeResponse(res, "search", v)
}

func (s *Store) Summary(ctx context.Context, dataset string) (*reconcile.Summary, error) {
	var out searchResponse
	if err := s.search(ctx, summaryQuery(dataset), &out); err != nil {
		return nil, err
	}
	return out.summary(), nil
}

// ListIDs pages through the dataset sorted by id.
func (s *Store) ListIDs(ctx context.Context, dataset string) ([]string, error) {
	var ids []string
	var after []any
	for {
		var out searchResponse
		if err := s.search(ctx, idsQuery(dataset, idPageSize, after), &out); err != nil {
			return nil, err
		}
		for _, h := range out.Hits.Hits {
			ids = append(ids, h.Source.ID)
		}
		if len(out.Hits.Hits) < idPageSize {
			return ids, nil
		}
		after = out.Hits.Hits[len(out.Hits.Hits)-1].Sort
	}
}

// Aggregate runs a nested terms aggregation over q.Dimensions with an
// average content length at the leaves.
func (s *Store) Aggregate(ctx context.Context, q aggregate.Query) ([]aggregate.Bucket, error) {
	if len(q.Dimensions) == 0 {
		return nil, dmerrors.NewInvalidRequest("at least one dimension is required")
	}
	var out struct {
		Aggregations map[string]json.RawMessage `json:"aggregations"`
	}
	if err := s.search(ctx, aggregateQuery(q), &out); err != nil {
		return nil, err
	}
	return parseAggregate(out.Aggregations, len(q.Dimensions))
}
