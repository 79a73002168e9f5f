// Package postgres is the relational/vector store adapter, backed by
// PostgreSQL with the pgvector extension.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	dmerrors "github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/reconcile"
	"github.com/hpungsan/devmem/internal/record"
	"github.com/hpungsan/devmem/internal/store"
)

// Options configures the pool.
type Options struct {
	URL        string
	Dimensions int
	MaxConns   int32
}

// Store is the relational/vector store.
type Store struct {
	pool *pgxpool.Pool
	dims int
}

// Open connects and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.URL == "" {
		return nil, dmerrors.NewInvalidRequest("postgres_url is required")
	}
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	dims := opts.Dimensions
	if dims <= 0 {
		dims = 768
	}
	return &Store{pool: pool, dims: dims}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Name() string { return reconcile.StoreRelational }

// Migrate creates the extension, table and indexes if missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema(s.dims) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

func schema(dims int) []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS dev_records (
	dataset      TEXT NOT NULL,
	id           TEXT NOT NULL,
	stream       TEXT NOT NULL,
	content      TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ,
	tags         TEXT[] NOT NULL DEFAULT '{}',
	sentiment    TEXT NOT NULL DEFAULT '',
	complexity   TEXT NOT NULL DEFAULT '',
	phase        TEXT NOT NULL DEFAULT '',
	domain       TEXT NOT NULL DEFAULT '',
	commit_type  TEXT NOT NULL DEFAULT '',
	commit_info  JSONB,
	metadata     JSONB,
	embedding    VECTOR(%d),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (dataset, id)
)`, dims),
		`CREATE INDEX IF NOT EXISTS dev_records_created_idx ON dev_records (dataset, content_type, created_at)`,
		`CREATE INDEX IF NOT EXISTS dev_records_embedding_idx ON dev_records USING hnsw (embedding vector_cosine_ops)`,
	}
}

const upsertSQL = `
INSERT INTO dev_records (dataset, id, stream, content, content_type, created_at, tags,
	sentiment, complexity, phase, domain, commit_type, commit_info, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14::jsonb)
ON CONFLICT (dataset, id) DO UPDATE SET
	stream = EXCLUDED.stream,
	content = EXCLUDED.content,
	content_type = EXCLUDED.content_type,
	created_at = EXCLUDED.created_at,
	tags = EXCLUDED.tags,
	sentiment = EXCLUDED.sentiment,
	complexity = EXCLUDED.complexity,
	phase = EXCLUDED.phase,
	domain = EXCLUDED.domain,
	commit_type = EXCLUDED.commit_type,
	commit_info = EXCLUDED.commit_info,
	metadata = EXCLUDED.metadata,
	updated_at = now()`

// upsertArgs binds r to upsertSQL. The embedding column is never written here.
func upsertArgs(dataset string, r *record.Record) ([]any, error) {
	var createdAt *time.Time
	if r.HasTimestamp() {
		t := r.CreatedAt.UTC()
		createdAt = &t
	}
	commit, err := jsonArg(r.Commit, r.Commit == nil)
	if err != nil {
		return nil, err
	}
	metadata, err := jsonArg(r.Metadata, len(r.Metadata) == 0)
	if err != nil {
		return nil, err
	}
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	return []any{
		dataset, r.ID, r.Stream, r.Content, string(r.ContentType), createdAt, tags,
		string(r.Sentiment), string(r.Complexity), string(r.Phase), r.Domain, r.CommitType,
		commit, metadata,
	}, nil
}

func jsonArg(v any, null bool) (*string, error) {
	if null {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode json: %w", err)
	}
	s := string(b)
	return &s, nil
}

// UpsertRecords writes recs in one batch, keyed by (dataset, id).
func (s *Store) UpsertRecords(ctx context.Context, dataset string, recs []*record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range recs {
		args, err := upsertArgs(dataset, r)
		if err != nil {
			return err
		}
		batch.Queue(upsertSQL, args...)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: upsert records: %w", err)
	}
	return nil
}

// SetEmbeddings writes vectors for existing records.
func (s *Store) SetEmbeddings(ctx context.Context, dataset string, vecs map[string][]float32) error {
	if len(vecs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	ids := make([]string, 0, len(vecs))
	for id, vec := range vecs {
		if len(vec) != s.dims {
			return dmerrors.NewInvalidRequest(fmt.Sprintf("record %s: embedding has %d dimensions, want %d", id, len(vec), s.dims))
		}
		ids = append(ids, id)
		batch.Queue(`UPDATE dev_records SET embedding = $3, updated_at = now() WHERE dataset = $1 AND id = $2`,
			dataset, id, pgvector.NewVector(vec))
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for _, id := range ids {
		tag, err := results.Exec()
		if err != nil {
			return fmt.Errorf("postgres: set embedding %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return dmerrors.NewNotFound(id)
		}
	}
	return nil
}

// Records reloads every record of dataset in ID order, embeddings included.
func (s *Store) Records(ctx context.Context, dataset string) ([]*record.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, stream, content, content_type, created_at, tags, sentiment, complexity,
		       phase, domain, commit_type, commit_info, metadata, embedding
		FROM dev_records WHERE dataset = $1 ORDER BY id`, dataset)
	if err != nil {
		return nil, fmt.Errorf("postgres: query records: %w", err)
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		r := &record.Record{Dataset: dataset}
		var (
			contentType, sentiment, complexity, phase string
			createdAt                                 *time.Time
			commit, metadata                          []byte
			vec                                       *pgvector.Vector
		)
		if err := rows.Scan(&r.ID, &r.Stream, &r.Content, &contentType, &createdAt, &r.Tags,
			&sentiment, &complexity, &phase, &r.Domain, &r.CommitType, &commit, &metadata, &vec); err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}
		r.ContentType = record.ContentType(contentType)
		r.Sentiment = record.Sentiment(sentiment)
		r.Complexity = record.Complexity(complexity)
		r.Phase = record.Phase(phase)
		if createdAt != nil {
			r.CreatedAt = createdAt.UTC()
		}
		if err := decodeJSON(commit, &r.Commit); err != nil {
			return nil, fmt.Errorf("postgres: record %s commit: %w", r.ID, err)
		}
		if err := decodeJSON(metadata, &r.Metadata); err != nil {
			return nil, fmt.Errorf("postgres: record %s metadata: %w", r.ID, err)
		}
		if vec != nil {
			r.Embedding = vec.Slice()
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate records: %w", err)
	}
	return out, nil
}

func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// distributionSQL counts label values of every summarized field in one query.
func distributionSQL() string {
	parts := make([]string, 0, len(record.LabelFields))
	for _, f := range record.LabelFields {
		parts = append(parts, fmt.Sprintf(
			`SELECT '%[1]s' AS field, %[1]s AS value, count(*) FROM dev_records WHERE dataset = $1 AND %[1]s <> '' GROUP BY %[1]s`, f))
	}
	return strings.Join(parts, "\nUNION ALL\n")
}

func (s *Store) Summary(ctx context.Context, dataset string) (*reconcile.Summary, error) {
	sum := &reconcile.Summary{Distribution: record.Distribution{}}
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM dev_records WHERE dataset = $1`, dataset).Scan(&sum.Count); err != nil {
		return nil, fmt.Errorf("postgres: count: %w", err)
	}
	rows, err := s.pool.Query(ctx, distributionSQL(), dataset)
	if err != nil {
		return nil, fmt.Errorf("postgres: distribution: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var field, value string
		var n int64
		if err := rows.Scan(&field, &value, &n); err != nil {
			return nil, fmt.Errorf("postgres: scan distribution: %w", err)
		}
		sum.Distribution.Add(field, value, int(n))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate distribution: %w", err)
	}
	return sum, nil
}

func (s *Store) ListIDs(ctx context.Context, dataset string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM dev_records WHERE dataset = $1 ORDER BY id`, dataset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: list ids: %w", err)
	}
	return ids, nil
}

func (s *Store) ScanEmbeddings(ctx context.Context, dataset string) ([]reconcile.Embedded, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, content_type, created_at, embedding
		FROM dev_records WHERE dataset = $1 ORDER BY id`, dataset)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan embeddings: %w", err)
	}
	defer rows.Close()

	var out []reconcile.Embedded
	for rows.Next() {
		var (
			e           reconcile.Embedded
			contentType string
			createdAt   *time.Time
			vec         *pgvector.Vector
		)
		if err := rows.Scan(&e.ID, &contentType, &createdAt, &vec); err != nil {
			return nil, fmt.Errorf("postgres: scan embedding row: %w", err)
		}
		e.ContentType = record.ContentType(contentType)
		if createdAt != nil {
			e.CreatedAt = createdAt.UTC()
		}
		if vec != nil {
			e.Vector = vec.Slice()
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate embeddings: %w", err)
	}
	return out, nil
}

const neighborsSQL = `
SELECT r.id, r.content_type, r.content, r.embedding <=> q.embedding AS distance
FROM dev_records r,
     (SELECT embedding FROM dev_records WHERE dataset = $1 AND id = $2) q
WHERE r.dataset = $1
  AND r.id <> $2
  AND r.embedding IS NOT NULL
  AND (r.embedding <=> q.embedding) <= $3
ORDER BY distance, r.id
LIMIT $4`

// Neighbors returns up to limit records within maxDistance (cosine) of the
// embedding of id, nearest first.
func (s *Store) Neighbors(ctx context.Context, dataset, id string, limit int, maxDistance float64) ([]store.Neighbor, error) {
	var hasEmbedding bool
	err := s.pool.QueryRow(ctx, `SELECT embedding IS NOT NULL FROM dev_records WHERE dataset = $1 AND id = $2`,
		dataset, id).Scan(&hasEmbedding)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dmerrors.NewNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: lookup %s: %w", id, err)
	}
	if !hasEmbedding {
		return nil, dmerrors.NewInvalidRequest("record " + id + " has no embedding")
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx, neighborsSQL, dataset, id, maxDistance, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: neighbors: %w", err)
	}
	defer rows.Close()
	var out []store.Neighbor
	for rows.Next() {
		var n store.Neighbor
		var contentType string
		if err := rows.Scan(&n.ID, &contentType, &n.Content, &n.Distance); err != nil {
			return nil, fmt.Errorf("postgres: scan neighbor: %w", err)
		}
		n.ContentType = record.ContentType(contentType)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate neighbors: %w", err)
	}
	return out, nil
}
