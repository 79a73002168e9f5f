package ops

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/devmem/internal/classify"
	"github.com/hpungsan/devmem/internal/db"
	"github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/record"
)

// ImportKind selects the raw input format.
type ImportKind string

const (
	ImportMemories ImportKind = "memories"
	ImportCommits  ImportKind = "commits"
)

// importBatchSize is the number of records written per store call.
const importBatchSize = 500

// ImportInput contains parameters for the Import operation.
type ImportInput struct {
	Path    string     // required, .json or .jsonl
	Kind    ImportKind // default: memories
	Dataset string     // required
}

// ImportOutput contains the result of the Import operation.
type ImportOutput struct {
	RunID     string        `json:"run_id,omitempty"`
	Dataset   string        `json:"dataset"`
	Kind      ImportKind    `json:"kind"`
	Status    string        `json:"status"`
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Errors    []ImportError `json:"errors"`
}

// ImportError describes one skipped or failed input entry.
type ImportError struct {
	Line    int    `json:"line"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Import reads raw memories or commits from a file and loads them into a
// dataset. Entries that fail to decode or normalize are skipped; the rest
// are classified and written to the vector and search stores.
func Import(ctx context.Context, deps *Deps, input ImportInput) (*ImportOutput, error) {
	dataset, err := requireDataset(input.Dataset)
	if err != nil {
		return nil, err
	}
	if input.Kind == "" {
		input.Kind = ImportMemories
	}
	if input.Kind != ImportMemories && input.Kind != ImportCommits {
		return nil, errors.NewInvalidRequest("kind must be one of: memories, commits")
	}
	if err := ValidatePath(input.Path, PathCheckRead, deps.config(), InputExtensions); err != nil {
		return nil, err
	}

	file, err := openFileNoFollowRead(input.Path)
	if err != nil {
		if errors.Is(err, errors.ErrInvalidRequest) || errors.Is(err, errors.ErrFileNotFound) {
			return nil, err
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to open import file: %w", err))
	}
	defer file.Close()

	return ImportReader(ctx, deps, dataset, input.Kind, file)
}

// ImportReader is Import without the path checks, for stdin and seeding.
func ImportReader(ctx context.Context, deps *Deps, dataset string, kind ImportKind, r io.Reader) (*ImportOutput, error) {
	dataset, err := requireDataset(dataset)
	if err != nil {
		return nil, err
	}
	log := deps.log().With(zap.String("dataset", dataset), zap.String("kind", string(kind)))

	var (
		norm    normalized
		normErr error
	)
	switch kind {
	case ImportCommits:
		items, err := record.Decode[record.RawCommit](r)
		if err != nil {
			return nil, err
		}
		norm, normErr = normalizeAll(ctx, deps, dataset, items, record.NormalizeCommit)
	case ImportMemories, "":
		kind = ImportMemories
		items, err := record.Decode[record.RawMemory](r)
		if err != nil {
			return nil, err
		}
		norm, normErr = normalizeAll(ctx, deps, dataset, items, record.NormalizeMemory)
	default:
		return nil, errors.NewInvalidRequest("kind must be one of: memories, commits")
	}
	recs, skipped := norm.recs, norm.skipped

	for _, e := range skipped {
		log.Warn("record skipped",
			zap.Int("line", e.Line),
			zap.String("record_id", e.ID),
			zap.String("code", e.Code),
			zap.String("error", e.Message))
	}

	run, err := deps.startRun(db.KindImport, dataset)
	if err != nil {
		return nil, err
	}

	out := &ImportOutput{
		RunID:   runID(run),
		Dataset: dataset,
		Kind:    kind,
		Skipped: len(skipped),
		Failed:  len(norm.aborted),
		Errors:  append(skipped, norm.aborted...),
	}
	if normErr != nil {
		log.Warn("normalization aborted",
			zap.Int("completed", len(recs)+len(skipped)),
			zap.Int("not_processed", len(norm.aborted)),
			zap.Error(normErr))
	}

	record.SortByID(recs)
	writeErr := normErr
	for start := 0; start < len(recs); start += importBatchSize {
		if err := ctx.Err(); err != nil {
			if writeErr == nil {
				writeErr = err
			}
			out.Failed += len(recs) - start
			break
		}
		batch := recs[start:min(start+importBatchSize, len(recs))]
		if err := writeBatch(ctx, deps, dataset, batch); err != nil {
			log.Error("batch write failed", zap.Int("records", len(batch)), zap.Error(err))
			out.Failed += len(batch)
			for _, rec := range batch {
				out.Errors = append(out.Errors, ImportError{
					ID:      rec.ID,
					Code:    string(errorCode(err)),
					Message: err.Error(),
				})
			}
			continue
		}
		out.Processed += len(batch)
	}

	if out.Processed > 0 {
		if err := timed(deps, deps.Search.Name(), "refresh", func() error {
			return deps.Search.Refresh(ctx)
		}); err != nil {
			log.Warn("search refresh failed", zap.Error(err))
		}
	}

	out.Status = importStatus(out)
	if out.Errors == nil {
		out.Errors = []ImportError{}
	}

	if run != nil {
		run.Status = out.Status
		run.Processed, run.Skipped, run.Failed = out.Processed, out.Skipped, out.Failed
		deps.finishRun(run, map[string]any{"kind": kind, "errors": len(out.Errors)})
	}
	if deps.Metrics != nil {
		deps.Metrics.RecordsTotal.WithLabelValues(string(kind), "processed").Add(float64(out.Processed))
		deps.Metrics.RecordsTotal.WithLabelValues(string(kind), "skipped").Add(float64(out.Skipped))
		deps.Metrics.RecordsTotal.WithLabelValues(string(kind), "failed").Add(float64(out.Failed))
	}
	deps.flushMetrics()

	log.Info("import finished",
		zap.String("run_id", out.RunID),
		zap.String("status", out.Status),
		zap.Int("processed", out.Processed),
		zap.Int("skipped", out.Skipped),
		zap.Int("failed", out.Failed))

	if writeErr != nil {
		return out, writeErr
	}
	return out, nil
}

func importStatus(out *ImportOutput) string {
	switch {
	case out.Processed == 0 && out.Failed > 0:
		return db.RunFailed
	case out.Failed > 0 || out.Skipped > 0:
		return db.RunPartial
	default:
		return db.RunSucceeded
	}
}

// normalized is the outcome of normalizeAll. aborted holds the entries that
// were never processed because ctx was cancelled.
type normalized struct {
	recs    []*record.Record
	skipped []ImportError
	aborted []ImportError
}

// normalizeAll normalizes and classifies items on a bounded worker pool.
// Results keep input order; entries with a duplicate ID after the first are
// skipped. Cancelling ctx stops further entries from starting; the entries
// already finished are kept and ctx's error is returned alongside them.
func normalizeAll[T any](ctx context.Context, deps *Deps, dataset string, items []record.Decoded[T], normalize func(string, T) (*record.Record, error)) (normalized, error) {
	cls := deps.classifier()
	results := make([]*record.Record, len(items))
	failures := make([]*ImportError, len(items))
	done := make([]bool, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, deps.config().Workers))
	for i, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			results[i], failures[i] = normalizeOne(cls, dataset, item, normalize)
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()
	ctxErr := ctx.Err()

	var out normalized
	seen := make(map[string]bool, len(items))
	for i := range items {
		switch {
		case !done[i]:
			msg := "not processed"
			if ctxErr != nil {
				msg += ": " + ctxErr.Error()
			}
			out.aborted = append(out.aborted, ImportError{
				Line:    items[i].Line,
				Code:    string(errors.ErrInternal),
				Message: msg,
			})
		case failures[i] != nil:
			out.skipped = append(out.skipped, *failures[i])
		case seen[results[i].ID]:
			out.skipped = append(out.skipped, ImportError{
				Line:    items[i].Line,
				ID:      results[i].ID,
				Code:    string(errors.ErrInvalidRequest),
				Message: "duplicate record id in input",
			})
		default:
			seen[results[i].ID] = true
			out.recs = append(out.recs, results[i])
		}
	}
	return out, ctxErr
}

func normalizeOne[T any](cls *classify.Classifier, dataset string, item record.Decoded[T], normalize func(string, T) (*record.Record, error)) (*record.Record, *ImportError) {
	if item.Err != nil {
		return nil, &ImportError{Line: item.Line, Code: string(errorCode(item.Err)), Message: item.Err.Error()}
	}
	rec, err := normalize(dataset, item.Value)
	if err != nil {
		return nil, &ImportError{Line: item.Line, ID: recordIDOf(err), Code: string(errorCode(err)), Message: err.Error()}
	}
	cls.Annotate(rec)
	return rec, nil
}

// writeBatch stores batch in the vector store, attaches any embeddings, then
// indexes it for search. The search index is skipped when the vector write
// fails so it never holds records the source of truth lacks.
func writeBatch(ctx context.Context, deps *Deps, dataset string, batch []*record.Record) error {
	if err := timed(deps, deps.Vector.Name(), "upsert", func() error {
		return deps.Vector.UpsertRecords(ctx, dataset, batch)
	}); err != nil {
		return storeError(deps.Vector.Name(), err)
	}

	vecs := make(map[string][]float32)
	for _, rec := range batch {
		if len(rec.Embedding) > 0 {
			vecs[rec.ID] = rec.Embedding
		}
	}
	if len(vecs) > 0 {
		if err := timed(deps, deps.Vector.Name(), "set_embeddings", func() error {
			return deps.Vector.SetEmbeddings(ctx, dataset, vecs)
		}); err != nil {
			return storeError(deps.Vector.Name(), err)
		}
	}

	if err := timed(deps, deps.Search.Name(), "index", func() error {
		return deps.Search.IndexRecords(ctx, dataset, batch)
	}); err != nil {
		return storeError(deps.Search.Name(), err)
	}
	return nil
}
