package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/devmem/internal/errors"
)

// Run kinds.
const (
	KindImport    = "import"
	KindRebuild   = "rebuild"
	KindReconcile = "reconcile"
	KindReindex   = "reindex"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunPartial   = "partial"
	RunFailed    = "failed"
)

// Run is one pipeline execution recorded in the ledger.
type Run struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Dataset    string          `json:"dataset"`
	Status     string          `json:"status"`
	Processed  int             `json:"processed"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	StartedAt  int64           `json:"started_at"`
	FinishedAt *int64          `json:"finished_at,omitempty"`
}

// StartRun records a running run and returns it.
func StartRun(db *sql.DB, kind, dataset string) (*Run, error) {
	r := &Run{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Dataset:   dataset,
		Status:    RunRunning,
		StartedAt: time.Now().Unix(),
	}
	_, err := db.Exec(`
		INSERT INTO runs (id, kind, dataset, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.Kind, r.Dataset, r.Status, r.StartedAt)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return r, nil
}

// FinishRun stores the final counts, status and detail of r.
func FinishRun(db *sql.DB, r *Run, detail any) error {
	var detailJSON sql.NullString
	if detail != nil {
		data, err := json.Marshal(detail)
		if err != nil {
			return errors.NewInternal(err)
		}
		detailJSON = sql.NullString{String: string(data), Valid: true}
		r.Detail = data
	}
	now := time.Now().Unix()

	result, err := db.Exec(`
		UPDATE runs
		SET status = ?, processed = ?, skipped = ?, failed = ?, detail_json = ?, finished_at = ?
		WHERE id = ?
	`, r.Status, r.Processed, r.Skipped, r.Failed, detailJSON, now, r.ID)
	if err != nil {
		return errors.NewInternal(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if rowsAffected == 0 {
		return errors.NewNotFound(r.ID)
	}
	r.FinishedAt = &now
	return nil
}

// GetRun retrieves a run by its ULID.
func GetRun(db *sql.DB, id string) (*Run, error) {
	row := db.QueryRow(`
		SELECT id, kind, dataset, status, processed, skipped, failed, detail_json, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return r, nil
}

// RunFilter narrows ListRuns. Empty fields match everything.
type RunFilter struct {
	Dataset string
	Kind    string
	Limit   int
}

// ListRuns returns runs newest first.
func ListRuns(db *sql.DB, f RunFilter) ([]Run, error) {
	query := `
		SELECT id, kind, dataset, status, processed, skipped, failed, detail_json, started_at, finished_at
		FROM runs WHERE 1 = 1
	`
	var args []any
	if f.Dataset != "" {
		query += " AND dataset = ?"
		args = append(args, f.Dataset)
	}
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, f.Kind)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r          Run
		detailJSON sql.NullString
		finishedAt sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.Kind, &r.Dataset, &r.Status, &r.Processed, &r.Skipped, &r.Failed,
		&detailJSON, &r.StartedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if detailJSON.Valid && detailJSON.String != "" {
		r.Detail = json.RawMessage(detailJSON.String)
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Int64
	}
	return &r, nil
}
