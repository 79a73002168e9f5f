// Package db is the local SQLite ledger: the run history of imports,
// rebuilds and reconciliations, and the per-dataset rebuild leases.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/hpungsan/devmem/internal/config"
)

// FileName is the ledger database file under the base directory.
const FileName = "devmem.db"

// migrations are applied in order; migration i brings the schema to
// user_version i+1. Append only.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS runs (
	  id          TEXT PRIMARY KEY,
	  kind        TEXT NOT NULL,
	  dataset     TEXT NOT NULL,
	  status      TEXT NOT NULL,
	  processed   INTEGER NOT NULL DEFAULT 0,
	  skipped     INTEGER NOT NULL DEFAULT 0,
	  failed      INTEGER NOT NULL DEFAULT 0,
	  detail_json TEXT,
	  started_at  INTEGER NOT NULL,
	  finished_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_runs_dataset_started ON runs(dataset, started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_kind ON runs(kind, started_at DESC);`,

	`CREATE TABLE IF NOT EXISTS rebuild_leases (
	  dataset     TEXT PRIMARY KEY,
	  owner       TEXT NOT NULL,
	  acquired_at INTEGER NOT NULL,
	  expires_at  INTEGER NOT NULL
	);`,
}

// CurrentSchemaVersion is the user_version after all migrations.
var CurrentSchemaVersion = len(migrations)

// Init opens the ledger at baseDir/devmem.db, creating baseDir and
// baseDir/reports (0700) as needed, and migrates it.
func Init(baseDir string) (*sql.DB, error) {
	for _, dir := range []string{baseDir, filepath.Join(baseDir, "reports")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
		_ = os.Chmod(dir, 0o700)
	}

	// Pragmas in the DSN apply to every pooled connection.
	dbPath := filepath.Join(baseDir, FileName)
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	_ = os.Chmod(dbPath, 0o600)
	return db, nil
}

// ConfigurePool applies the non-zero ledger pool settings of cfg.
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies every migration above the stored user_version, each in
// its own transaction together with the version bump.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return fmt.Errorf("ledger schema version %d is newer than this binary (%d)", version, len(migrations))
	}
	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version=%d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: set version: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", i+1, err)
		}
	}
	return nil
}

func verifyWALMode(db *sql.DB) error {
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&mode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if mode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", mode)
	}
	return nil
}

// GetUserVersion returns the ledger schema version.
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion overwrites the ledger schema version.
func SetUserVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
