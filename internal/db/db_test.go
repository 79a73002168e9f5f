package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/devmem/internal/config"
)

func sqliteObject(t *testing.T, dir, kind, name string) bool {
	t.Helper()
	db, err := Init(dir)
	require.NoError(t, err)
	defer db.Close()
	var got string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type=? AND name=?", kind, name).Scan(&got)
	return err == nil
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	db, err := Init(dir)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, filepath.Join(dir, FileName))
	assert.DirExists(t, filepath.Join(dir, "reports"))

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode;").Scan(&mode))
	assert.Equal(t, "wal", mode)

	version, err := GetUserVersion(db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
	assert.Equal(t, 2, CurrentSchemaVersion)
}

func TestInit_NestedBaseDir(t *testing.T) {
	base := filepath.Join(t.TempDir(), "nested", "path", ".devmem")
	db, err := Init(base)
	require.NoError(t, err)
	defer db.Close()

	info, err := os.Stat(base)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestInit_SchemaObjects(t *testing.T) {
	dir := t.TempDir()
	for _, obj := range []struct{ kind, name string }{
		{"table", "runs"},
		{"table", "rebuild_leases"},
		{"index", "idx_runs_dataset_started"},
		{"index", "idx_runs_kind"},
	} {
		assert.True(t, sqliteObject(t, dir, obj.kind, obj.name), "%s %s", obj.kind, obj.name)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	dir := t.TempDir()
	db, err := Init(dir)
	require.NoError(t, err)
	_, err = StartRun(db, KindImport, "dev")
	require.NoError(t, err)
	db.Close()

	db, err = Init(dir)
	require.NoError(t, err)
	defer db.Close()
	runs, err := ListRuns(db, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestMigrate_ResumesFromStoredVersion(t *testing.T) {
	dir := t.TempDir()
	db, err := Init(dir)
	require.NoError(t, err)
	_, err = db.Exec("DROP TABLE rebuild_leases")
	require.NoError(t, err)
	require.NoError(t, SetUserVersion(db, 1))
	db.Close()

	assert.True(t, sqliteObject(t, dir, "table", "rebuild_leases"))
}

func TestMigrate_RejectsNewerSchema(t *testing.T) {
	dir := t.TempDir()
	db, err := Init(dir)
	require.NoError(t, err)
	require.NoError(t, SetUserVersion(db, 99))
	db.Close()

	_, err = Init(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than this binary")
}

func TestConfigurePool(t *testing.T) {
	db, err := Init(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	ConfigurePool(db, nil)
	ConfigurePool(db, &config.Config{DBMaxOpenConns: 3})
	assert.Equal(t, 3, db.Stats().MaxOpenConnections)
}
