package ops

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/devmem/internal/config"
	"github.com/hpungsan/devmem/internal/db"
	"github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/metrics"
	"github.com/hpungsan/devmem/internal/store/memstore"
)

type testEnv struct {
	deps   *Deps
	dir    string
	vector *memstore.Vector
	graph  *memstore.Graph
	search *memstore.Search
}

// newTestEnv wires in-memory stores, a temp ledger and a config that allows
// files in a temp directory.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()
	database, err := db.Init(base)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.AllowedPaths = []string{dir}

	env := &testEnv{
		dir:    dir,
		vector: memstore.NewVector(),
		graph:  memstore.NewGraph(),
		search: memstore.NewSearch(),
	}
	env.deps = &Deps{
		DB:      database,
		Vector:  env.vector,
		Graph:   env.graph,
		Search:  env.search,
		Locker:  db.NewLeaseLocker(database),
		Config:  cfg,
		Metrics: metrics.NewCollector(),
	}
	return env
}

func (e *testEnv) writeFile(t *testing.T, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
	return path
}

func requireCode(t *testing.T, err error, code errors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, code), "expected %s, got %v", code, err)
}

func TestRequireDataset(t *testing.T) {
	got, err := requireDataset("  dev ")
	require.NoError(t, err)
	require.Equal(t, "dev", got)

	_, err = requireDataset(" ")
	requireCode(t, err, errors.ErrInvalidRequest)
}

func TestStoreError(t *testing.T) {
	raw := storeError("search", os.ErrDeadlineExceeded)
	requireCode(t, raw, errors.ErrStoreUnavailable)
	require.Contains(t, raw.Error(), "store search unavailable")

	coded := errors.NewNotFound("x")
	require.Same(t, error(coded), storeError("search", coded))
}

func TestErrorCode(t *testing.T) {
	require.Equal(t, errors.ErrNormalization, errorCode(errors.NewNormalization("m1", "content", "is required")))
	require.Equal(t, errors.ErrInternal, errorCode(os.ErrClosed))
	require.Equal(t, "m1", recordIDOf(errors.NewNormalization("m1", "content", "is required")))
	require.Empty(t, recordIDOf(os.ErrClosed))
}
