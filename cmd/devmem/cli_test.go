package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hpungsan/devmem/internal/classify"
	"github.com/hpungsan/devmem/internal/config"
	"github.com/hpungsan/devmem/internal/db"
	"github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/metrics"
	"github.com/hpungsan/devmem/internal/ops"
	"github.com/hpungsan/devmem/internal/reconcile"
)

const memoriesJSONL = `{"memory_id":"m1","content":"Finally fixed the postgres connection","content_type":"code","created_at":"2024-03-01T10:00:00Z","tags":["db"],"embedding":[1,0,0]}
{"memory_id":"m2","content":"Docker build keeps failing with an error","content_type":"code","created_at":"2024-03-01T11:00:00Z","tags":["docker"],"embedding":[1,0,0]}
{"memory_id":"m3","content":"We decided to keep the monolith","content_type":"decision","created_at":"2024-03-01T12:00:00Z","tags":["architecture"]}
`

const commitsJSON = `[{"repo_name":"devmem","commit_hash":"0123456789abcdef0123","timestamp":"2024-03-01T09:00:00Z","author":"sam","author_email":"sam@example.com","message":"fix: retry postgres connection","files_changed":[{"path":"db.go","additions":3,"deletions":1}],"primary_language":"Go"}]`

// setupTestEnv returns an env over a temp ledger and a directory the path
// checks accept.
func setupTestEnv(t *testing.T) (*env, string) {
	t.Helper()
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.AllowedPaths = []string{dir}

	return &env{
		db:         database,
		cfg:        cfg,
		logger:     zap.NewNop(),
		classifier: classify.Default(),
		policy:     classify.DefaultPolicy(),
		metrics:    metrics.NewCollector(),
	}, dir
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// runCLI runs the app with args and returns what it wrote to stdout.
func runCLI(t *testing.T, e *env, args ...string) (string, error) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	oldStdout := os.Stdout
	os.Stdout = w

	done := make(chan string)
	go func() {
		data, _ := io.ReadAll(r)
		done <- string(data)
	}()

	app := newCLIApp(e)
	runErr := app.Run(append([]string{"devmem"}, args...))

	w.Close()
	os.Stdout = oldStdout
	return <-done, runErr
}

// withStdin replaces os.Stdin with a pipe holding content.
func withStdin(t *testing.T, content string) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	_, err = w.WriteString(content)
	require.NoError(t, err)
	w.Close()

	old := os.Stdin
	os.Stdin = r
	t.Cleanup(func() {
		os.Stdin = old
		r.Close()
	})
}

func TestParseList(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"", nil},
		{"phase", []string{"phase"}},
		{" phase , sentiment ,", []string{"phase", "sentiment"}},
		{",,", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseList(tt.input))
		})
	}
}

func TestParseFilters(t *testing.T) {
	got, err := parseFilters(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseFilters([]string{"phase=debugging", " sentiment = negative "})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"phase": "debugging", "sentiment": "negative"}, got)

	for _, bad := range []string{"phase", "=x", "phase="} {
		_, err := parseFilters([]string{bad})
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest), bad)
	}
}

func TestCLIClassify(t *testing.T) {
	e, _ := setupTestEnv(t)

	out, err := runCLI(t, e, "classify", "Docker build keeps failing with an error")
	require.NoError(t, err)
	var labels map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &labels))
	assert.Equal(t, "negative", labels["sentiment"])
	assert.Equal(t, "docker", labels["domain"])
	assert.NotContains(t, labels, "commit_type")

	out, err = runCLI(t, e, "classify", "--message", "fix: retry postgres connection")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &labels))
	assert.NotEmpty(t, labels["commit_type"])
}

func TestCLIClassify_Stdin(t *testing.T) {
	e, _ := setupTestEnv(t)
	withStdin(t, "Docker build keeps failing with an error\n")

	out, err := runCLI(t, e, "classify")
	require.NoError(t, err)
	var labels map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &labels))
	assert.Equal(t, "docker", labels["domain"])
}

func TestCLIImport(t *testing.T) {
	e, dir := setupTestEnv(t)
	path := writeFile(t, dir, "memories.jsonl", memoriesJSONL)

	out, err := runCLI(t, e, "--backend", "memory", "-d", "dev", "import", path)
	require.NoError(t, err)
	var result ops.ImportOutput
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "dev", result.Dataset)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, db.RunSucceeded, result.Status)
	assert.NotEmpty(t, result.RunID)

	commits := writeFile(t, dir, "commits.json", commitsJSON)
	out, err = runCLI(t, e, "--backend", "memory", "import", "--kind", "commits", commits)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, ops.ImportCommits, result.Kind)
	assert.Equal(t, "default", result.Dataset)
	assert.Equal(t, 1, result.Processed)
}

func TestCLIImport_Stdin(t *testing.T) {
	e, _ := setupTestEnv(t)
	withStdin(t, memoriesJSONL)

	out, err := runCLI(t, e, "--backend", "memory", "import")
	require.NoError(t, err)
	var result ops.ImportOutput
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 3, result.Processed)
}

func TestCLIRebuild(t *testing.T) {
	e, dir := setupTestEnv(t)
	seed := writeFile(t, dir, "memories.jsonl", memoriesJSONL)
	commits := writeFile(t, dir, "commits.json", commitsJSON)

	out, err := runCLI(t, e, "--backend", "memory", "--seed-memories", seed, "--seed-commits", commits, "rebuild", "--provenance")
	require.NoError(t, err)
	var result struct {
		Result struct {
			Stats struct {
				RecordNodes int `json:"record_nodes"`
				RepoNodes   int `json:"repository_nodes"`
				AuthorNodes int `json:"author_nodes"`
			} `json:"stats"`
		} `json:"result"`
		Orphans []string `json:"orphans"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 4, result.Result.Stats.RecordNodes)
	assert.Equal(t, 1, result.Result.Stats.RepoNodes)
	assert.Equal(t, 1, result.Result.Stats.AuthorNodes)
	assert.NotNil(t, result.Orphans)
}

func TestCLIRebuild_EmptyDataset(t *testing.T) {
	e, _ := setupTestEnv(t)
	_, err := runCLI(t, e, "--backend", "memory", "rebuild")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[NOT_FOUND]")
}

func TestCLIReindex(t *testing.T) {
	e, dir := setupTestEnv(t)
	seed := writeFile(t, dir, "memories.jsonl", memoriesJSONL)

	out, err := runCLI(t, e, "--backend", "memory", "--seed-memories", seed, "reindex")
	require.NoError(t, err)
	var result ops.ReindexOutput
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "default", result.Dataset)
	assert.Equal(t, int64(3), result.Cleared)
	assert.Equal(t, 3, result.Indexed)

	_, err = runCLI(t, e, "--backend", "memory", "reindex")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[NOT_FOUND]")
}

func TestCLIReconcile(t *testing.T) {
	e, dir := setupTestEnv(t)
	seed := writeFile(t, dir, "memories.jsonl", memoriesJSONL)

	t.Run("json to stdout", func(t *testing.T) {
		out, err := runCLI(t, e, "--backend", "memory", "--seed-memories", seed, "reconcile", "--audit")
		require.NoError(t, err)
		var result ops.ReconcileOutput
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		require.NotNil(t, result.Report)
		assert.False(t, result.Report.Degraded)
		// The graph was never rebuilt.
		assert.NotEmpty(t, result.Report.CountMismatches)
		require.Len(t, result.Report.Duplicates.Candidates, 1)
		require.NotNil(t, result.Report.Audit)
	})

	t.Run("markdown to stdout", func(t *testing.T) {
		out, err := runCLI(t, e, "--backend", "memory", "--seed-memories", seed, "reconcile", "-f", "markdown")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "# Reconciliation: default"))
	})

	t.Run("html to file", func(t *testing.T) {
		path := filepath.Join(dir, "report.html")
		out, err := runCLI(t, e, "--backend", "memory", "--seed-memories", seed, "reconcile", "--format", "html", "--output", path)
		require.NoError(t, err)
		var summary map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &summary))
		assert.Equal(t, path, summary["path"])
		assert.Equal(t, false, summary["degraded"])

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "<html")
	})

	t.Run("save and output conflict", func(t *testing.T) {
		_, err := runCLI(t, e, "--backend", "memory", "reconcile", "--save", "--output", filepath.Join(dir, "r.json"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "[INVALID_REQUEST]")
	})

	t.Run("threshold out of range", func(t *testing.T) {
		_, err := runCLI(t, e, "--backend", "memory", "reconcile", "--threshold", "1.5")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "[DUPLICATE_THRESHOLD]")
	})
}

func TestCLIAggregate(t *testing.T) {
	e, dir := setupTestEnv(t)
	seed := writeFile(t, dir, "memories.jsonl", memoriesJSONL)

	out, err := runCLI(t, e, "--backend", "memory", "--seed-memories", seed,
		"aggregate", "--by", "sentiment", "--filter", "content_type=code")
	require.NoError(t, err)
	var table struct {
		Total int64 `json:"total"`
		Rows  []struct {
			Key   []string `json:"key"`
			Count int64    `json:"count"`
		} `json:"rows"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &table))
	assert.Equal(t, int64(2), table.Total)
	// Dense: every sentiment appears, including those with no records.
	assert.Len(t, table.Rows, 3)

	_, err = runCLI(t, e, "--backend", "memory", "aggregate", "--by", "sentiment", "--filter", "content_type")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[INVALID_REQUEST]")
}

func TestCLISimilar(t *testing.T) {
	e, dir := setupTestEnv(t)
	seed := writeFile(t, dir, "memories.jsonl", memoriesJSONL)

	out, err := runCLI(t, e, "--backend", "memory", "--seed-memories", seed, "similar", "m1", "--limit", "5")
	require.NoError(t, err)
	var result ops.SimilarOutput
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Len(t, result.Items, 1)
	assert.Equal(t, "m2", result.Items[0].ID)

	_, err = runCLI(t, e, "--backend", "memory", "similar")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[INVALID_REQUEST] record id is required")
}

func TestCLIRuns(t *testing.T) {
	e, dir := setupTestEnv(t)
	path := writeFile(t, dir, "memories.jsonl", memoriesJSONL)

	_, err := runCLI(t, e, "--backend", "memory", "-d", "a", "import", path)
	require.NoError(t, err)
	_, err = runCLI(t, e, "--backend", "memory", "-d", "b", "--seed-memories", path, "rebuild")
	require.NoError(t, err)

	out, err := runCLI(t, e, "runs")
	require.NoError(t, err)
	var all ops.RunsOutput
	require.NoError(t, json.Unmarshal([]byte(out), &all))
	// Seeding is not recorded.
	require.Len(t, all.Items, 2)
	assert.Equal(t, db.KindRebuild, all.Items[0].Kind)

	out, err = runCLI(t, e, "-d", "a", "runs")
	require.NoError(t, err)
	var filtered ops.RunsOutput
	require.NoError(t, json.Unmarshal([]byte(out), &filtered))
	require.Len(t, filtered.Items, 1)
	assert.Equal(t, db.KindImport, filtered.Items[0].Kind)

	_, err = runCLI(t, e, "runs", "--kind", "export")
	require.Error(t, err)
}

func TestCLIErrorHandling(t *testing.T) {
	e, dir := setupTestEnv(t)
	seed := writeFile(t, dir, "memories.jsonl", memoriesJSONL)

	t.Run("unknown backend", func(t *testing.T) {
		_, err := runCLI(t, e, "--backend", "cloud", "rebuild")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "[INVALID_REQUEST] backend must be one of")
	})

	t.Run("seed without memory backend", func(t *testing.T) {
		_, err := runCLI(t, e, "--backend", "live", "--seed-memories", seed, "rebuild")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "[INVALID_REQUEST]")
	})

	t.Run("import outside allowed paths", func(t *testing.T) {
		outside := writeFile(t, t.TempDir(), "memories.jsonl", memoriesJSONL)
		_, err := runCLI(t, e, "--backend", "memory", "import", outside)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "[INVALID_REQUEST]")
	})

	t.Run("missing import file", func(t *testing.T) {
		_, err := runCLI(t, e, "--backend", "memory", "import", filepath.Join(dir, "nope.jsonl"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "[FILE_NOT_FOUND]")
	})
}

func TestLiveBackend_UnreachableStoresDegrade(t *testing.T) {
	e, _ := setupTestEnv(t)
	e.cfg.StoreTimeoutSeconds = 2
	e.cfg.ElasticAddresses = []string{"http://127.0.0.1:1"}

	deps, err := e.open(context.Background(), backendOptions{Backend: backendLive, Dataset: "dev"})
	require.NoError(t, err)
	t.Cleanup(e.close)
	assert.IsType(t, offlineStore{}, deps.Vector)
	assert.IsType(t, offlineStore{}, deps.Graph)
	assert.IsType(t, offlineStore{}, deps.Search)

	out, err := ops.Reconcile(context.Background(), deps, ops.ReconcileInput{Dataset: "dev"})
	require.NoError(t, err)
	assert.True(t, out.Report.Degraded)
	for _, s := range out.Report.Stores {
		assert.Equal(t, reconcile.StatusUnavailable, s.Status, s.Name)
	}

	_, err = ops.Rebuild(context.Background(), deps, ops.RebuildInput{Dataset: "dev"})
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable))
}

func TestOfflineStore(t *testing.T) {
	ctx := context.Background()
	s := offlineStore{name: reconcile.StoreGraph, err: io.ErrUnexpectedEOF}
	assert.Equal(t, reconcile.StoreGraph, s.Name())

	_, err := s.Summary(ctx, "dev")
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable))
	_, err = s.ClearDataset(ctx, "dev")
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable))
	assert.True(t, errors.Is(s.IndexRecords(ctx, "dev", nil), errors.ErrStoreUnavailable))
	assert.True(t, errors.Is(s.Refresh(ctx), errors.ErrStoreUnavailable))
	assert.ErrorIs(t, s.fail(), io.ErrUnexpectedEOF)
}

func TestNewEnv(t *testing.T) {
	base := t.TempDir()
	t.Setenv("DEVMEM_POSTGRES_URL", "postgres://localhost/devmem")
	require.NoError(t, os.WriteFile(filepath.Join(base, "config.json"), []byte(`{"workers": 2, "log_format": "json"}`), 0o600))

	e, err := newEnv(base)
	require.NoError(t, err)
	t.Cleanup(func() { e.db.Close() })
	assert.Equal(t, 2, e.cfg.Workers)
	assert.Equal(t, "postgres://localhost/devmem", e.cfg.PostgresURL)
	assert.NotNil(t, e.classifier)
	assert.NotNil(t, e.metrics)

	bad := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bad, "config.json"), []byte(`{"duplicate_threshold": 3}`), 0o600))
	_, err = newEnv(bad)
	require.Error(t, err)
}

func TestIsHelpOrVersion(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	tests := []struct {
		args     []string
		expected bool
	}{
		{[]string{"devmem"}, false},
		{[]string{"devmem", "--help"}, true},
		{[]string{"devmem", "-h"}, true},
		{[]string{"devmem", "--version"}, true},
		{[]string{"devmem", "-v"}, true},
		{[]string{"devmem", "help"}, true},
		{[]string{"devmem", "reconcile"}, false},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			os.Args = tt.args
			assert.Equal(t, tt.expected, isHelpOrVersion())
		})
	}
}

func TestHelpWithoutEnv(t *testing.T) {
	out, err := runCLI(t, nil, "--help")
	require.NoError(t, err)
	for _, cmd := range []string{"classify", "import", "rebuild", "reconcile", "aggregate", "similar", "runs", "serve"} {
		assert.Contains(t, out, cmd)
	}

	_, err = runCLI(t, nil, "rebuild")
	require.Error(t, err)
}
