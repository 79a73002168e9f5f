package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/devmem/internal/config"
	"github.com/hpungsan/devmem/internal/db"
	"github.com/hpungsan/devmem/internal/metrics"
	"github.com/hpungsan/devmem/internal/ops"
	"github.com/hpungsan/devmem/internal/store/memstore"
)

const memories = `{"memory_id":"m1","content":"Finally fixed the postgres connection","content_type":"code","created_at":"2024-03-01T10:00:00Z","tags":["db"],"embedding":[1,0,0]}
{"memory_id":"m2","content":"Docker build keeps failing with an error","content_type":"code","created_at":"2024-03-01T11:00:00Z","tags":["docker"],"embedding":[1,0,0]}
{"memory_id":"m3","content":"We decided to keep the monolith","content_type":"decision","created_at":"2024-03-01T12:00:00Z","tags":["architecture"],"embedding":[0,1,0]}
`

type testServer struct {
	handler http.Handler
	deps    *ops.Deps
	search  *memstore.Search
}

func setupTest(t *testing.T) *testServer {
	t.Helper()
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	search := memstore.NewSearch()
	deps := &ops.Deps{
		DB:      database,
		Vector:  memstore.NewVector(),
		Graph:   memstore.NewGraph(),
		Search:  search,
		Locker:  db.NewLeaseLocker(database),
		Config:  config.DefaultConfig(),
		Metrics: metrics.NewCollector(),
	}
	_, err = ops.ImportReader(context.Background(), deps, "dev", ops.ImportMemories, strings.NewReader(memories))
	require.NoError(t, err)

	return &testServer{handler: NewHandler(deps, "test"), deps: deps, search: search}
}

func (s *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func requireErrorCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())
	body := decode[errorBody](t, w)
	assert.Equal(t, code, body.Error.Code)
	assert.Equal(t, status, body.Error.Status)
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	s := setupTest(t)
	w := s.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, map[string]string{"status": "ok", "version": "test"}, decode[map[string]string](t, w))
}

func TestHandleClassify(t *testing.T) {
	s := setupTest(t)

	w := s.do(t, http.MethodPost, "/classify", `{"text":"Docker build keeps failing with an error"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[map[string]any](t, w)
	assert.Equal(t, "negative", out["sentiment"])
	assert.Equal(t, "docker", out["domain"])
	assert.NotContains(t, out, "commit_type")

	w = s.do(t, http.MethodPost, "/classify", `{"message":"fix: handle nil config"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, decode[map[string]any](t, w), "commit_type")

	requireErrorCode(t, s.do(t, http.MethodPost, "/classify", `{}`), http.StatusBadRequest, "INVALID_REQUEST")
	requireErrorCode(t, s.do(t, http.MethodPost, "/classify", `not json`), http.StatusBadRequest, "INVALID_REQUEST")
	requireErrorCode(t, s.do(t, http.MethodPost, "/classify", `{"text":"x","extra":1}`), http.StatusBadRequest, "INVALID_REQUEST")
}

func TestHandleAggregate(t *testing.T) {
	s := setupTest(t)

	w := s.do(t, http.MethodGet, "/datasets/dev/aggregate?by=sentiment,content_type&filter=content_type=code", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	table := decode[struct {
		Total int64 `json:"total"`
		Rows  []struct {
			Key   []string `json:"key"`
			Count int64    `json:"count"`
		} `json:"rows"`
	}](t, w)
	assert.Equal(t, int64(2), table.Total)
	assert.NotEmpty(t, table.Rows)
	var sum int64
	for _, row := range table.Rows {
		require.Len(t, row.Key, 2)
		sum += row.Count
	}
	assert.Equal(t, table.Total, sum)

	requireErrorCode(t, s.do(t, http.MethodGet, "/datasets/dev/aggregate?by=weather", ""), http.StatusBadRequest, "INVALID_REQUEST")
	requireErrorCode(t, s.do(t, http.MethodGet, "/datasets/dev/aggregate?by=phase&filter=phase", ""), http.StatusBadRequest, "INVALID_REQUEST")
}

func TestHandleSimilar(t *testing.T) {
	s := setupTest(t)

	w := s.do(t, http.MethodGet, "/datasets/dev/records/m1/similar?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[ops.SimilarOutput](t, w)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "m2", out.Items[0].ID)
	assert.InDelta(t, 1.0, out.Items[0].Similarity, 1e-9)

	requireErrorCode(t, s.do(t, http.MethodGet, "/datasets/dev/records/m1/similar?limit=x", ""), http.StatusBadRequest, "INVALID_REQUEST")
	requireErrorCode(t, s.do(t, http.MethodGet, "/datasets/dev/records/m1/similar?max_distance=3", ""), http.StatusBadRequest, "INVALID_REQUEST")
}

func TestHandleRebuildAndReconcile(t *testing.T) {
	s := setupTest(t)

	w := s.do(t, http.MethodPost, "/datasets/dev/rebuild", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/datasets/dev/reconcile", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[ops.ReconcileOutput](t, w)
	require.NotNil(t, out.Report)
	assert.Equal(t, "dev", out.Report.Dataset)
	assert.False(t, out.Report.Degraded)
	assert.Empty(t, out.Report.CountMismatches)
	require.Len(t, out.Report.Duplicates.Candidates, 1)

	s.search.DeleteRecords("dev", "m3")
	w = s.do(t, http.MethodPost, "/datasets/dev/reconcile?format=markdown&audit=1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/markdown"))
	assert.NotEmpty(t, w.Header().Get("X-Devmem-Run"))
	assert.Contains(t, w.Body.String(), "# Reconciliation: dev")

	w = s.do(t, http.MethodPost, "/datasets/dev/reconcile?format=html", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/html"))

	requireErrorCode(t, s.do(t, http.MethodPost, "/datasets/dev/reconcile?format=pdf", ""), http.StatusBadRequest, "INVALID_REQUEST")
	requireErrorCode(t, s.do(t, http.MethodPost, "/datasets/dev/reconcile?threshold=2", ""), http.StatusBadRequest, "DUPLICATE_THRESHOLD")
	requireErrorCode(t, s.do(t, http.MethodPost, "/datasets/dev/reconcile?threshold=high", ""), http.StatusBadRequest, "INVALID_REQUEST")
}

func TestHandleRebuild_UnknownDataset(t *testing.T) {
	s := setupTest(t)
	requireErrorCode(t, s.do(t, http.MethodPost, "/datasets/nope/rebuild", ""), http.StatusNotFound, "NOT_FOUND")
}

func TestHandleReindex(t *testing.T) {
	s := setupTest(t)
	s.search.DeleteRecords("dev", "m2")

	w := s.do(t, http.MethodPost, "/datasets/dev/reindex", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[ops.ReindexOutput](t, w)
	assert.Equal(t, int64(2), out.Cleared)
	assert.Equal(t, 3, out.Indexed)

	ids, err := s.search.ListIDs(context.Background(), "dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids)

	requireErrorCode(t, s.do(t, http.MethodPost, "/datasets/nope/reindex", ""), http.StatusNotFound, "NOT_FOUND")
}

func TestHandleRuns(t *testing.T) {
	s := setupTest(t)
	w := s.do(t, http.MethodPost, "/datasets/dev/rebuild", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/runs?dataset=dev", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[ops.RunsOutput](t, w)
	require.Len(t, out.Items, 2)
	assert.Equal(t, db.KindRebuild, out.Items[0].Kind)
	assert.Equal(t, db.KindImport, out.Items[1].Kind)

	w = s.do(t, http.MethodGet, "/runs?kind=import", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[ops.RunsOutput](t, w).Items, 1)

	requireErrorCode(t, s.do(t, http.MethodGet, "/runs?kind=export", ""), http.StatusBadRequest, "INVALID_REQUEST")
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTest(t)
	w := s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "devmem_")

	s.deps.Metrics = nil
	h := NewHandler(s.deps, "test")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
