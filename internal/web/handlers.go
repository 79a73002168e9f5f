package web

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hpungsan/devmem/internal/aggregate"
	"github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/ops"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handlers contains HTTP route handlers.
type Handlers struct {
	deps    *ops.Deps
	version string
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	renderJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.version})
}

// HandleRuns lists ledger runs (GET /runs).
func (h *Handlers) HandleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseIntParam(r, "limit", ops.DefaultListLimit)
	if err != nil {
		renderError(w, err)
		return
	}
	result, err := ops.Runs(h.deps, ops.RunsInput{
		Dataset: q.Get("dataset"),
		Kind:    q.Get("kind"),
		Limit:   limit,
	})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// classifyRequest is the body of POST /classify.
type classifyRequest struct {
	Text    string `json:"text"`
	Message string `json:"message"`
}

// HandleClassify labels text without storing it (POST /classify).
func (h *Handlers) HandleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		renderError(w, errors.NewInvalidRequest("body must be a JSON object with text and/or message"))
		return
	}
	result, err := ops.Classify(h.deps, ops.ClassifyInput{Text: req.Text, Message: req.Message})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleAggregate handles GET /datasets/{dataset}/aggregate?by=a,b&filter=k=v.
func (h *Handlers) HandleAggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := aggregate.Request{
		Dataset:    r.PathValue("dataset"),
		Dimensions: splitList(q.Get("by")),
	}
	for _, f := range q["filter"] {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" || v == "" {
			renderError(w, errors.NewInvalidRequest("filter must be dimension=value"))
			return
		}
		if req.Filters == nil {
			req.Filters = make(map[string]string)
		}
		req.Filters[k] = v
	}
	table, err := ops.Aggregate(r.Context(), h.deps, req)
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, table)
}

// HandleSimilar handles GET /datasets/{dataset}/records/{id}/similar.
func (h *Handlers) HandleSimilar(w http.ResponseWriter, r *http.Request) {
	limit, err := parseIntParam(r, "limit", ops.DefaultListLimit)
	if err != nil {
		renderError(w, err)
		return
	}
	input := ops.SimilarInput{
		Dataset: r.PathValue("dataset"),
		ID:      r.PathValue("id"),
		Limit:   limit,
	}
	if s := r.URL.Query().Get("max_distance"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			renderError(w, errors.NewInvalidRequest("max_distance must be a number"))
			return
		}
		input.MaxDist = &v
	}
	result, err := ops.Similar(r.Context(), h.deps, input)
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleReconcile handles POST /datasets/{dataset}/reconcile?format=&audit=.
// The report is returned in the response, never written to disk.
func (h *Handlers) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		format = ops.FormatJSON
	}
	input := ops.ReconcileInput{
		Dataset: r.PathValue("dataset"),
		Audit:   parseBoolParam(r, "audit"),
		Format:  format,
	}
	for name, dst := range map[string]**float64{"threshold": &input.Threshold, "window_hours": &input.WindowHours} {
		s := q.Get(name)
		if s == "" {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			renderError(w, errors.NewInvalidRequest(name+" must be a number"))
			return
		}
		*dst = &v
	}
	result, err := ops.Reconcile(r.Context(), h.deps, input)
	if err != nil {
		renderError(w, err)
		return
	}
	renderReport(w, strings.ToLower(format), result)
}

// HandleRebuild handles POST /datasets/{dataset}/rebuild?provenance=.
func (h *Handlers) HandleRebuild(w http.ResponseWriter, r *http.Request) {
	result, err := ops.Rebuild(r.Context(), h.deps, ops.RebuildInput{
		Dataset:    r.PathValue("dataset"),
		Provenance: parseBoolParam(r, "provenance"),
	})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleReindex handles POST /datasets/{dataset}/reindex.
func (h *Handlers) HandleReindex(w http.ResponseWriter, r *http.Request) {
	result, err := ops.Reindex(r.Context(), h.deps, ops.ReindexInput{Dataset: r.PathValue("dataset")})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.NewInvalidRequest(name + " must be an integer")
	}
	return v, nil
}

// parseBoolParam parses a boolean query parameter.
func parseBoolParam(r *http.Request, name string) bool {
	s := r.URL.Query().Get(name)
	return s == "true" || s == "1"
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
