package web

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/ops"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

// renderError writes err as JSON with the status of its code.
func renderError(w http.ResponseWriter, err error) {
	var de *errors.DevmemError
	if !stderrors.As(err, &de) {
		de = errors.NewInternal(err)
	}
	status := de.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	renderJSON(w, status, errorBody{Error: errorDetail{
		Code:    string(de.Code),
		Message: de.Message,
		Status:  status,
		Details: de.Details,
	}})
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// renderReport writes a reconciliation report in the format it was built in.
func renderReport(w http.ResponseWriter, format string, out *ops.ReconcileOutput) {
	switch format {
	case ops.FormatHTML:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	case ops.FormatMarkdown:
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	default:
		renderJSON(w, http.StatusOK, out)
		return
	}
	if out.RunID != "" {
		w.Header().Set("X-Devmem-Run", out.RunID)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out.Rendered))
}
