package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/devmem/internal/db"
	"github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/reconcile"
)

// Report formats.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

var formatExtensions = map[string]string{
	FormatJSON:     ".json",
	FormatMarkdown: ".md",
	FormatHTML:     ".html",
}

// ReconcileInput contains parameters for the Reconcile operation.
type ReconcileInput struct {
	Dataset string
	Audit   bool

	// Threshold and WindowHours override the configured duplicate settings.
	Threshold   *float64
	WindowHours *float64

	Format     string // json (default), markdown, html
	OutputPath string // optional; extension must match Format
}

// ReconcileOutput holds the report and, for markdown/html, its rendering.
type ReconcileOutput struct {
	RunID    string            `json:"run_id,omitempty"`
	Report   *reconcile.Report `json:"report"`
	Path     string            `json:"path,omitempty"`
	Rendered string            `json:"-"`
}

// Reconcile compares the three stores of a dataset. Unavailable stores are
// reported, not returned as errors.
func Reconcile(ctx context.Context, deps *Deps, input ReconcileInput) (*ReconcileOutput, error) {
	dataset, err := requireDataset(input.Dataset)
	if err != nil {
		return nil, err
	}
	format := strings.ToLower(strings.TrimSpace(input.Format))
	if format == "" {
		format = FormatJSON
	}
	ext, ok := formatExtensions[format]
	if !ok {
		return nil, errors.NewInvalidRequest("format must be one of: json, markdown, html")
	}
	if input.OutputPath != "" {
		if !strings.EqualFold(filepath.Ext(input.OutputPath), ext) {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("%s reports must use the %s extension", format, ext))
		}
		if err := ValidatePath(input.OutputPath, PathCheckWrite, deps.config(), ReportExtensions); err != nil {
			return nil, err
		}
	}

	cfg := deps.config()
	threshold := cfg.DuplicateThreshold
	if input.Threshold != nil {
		threshold = *input.Threshold
	}
	window := cfg.DuplicateWindow()
	if input.WindowHours != nil {
		window = time.Duration(*input.WindowHours * float64(time.Hour))
	}

	rec, err := reconcile.New(reconcile.Options{
		Threshold:    threshold,
		Window:       window,
		StoreTimeout: cfg.StoreTimeout(),
		Logger:       deps.log(),
		Metrics:      deps.Metrics,
	}, deps.Vector, deps.Graph, deps.Search)
	if err != nil {
		return nil, err
	}

	run, err := deps.startRun(db.KindReconcile, dataset)
	if err != nil {
		return nil, err
	}

	report, err := rec.Reconcile(ctx, reconcile.Request{Dataset: dataset, Audit: input.Audit})
	if err != nil {
		if run != nil {
			run.Status = db.RunFailed
			deps.finishRun(run, map[string]string{"error": err.Error()})
		}
		return nil, err
	}

	out := &ReconcileOutput{RunID: runID(run), Report: report}
	var data []byte
	switch format {
	case FormatJSON:
		data, err = json.MarshalIndent(report, "", "  ")
	case FormatMarkdown:
		out.Rendered = report.Markdown()
		data = []byte(out.Rendered)
	case FormatHTML:
		out.Rendered, err = report.HTML()
		data = []byte(out.Rendered)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	if input.OutputPath != "" {
		if err := writeReport(input.OutputPath, data); err != nil {
			return nil, err
		}
		out.Path = input.OutputPath
	}

	if run != nil {
		run.Status = db.RunSucceeded
		if report.Degraded {
			run.Status = db.RunPartial
		}
		for _, s := range report.Stores {
			if s.Count != nil {
				run.Processed = max(run.Processed, int(*s.Count))
			}
		}
		deps.finishRun(run, reconcileDetail(report))
	}
	deps.flushMetrics()

	deps.log().Info("reconciliation finished",
		zap.String("dataset", dataset),
		zap.Bool("degraded", report.Degraded),
		zap.Int("mismatches", len(report.CountMismatches)),
		zap.Int("duplicates", len(report.Duplicates.Candidates)),
		zap.Int("orphans", len(report.Orphans.IDs)))
	return out, nil
}

func reconcileDetail(r *reconcile.Report) map[string]any {
	unavailable := []string{}
	for _, s := range r.Stores {
		if s.Status == reconcile.StatusUnavailable {
			unavailable = append(unavailable, s.Name)
		}
	}
	return map[string]any{
		"degraded":           r.Degraded,
		"unavailable_stores": unavailable,
		"count_mismatches":   len(r.CountMismatches),
		"duplicates":         len(r.Duplicates.Candidates),
		"orphans":            len(r.Orphans.IDs),
	}
}

// writeReport writes data to path, replacing any previous report.
func writeReport(path string, data []byte) error {
	f, err := openFileNoFollow(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		if errors.Is(err, errors.ErrInvalidRequest) {
			return err
		}
		return errors.NewInternal(fmt.Errorf("failed to create report file: %w", err))
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.NewInternal(fmt.Errorf("failed to write report: %w", err))
	}
	if err := f.Close(); err != nil {
		return errors.NewInternal(fmt.Errorf("failed to close report: %w", err))
	}
	return nil
}

// DefaultReportPath names a report file in ~/.devmem/reports, creating the
// directory if needed.
func DefaultReportPath(dataset, format string, now time.Time) (string, error) {
	ext, ok := formatExtensions[strings.ToLower(format)]
	if !ok {
		return "", errors.NewInvalidRequest("format must be one of: json, markdown, html")
	}
	dir, err := DefaultReportsDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.NewInternal(fmt.Errorf("failed to create reports directory: %w", err))
	}
	name := fmt.Sprintf("reconcile-%s-%s%s", SanitizeForFilename(dataset), now.UTC().Format("20060102T150405Z"), ext)
	return filepath.Join(dir, name), nil
}
