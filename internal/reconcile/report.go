package reconcile

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Report is the outcome of one reconciliation. Degraded is set when any
// store or section could not be computed.
type Report struct {
	Dataset           string              `json:"dataset"`
	GeneratedAt       time.Time           `json:"generated_at"`
	Threshold         float64             `json:"duplicate_threshold"`
	Window            string              `json:"duplicate_window"`
	Degraded          bool                `json:"degraded"`
	Stores            []StoreStatus       `json:"stores"`
	CountMismatches   []CountMismatch     `json:"count_mismatches"`
	Shortfalls        []Shortfall         `json:"shortfalls"`
	DistributionDrift []DistributionDrift `json:"distribution_drift"`
	Duplicates        DuplicateSection    `json:"duplicates"`
	Orphans           OrphanSection       `json:"orphans"`
	Audit             *AuditSection       `json:"audit,omitempty"`
}

// StoreStatus is one store's contribution. Count is nil when unavailable.
type StoreStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Count   *int64 `json:"count,omitempty"`
	Error   string `json:"error,omitempty"`
	Elapsed string `json:"elapsed"`
}

// CountMismatch is a pairwise count difference. Short names the store with
// the lower count.
type CountMismatch struct {
	StoreA string `json:"store_a"`
	CountA int64  `json:"count_a"`
	StoreB string `json:"store_b"`
	CountB int64  `json:"count_b"`
	Delta  int64  `json:"delta"`
	Short  string `json:"short"`
}

// Shortfall is a store's deficit against the highest available count.
type Shortfall struct {
	Store    string `json:"store"`
	Count    int64  `json:"count"`
	Expected int64  `json:"expected"`
	Missing  int64  `json:"missing"`
}

// DistributionDrift is a label value whose count differs between stores.
type DistributionDrift struct {
	Field  string         `json:"field"`
	Value  string         `json:"value"`
	Counts map[string]int `json:"counts"`
}

type DuplicateSection struct {
	Status     string               `json:"status"`
	Source     string               `json:"source,omitempty"`
	Error      string               `json:"error,omitempty"`
	Compared   int                  `json:"compared_pairs"`
	Skipped    int                  `json:"skipped_records"`
	Candidates []DuplicateCandidate `json:"candidates"`
}

type OrphanSection struct {
	Status string   `json:"status"`
	Source string   `json:"source,omitempty"`
	Error  string   `json:"error,omitempty"`
	IDs    []string `json:"ids"`
}

// AuditSection lists, per store, the IDs present in some other store but
// missing from it.
type AuditSection struct {
	Total       int                 `json:"total_ids"`
	Missing     map[string][]string `json:"missing"`
	Unavailable []string            `json:"unavailable,omitempty"`
}

// Markdown renders the report for humans.
func (r *Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Reconciliation: %s\n\n", r.Dataset)
	fmt.Fprintf(&b, "Generated %s", r.GeneratedAt.Format(time.RFC3339))
	if r.Degraded {
		b.WriteString(" (**degraded**: some sections are unavailable)")
	}
	b.WriteString("\n\n## Stores\n\n| Store | Status | Count | Elapsed |\n|---|---|---|---|\n")
	for _, s := range r.Stores {
		count := "-"
		if s.Count != nil {
			count = fmt.Sprint(*s.Count)
		}
		status := s.Status
		if s.Error != "" {
			status += ": " + s.Error
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", s.Name, escapeCell(status), count, s.Elapsed)
	}

	b.WriteString("\n## Counts\n\n")
	if len(r.CountMismatches) == 0 {
		b.WriteString("All available stores agree.\n")
	}
	for _, m := range r.CountMismatches {
		fmt.Fprintf(&b, "- %s\n", m)
	}
	for _, s := range r.Shortfalls {
		fmt.Fprintf(&b, "- **%s** is missing %d of %d records\n", s.Store, s.Missing, s.Expected)
	}

	b.WriteString("\n## Label distributions\n\n")
	if len(r.DistributionDrift) == 0 {
		b.WriteString("No drift.\n")
	} else {
		b.WriteString("| Field | Value | Counts |\n|---|---|---|\n")
		for _, d := range r.DistributionDrift {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", d.Field, escapeCell(d.Value), formatCounts(d.Counts))
		}
	}

	fmt.Fprintf(&b, "\n## Duplicate candidates (threshold %.2f, window %s)\n\n", r.Threshold, r.Window)
	switch r.Duplicates.Status {
	case StatusAvailable:
		fmt.Fprintf(&b, "%d pairs compared, %d records skipped.\n\n", r.Duplicates.Compared, r.Duplicates.Skipped)
		if len(r.Duplicates.Candidates) > 0 {
			b.WriteString("| A | B | Type | Score | Gap |\n|---|---|---|---|---|\n")
			for _, c := range r.Duplicates.Candidates {
				fmt.Fprintf(&b, "| %s | %s | %s | %.4f | %s |\n", c.A, c.B, c.ContentType, c.Score, c.Gap)
			}
		}
	default:
		writeSectionStatus(&b, r.Duplicates.Status, r.Duplicates.Error)
	}

	b.WriteString("\n## Orphans\n\n")
	switch r.Orphans.Status {
	case StatusAvailable:
		if len(r.Orphans.IDs) == 0 {
			b.WriteString("None.\n")
		}
		for _, id := range r.Orphans.IDs {
			fmt.Fprintf(&b, "- `%s`\n", id)
		}
	default:
		writeSectionStatus(&b, r.Orphans.Status, r.Orphans.Error)
	}

	if r.Audit != nil {
		fmt.Fprintf(&b, "\n## Audit (%d ids)\n\n", r.Audit.Total)
		stores := make([]string, 0, len(r.Audit.Missing))
		for s := range r.Audit.Missing {
			stores = append(stores, s)
		}
		sort.Strings(stores)
		for _, s := range stores {
			fmt.Fprintf(&b, "- **%s** missing %d: %s\n", s, len(r.Audit.Missing[s]), strings.Join(r.Audit.Missing[s], ", "))
		}
		for _, s := range r.Audit.Unavailable {
			fmt.Fprintf(&b, "- **%s** unavailable\n", s)
		}
	}
	return b.String()
}

var pageTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.25rem 0.5rem; text-align: left; }
{{if .Degraded}}h1 { color: #b35c00; }{{end}}
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// HTML renders the Markdown report as a standalone HTML page.
func (r *Report) HTML() (string, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.Table))
	var body bytes.Buffer
	if err := md.Convert([]byte(r.Markdown()), &body); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}

	var page bytes.Buffer
	err := pageTemplate.Execute(&page, struct {
		Title    string
		Degraded bool
		Body     template.HTML
	}{
		Title:    "Reconciliation: " + r.Dataset,
		Degraded: r.Degraded,
		Body:     template.HTML(body.String()),
	})
	if err != nil {
		return "", fmt.Errorf("render report page: %w", err)
	}
	return page.String(), nil
}

func writeSectionStatus(b *strings.Builder, status, errMsg string) {
	if errMsg != "" {
		fmt.Fprintf(b, "_%s_: %s\n", status, errMsg)
		return
	}
	fmt.Fprintf(b, "_%s_\n", status)
}

func formatCounts(counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for n := range counts {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", n, counts[n]))
	}
	return strings.Join(parts, " ")
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
