// Package reconcile compares the relational/vector, graph and search stores
// of one dataset and reports count mismatches, label distribution drift,
// near-duplicate candidates and orphaned graph nodes. It never writes.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	dmerrors "github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/metrics"
	"github.com/hpungsan/devmem/internal/record"
)

// Section and store statuses.
const (
	StatusAvailable   = "available"
	StatusUnavailable = "unavailable"
	StatusSkipped     = "skipped"
)

// Options configures a Reconciler.
type Options struct {
	// Threshold is the cosine similarity at or above which a pair is a
	// duplicate candidate. Must be in (0, 1].
	Threshold float64

	// Window bounds the created_at distance of compared records. Must be positive.
	Window time.Duration

	// StoreTimeout bounds each store's queries independently.
	StoreTimeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// Request selects the dataset and optional sections.
type Request struct {
	Dataset string
	// Audit requests a per-id presence diff across stores.
	Audit bool
}

// Reconciler runs read-only cross-store comparisons.
type Reconciler struct {
	sources []Source
	opts    Options
	logger  *zap.Logger
}

// New validates opts and returns a Reconciler. An out-of-range threshold or
// window fails with DUPLICATE_THRESHOLD before any store is contacted.
func New(opts Options, sources ...Source) (*Reconciler, error) {
	if !(opts.Threshold > 0 && opts.Threshold <= 1) || opts.Window <= 0 {
		return nil, dmerrors.NewDuplicateThreshold(opts.Threshold, opts.Window)
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{sources: sources, opts: opts, logger: logger}, nil
}

// storeResult is everything gathered from one source within its timeout.
type storeResult struct {
	name    string
	summary *Summary
	err     error
	elapsed time.Duration

	canScan  bool
	embedded []Embedded
	embErr   error

	canOrphan bool
	orphans   []string
	orphErr   error

	canList bool
	ids     []string
	idsErr  error
}

// Reconcile queries every source concurrently and assembles the report once
// all of them have answered or timed out. A failing source is reported as
// unavailable; the report itself never fails.
func (r *Reconciler) Reconcile(ctx context.Context, req Request) (*Report, error) {
	if req.Dataset == "" {
		return nil, dmerrors.NewInvalidRequest("dataset is required")
	}

	results := make([]storeResult, len(r.sources))
	var g errgroup.Group
	for i, src := range r.sources {
		g.Go(func() error {
			results[i] = r.query(ctx, src, req)
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{
		Dataset:     req.Dataset,
		GeneratedAt: time.Now().UTC(),
		Threshold:   r.opts.Threshold,
		Window:      r.opts.Window.String(),
	}
	r.assemble(report, results, req)
	r.observe(report)
	return report, nil
}

// query gathers one source's contribution, giving up at the store timeout
// even when the source does not honor its context.
func (r *Reconciler) query(ctx context.Context, src Source, req Request) storeResult {
	qctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan storeResult, 1)
	go func() { done <- r.gather(qctx, src, req, start) }()

	select {
	case res := <-done:
		return res
	case <-qctx.Done():
	}
	select {
	case res := <-done:
		return res
	default:
	}

	res := r.capabilities(src, req)
	res.err = fmt.Errorf("no answer within %s: %w", r.opts.StoreTimeout, qctx.Err())
	res.elapsed = time.Since(start)
	r.observeStore(res.name, "summary", start, res.err)
	r.logger.Warn("store timed out",
		zap.String("store", res.name),
		zap.String("dataset", req.Dataset),
		zap.Duration("timeout", r.opts.StoreTimeout))
	return res
}

func (r *Reconciler) capabilities(src Source, req Request) storeResult {
	res := storeResult{name: src.Name()}
	_, res.canScan = src.(EmbeddingScanner)
	_, res.canOrphan = src.(OrphanScanner)
	_, canList := src.(IDLister)
	res.canList = canList && req.Audit
	return res
}

func (r *Reconciler) gather(qctx context.Context, src Source, req Request, start time.Time) storeResult {
	res := r.capabilities(src, req)
	res.summary, res.err = src.Summary(qctx, req.Dataset)
	r.observeStore(res.name, "summary", start, res.err)
	if res.err == nil && res.summary == nil {
		res.summary = &Summary{}
	}
	if res.err != nil {
		res.elapsed = time.Since(start)
		r.logger.Warn("store unavailable",
			zap.String("store", res.name),
			zap.String("dataset", req.Dataset),
			zap.Error(res.err))
		return res
	}

	if res.canScan {
		t := time.Now()
		res.embedded, res.embErr = src.(EmbeddingScanner).ScanEmbeddings(qctx, req.Dataset)
		r.observeStore(res.name, "scan_embeddings", t, res.embErr)
	}
	if res.canOrphan {
		t := time.Now()
		res.orphans, res.orphErr = src.(OrphanScanner).Orphans(qctx, req.Dataset)
		r.observeStore(res.name, "orphans", t, res.orphErr)
	}
	if res.canList {
		t := time.Now()
		res.ids, res.idsErr = src.(IDLister).ListIDs(qctx, req.Dataset)
		r.observeStore(res.name, "list_ids", t, res.idsErr)
	}
	res.elapsed = time.Since(start)
	return res
}

func (r *Reconciler) observeStore(store, op string, start time.Time, err error) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.ObserveStore(store, op, start, err)
	}
}

func (r *Reconciler) assemble(report *Report, results []storeResult, req Request) {
	var available []storeResult
	for _, res := range results {
		st := StoreStatus{Name: res.name, Status: StatusAvailable, Elapsed: res.elapsed.String()}
		if res.err != nil {
			st.Status = StatusUnavailable
			st.Error = dmerrors.NewStoreUnavailable(res.name, res.err).Message
			report.Degraded = true
		} else {
			count := res.summary.Count
			st.Count = &count
			available = append(available, res)
		}
		report.Stores = append(report.Stores, st)
	}

	report.CountMismatches, report.Shortfalls = compareCounts(available)
	report.DistributionDrift = compareDistributions(available)
	report.Duplicates = r.duplicateSection(results)
	report.Orphans = orphanSection(results)
	if report.Duplicates.Status == StatusUnavailable || report.Orphans.Status == StatusUnavailable {
		report.Degraded = true
	}
	if req.Audit {
		report.Audit = auditSection(results)
	}
}

func compareCounts(available []storeResult) ([]CountMismatch, []Shortfall) {
	var mismatches []CountMismatch
	var most int64
	for i, a := range available {
		if a.summary.Count > most {
			most = a.summary.Count
		}
		for _, b := range available[i+1:] {
			ca, cb := a.summary.Count, b.summary.Count
			if ca == cb {
				continue
			}
			m := CountMismatch{StoreA: a.name, CountA: ca, StoreB: b.name, CountB: cb}
			if ca < cb {
				m.Delta, m.Short = cb-ca, a.name
			} else {
				m.Delta, m.Short = ca-cb, b.name
			}
			mismatches = append(mismatches, m)
		}
	}

	var shortfalls []Shortfall
	for _, a := range available {
		if a.summary.Count < most {
			shortfalls = append(shortfalls, Shortfall{
				Store:    a.name,
				Count:    a.summary.Count,
				Expected: most,
				Missing:  most - a.summary.Count,
			})
		}
	}
	return mismatches, shortfalls
}

func compareDistributions(available []storeResult) []DistributionDrift {
	if len(available) < 2 {
		return nil
	}
	var drift []DistributionDrift
	for _, field := range record.LabelFields {
		values := map[string]bool{}
		for _, a := range available {
			for v := range a.summary.Distribution[field] {
				values[v] = true
			}
		}
		keys := make([]string, 0, len(values))
		for v := range values {
			keys = append(keys, v)
		}
		sort.Strings(keys)

		for _, v := range keys {
			counts := make(map[string]int, len(available))
			differ := false
			for i, a := range available {
				counts[a.name] = a.summary.Distribution[field][v]
				if i > 0 && counts[a.name] != counts[available[0].name] {
					differ = true
				}
			}
			if differ {
				drift = append(drift, DistributionDrift{Field: field, Value: v, Counts: counts})
			}
		}
	}
	return drift
}

func (r *Reconciler) duplicateSection(results []storeResult) DuplicateSection {
	for _, res := range results {
		if !res.canScan {
			continue
		}
		sec := DuplicateSection{Source: res.name}
		switch {
		case res.err != nil:
			sec.Status, sec.Error = StatusUnavailable, res.err.Error()
		case res.embErr != nil:
			sec.Status, sec.Error = StatusUnavailable, res.embErr.Error()
		default:
			scan := findDuplicates(res.embedded, r.opts.Threshold, r.opts.Window)
			sec.Status = StatusAvailable
			sec.Candidates = scan.candidates
			sec.Compared = scan.compared
			sec.Skipped = scan.skipped
		}
		return sec
	}
	return DuplicateSection{Status: StatusSkipped}
}

func orphanSection(results []storeResult) OrphanSection {
	for _, res := range results {
		if !res.canOrphan {
			continue
		}
		sec := OrphanSection{Source: res.name}
		switch {
		case res.err != nil:
			sec.Status, sec.Error = StatusUnavailable, res.err.Error()
		case res.orphErr != nil:
			sec.Status, sec.Error = StatusUnavailable, res.orphErr.Error()
		default:
			sec.Status = StatusAvailable
			sec.IDs = append([]string(nil), res.orphans...)
			sort.Strings(sec.IDs)
		}
		return sec
	}
	return OrphanSection{Status: StatusSkipped}
}

func auditSection(results []storeResult) *AuditSection {
	sec := &AuditSection{Missing: map[string][]string{}}
	present := map[string]map[string]bool{}
	all := map[string]bool{}
	for _, res := range results {
		if !res.canList {
			continue
		}
		if res.err != nil || res.idsErr != nil {
			sec.Unavailable = append(sec.Unavailable, res.name)
			continue
		}
		set := make(map[string]bool, len(res.ids))
		for _, id := range res.ids {
			set[id] = true
			all[id] = true
		}
		present[res.name] = set
	}
	for name, set := range present {
		missing := []string{}
		for id := range all {
			if !set[id] {
				missing = append(missing, id)
			}
		}
		sort.Strings(missing)
		sec.Missing[name] = missing
	}
	sec.Total = len(all)
	sort.Strings(sec.Unavailable)
	return sec
}

func (r *Reconciler) observe(report *Report) {
	m := r.opts.Metrics
	if m == nil {
		return
	}
	for _, st := range report.Stores {
		v := 0.0
		if st.Status == StatusAvailable {
			v = 1
		}
		m.StoreAvailable.WithLabelValues(st.Name).Set(v)
	}
	m.Findings.WithLabelValues("count_mismatch").Set(float64(len(report.CountMismatches)))
	m.Findings.WithLabelValues("distribution_drift").Set(float64(len(report.DistributionDrift)))
	m.Findings.WithLabelValues("duplicate_candidate").Set(float64(len(report.Duplicates.Candidates)))
	m.Findings.WithLabelValues("orphan").Set(float64(len(report.Orphans.IDs)))
}

// String renders a one-line summary for logs.
func (m CountMismatch) String() string {
	return fmt.Sprintf("%s=%d %s=%d (delta %d, short: %s)", m.StoreA, m.CountA, m.StoreB, m.CountB, m.Delta, m.Short)
}
