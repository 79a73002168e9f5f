// Package aggregate builds dense multi-dimensional count tables over the
// search store for pattern mining.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	dmerrors "github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/record"
)

// Dimension is a group-by axis.
type Dimension string

const (
	HourOfDay   Dimension = "hour_of_day"
	DayOfWeek   Dimension = "day_of_week"
	Phase       Dimension = "phase"
	Complexity  Dimension = "complexity"
	Sentiment   Dimension = "sentiment"
	Domain      Dimension = "domain"
	ContentType Dimension = "content_type"
	CommitType  Dimension = "commit_type"
)

// Dimensions lists every supported dimension.
var Dimensions = []Dimension{HourOfDay, DayOfWeek, Phase, Complexity, Sentiment, Domain, ContentType, CommitType}

// MaxCells bounds the size of a densified table.
const MaxCells = 100000

// Query is what a Backend executes. Filters hold exact-match predicates.
type Query struct {
	Dataset    string
	Dimensions []Dimension
	Filters    map[Dimension]string
}

// Bucket is one non-empty combination returned by a Backend. Key holds one
// value per query dimension, in query order.
type Bucket struct {
	Key              []string
	Count            int64
	AvgContentLength float64
}

// Backend runs grouped aggregations.
type Backend interface {
	Aggregate(ctx context.Context, q Query) ([]Bucket, error)
}

// Request is a caller's aggregation request. Dimensions and filter keys
// are dimension names.
type Request struct {
	Dataset    string            `json:"dataset"`
	Dimensions []string          `json:"dimensions"`
	Filters    map[string]string `json:"filters,omitempty"`
}

// Row is one cell of a Table.
type Row struct {
	Key              []string `json:"key"`
	Count            int64    `json:"count"`
	AvgContentLength float64  `json:"avg_content_length"`
}

// Table is a dense grid: every combination of known dimension values is
// present, with zero count and average when the backend had no records.
type Table struct {
	Dataset    string            `json:"dataset"`
	Dimensions []Dimension       `json:"dimensions"`
	Filters    map[string]string `json:"filters,omitempty"`
	Total      int64             `json:"total"`
	Rows       []Row             `json:"rows"`
}

// Builder validates requests and densifies backend results.
type Builder struct {
	backend Backend
	values  map[Dimension][]string
	logger  *zap.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithDomains sets the known domain labels, usually from the classifier policy.
func WithDomains(labels []string) Option {
	return func(b *Builder) { b.values[Domain] = append([]string(nil), labels...) }
}

// WithCommitTypes sets the known commit type labels.
func WithCommitTypes(labels []string) Option {
	return func(b *Builder) { b.values[CommitType] = append([]string(nil), labels...) }
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder returns a Builder over backend.
func NewBuilder(backend Backend, opts ...Option) *Builder {
	b := &Builder{backend: backend, values: defaultValues(), logger: zap.NewNop()}
	for _, o := range opts {
		o(b)
	}
	return b
}

func defaultValues() map[Dimension][]string {
	hours := make([]string, 24)
	for h := range hours {
		hours[h] = strconv.Itoa(h)
	}
	days := make([]string, 7)
	for d := range days {
		days[d] = DayName(time.Weekday(d))
	}
	return map[Dimension][]string{
		HourOfDay:   hours,
		DayOfWeek:   days,
		Phase:       enumStrings(record.Phases),
		Complexity:  enumStrings(record.Complexities),
		Sentiment:   enumStrings(record.Sentiments),
		Domain:      {record.DomainGeneral},
		ContentType: enumStrings(record.ContentTypes),
		CommitType:  {record.CommitTypeGeneral},
	}
}

// DayName is the day_of_week value indexed for a weekday.
func DayName(d time.Weekday) string {
	return strings.ToLower(d.String())
}

// HourValue is the hour_of_day value indexed for t (UTC).
func HourValue(t time.Time) string {
	return strconv.Itoa(t.UTC().Hour())
}

func enumStrings[T ~string](vals []T) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}

// ParseDimension resolves a dimension name.
func ParseDimension(name string) (Dimension, error) {
	for _, d := range Dimensions {
		if string(d) == name {
			return d, nil
		}
	}
	return "", dmerrors.NewInvalidRequest(fmt.Sprintf("unknown dimension %q", name))
}

// Build validates req, runs the backend query and returns a dense table.
// Rows are ordered by each dimension's value order, first dimension slowest.
func (b *Builder) Build(ctx context.Context, req Request) (*Table, error) {
	q, err := b.query(req)
	if err != nil {
		return nil, err
	}

	buckets, err := b.backend.Aggregate(ctx, q)
	if err != nil {
		return nil, err
	}

	axes := make([][]string, len(q.Dimensions))
	for i, d := range q.Dimensions {
		if v, ok := q.Filters[d]; ok {
			axes[i] = []string{v}
		} else {
			axes[i] = b.values[d]
		}
	}
	axes = b.extendAxes(q, axes, buckets)

	type cell struct {
		count int64
		sum   float64
	}
	cells := make(map[string]*cell, len(buckets))
	var total int64
	for _, bk := range buckets {
		if len(bk.Key) != len(q.Dimensions) || bk.Count <= 0 {
			continue
		}
		k := strings.Join(bk.Key, "\x00")
		c := cells[k]
		if c == nil {
			c = &cell{}
			cells[k] = c
		}
		c.count += bk.Count
		c.sum += bk.AvgContentLength * float64(bk.Count)
		total += bk.Count
	}

	size := 1
	for _, a := range axes {
		size *= len(a)
	}
	if size > MaxCells {
		return nil, dmerrors.NewInvalidRequest(fmt.Sprintf("aggregation grid has %d cells, limit is %d", size, MaxCells))
	}

	rows := make([]Row, 0, size)
	key := make([]string, len(axes))
	var walk func(int)
	walk = func(i int) {
		if i == len(axes) {
			row := Row{Key: append([]string(nil), key...)}
			if c := cells[strings.Join(key, "\x00")]; c != nil {
				row.Count = c.count
				row.AvgContentLength = c.sum / float64(c.count)
			}
			rows = append(rows, row)
			return
		}
		for _, v := range axes[i] {
			key[i] = v
			walk(i + 1)
		}
	}
	walk(0)

	b.logger.Debug("aggregation built",
		zap.String("dataset", q.Dataset),
		zap.Int("buckets", len(buckets)),
		zap.Int("rows", len(rows)))

	return &Table{
		Dataset:    q.Dataset,
		Dimensions: q.Dimensions,
		Filters:    req.Filters,
		Total:      total,
		Rows:       rows,
	}, nil
}

func (b *Builder) query(req Request) (Query, error) {
	if req.Dataset == "" {
		return Query{}, dmerrors.NewInvalidRequest("dataset is required")
	}
	if len(req.Dimensions) == 0 {
		return Query{}, dmerrors.NewInvalidRequest("at least one dimension is required")
	}
	q := Query{Dataset: req.Dataset, Filters: map[Dimension]string{}}
	seen := map[Dimension]bool{}
	for _, name := range req.Dimensions {
		d, err := ParseDimension(name)
		if err != nil {
			return Query{}, err
		}
		if seen[d] {
			return Query{}, dmerrors.NewInvalidRequest(fmt.Sprintf("dimension %q repeated", name))
		}
		seen[d] = true
		q.Dimensions = append(q.Dimensions, d)
	}
	for name, v := range req.Filters {
		d, err := ParseDimension(name)
		if err != nil {
			return Query{}, dmerrors.NewInvalidRequest(fmt.Sprintf("unknown filter %q", name))
		}
		if !contains(b.values[d], v) {
			return Query{}, dmerrors.NewInvalidRequest(fmt.Sprintf("filter %s: unknown value %q", name, v))
		}
		q.Filters[d] = v
	}
	return q, nil
}

// extendAxes appends values the backend returned that are outside the
// known set, sorted, so no counted records drop out of the table.
func (b *Builder) extendAxes(q Query, axes [][]string, buckets []Bucket) [][]string {
	for i, d := range q.Dimensions {
		if _, filtered := q.Filters[d]; filtered {
			continue
		}
		var extra []string
		for _, bk := range buckets {
			if len(bk.Key) != len(q.Dimensions) || bk.Count <= 0 {
				continue
			}
			v := bk.Key[i]
			if !contains(axes[i], v) && !contains(extra, v) {
				extra = append(extra, v)
			}
		}
		if len(extra) == 0 {
			continue
		}
		sort.Strings(extra)
		b.logger.Warn("aggregation returned unknown values",
			zap.String("dimension", string(d)),
			zap.Strings("values", extra))
		axes[i] = append(append([]string(nil), axes[i]...), extra...)
	}
	return axes
}

func contains(vals []string, v string) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

// Values returns the known value set of d.
func (b *Builder) Values(d Dimension) []string {
	return append([]string(nil), b.values[d]...)
}

// ValueOf returns r's value on dimension d. Temporal dimensions are empty
// for records without a timestamp.
func ValueOf(r *record.Record, d Dimension) string {
	switch d {
	case HourOfDay:
		if !r.HasTimestamp() {
			return ""
		}
		return HourValue(r.CreatedAt)
	case DayOfWeek:
		if !r.HasTimestamp() {
			return ""
		}
		return DayName(r.CreatedAt.UTC().Weekday())
	}
	return r.Label(string(d))
}
