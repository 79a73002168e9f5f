package elastic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/hpungsan/devmem/internal/aggregate"
	"github.com/hpungsan/devmem/internal/reconcile"
	"github.com/hpungsan/devmem/internal/record"
	"github.com/hpungsan/devmem/internal/store"
)

// termsSize bounds the buckets of one terms aggregation level.
const termsSize = 200

const avgAgg = "avg_content_length"

func indexMapping() map[string]any {
	keyword := map[string]any{"type": "keyword"}
	return map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"id":             keyword,
				"dataset":        keyword,
				"stream":         keyword,
				"content":        map[string]any{"type": "text"},
				"content_type":   keyword,
				"created_at":     map[string]any{"type": "date"},
				"tags":           keyword,
				"sentiment":      keyword,
				"complexity":     keyword,
				"phase":          keyword,
				"domain":         keyword,
				"commit_type":    keyword,
				"repository":     keyword,
				"hour_of_day":    map[string]any{"type": "integer"},
				"day_of_week":    keyword,
				"content_length": map[string]any{"type": "integer"},
			},
		},
	}
}

// docID scopes a record ID to its dataset.
func docID(dataset, id string) string {
	return dataset + "/" + id
}

// bulkBody encodes recs as NDJSON index actions.
func bulkBody(index, dataset string, recs []*record.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range recs {
		action := map[string]any{"index": map[string]any{"_index": index, "_id": docID(dataset, r.ID)}}
		if err := enc.Encode(action); err != nil {
			return nil, err
		}
		doc := store.NewDocument(r)
		doc.Dataset = dataset
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("elastic: encode %s: %w", r.ID, err)
		}
	}
	return buf.Bytes(), nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

func (b *bulkResponse) failures() []string {
	if !b.Errors {
		return nil
	}
	var out []string
	for _, item := range b.Items {
		for _, res := range item {
			if res.Error != nil {
				out = append(out, fmt.Sprintf("%s: %s: %s", res.ID, res.Error.Type, res.Error.Reason))
			}
		}
	}
	return out
}

func datasetQuery(dataset string) map[string]any {
	return map[string]any{"term": map[string]any{"dataset": dataset}}
}

func summaryQuery(dataset string) map[string]any {
	aggs := map[string]any{}
	for _, f := range record.LabelFields {
		aggs[f] = map[string]any{"terms": map[string]any{"field": f, "size": termsSize}}
	}
	return map[string]any{
		"size":             0,
		"track_total_hits": true,
		"query":            datasetQuery(dataset),
		"aggs":             aggs,
	}
}

func idsQuery(dataset string, size int, after []any) map[string]any {
	q := map[string]any{
		"size":    size,
		"query":   datasetQuery(dataset),
		"_source": []string{"id"},
		"sort":    []any{map[string]any{"id": "asc"}},
	}
	if len(after) > 0 {
		q["search_after"] = after
	}
	return q
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source struct {
				ID string `json:"id"`
			} `json:"_source"`
			Sort []any `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]struct {
		Buckets []struct {
			Key      any   `json:"key"`
			DocCount int64 `json:"doc_count"`
		} `json:"buckets"`
	} `json:"aggregations"`
}

func (r *searchResponse) summary() *reconcile.Summary {
	sum := &reconcile.Summary{Count: r.Hits.Total.Value, Distribution: record.Distribution{}}
	for field, agg := range r.Aggregations {
		for _, b := range agg.Buckets {
			sum.Distribution.Add(field, keyString(b.Key), int(b.DocCount))
		}
	}
	return sum
}

// aggregateQuery nests one terms aggregation per dimension, named after
// the dimension, with the content length average at the innermost level.
func aggregateQuery(q aggregate.Query) map[string]any {
	filters := []any{datasetQuery(q.Dataset)}
	names := make([]string, 0, len(q.Filters))
	for d := range q.Filters {
		names = append(names, string(d))
	}
	sort.Strings(names)
	for _, n := range names {
		filters = append(filters, termFilter(aggregate.Dimension(n), q.Filters[aggregate.Dimension(n)]))
	}

	inner := map[string]any{
		avgAgg: map[string]any{"avg": map[string]any{"field": "content_length"}},
	}
	for i := len(q.Dimensions) - 1; i >= 0; i-- {
		d := string(q.Dimensions[i])
		inner = map[string]any{
			d: map[string]any{
				"terms": map[string]any{"field": d, "size": termsSize},
				"aggs":  inner,
			},
		}
	}
	return map[string]any{
		"size":  0,
		"query": map[string]any{"bool": map[string]any{"filter": filters}},
		"aggs":  inner,
	}
}

func termFilter(d aggregate.Dimension, value string) map[string]any {
	var v any = value
	if d == aggregate.HourOfDay {
		if n, err := strconv.Atoi(value); err == nil {
			v = n
		}
	}
	return map[string]any{"term": map[string]any{string(d): v}}
}

type aggLevel struct {
	Buckets []json.RawMessage `json:"buckets"`
}

type aggBucket struct {
	Key      any   `json:"key"`
	DocCount int64 `json:"doc_count"`
	Avg      *struct {
		Value *float64 `json:"value"`
	} `json:"avg_content_length"`
}

// parseAggregate flattens the nested terms response into buckets keyed in
// dimension order.
func parseAggregate(aggs map[string]json.RawMessage, depth int) ([]aggregate.Bucket, error) {
	var out []aggregate.Bucket
	var walk func(raw map[string]json.RawMessage, prefix []string) error
	walk = func(raw map[string]json.RawMessage, prefix []string) error {
		var levelRaw json.RawMessage
		for name, v := range raw {
			if name != avgAgg && name != "key" && name != "doc_count" && name != "key_as_string" {
				levelRaw = v
			}
		}
		if levelRaw == nil {
			return fmt.Errorf("elastic: aggregation level %d missing", len(prefix))
		}
		var level aggLevel
		if err := json.Unmarshal(levelRaw, &level); err != nil {
			return fmt.Errorf("elastic: decode aggregation: %w", err)
		}
		for _, b := range level.Buckets {
			var bucket aggBucket
			if err := json.Unmarshal(b, &bucket); err != nil {
				return fmt.Errorf("elastic: decode bucket: %w", err)
			}
			key := append(append([]string(nil), prefix...), keyString(bucket.Key))
			if len(key) == depth {
				row := aggregate.Bucket{Key: key, Count: bucket.DocCount}
				if bucket.Avg != nil && bucket.Avg.Value != nil {
					row.AvgContentLength = *bucket.Avg.Value
				}
				out = append(out, row)
				continue
			}
			var sub map[string]json.RawMessage
			if err := json.Unmarshal(b, &sub); err != nil {
				return fmt.Errorf("elastic: decode bucket: %w", err)
			}
			if err := walk(sub, key); err != nil {
				return err
			}
		}
		return nil
	}
	if len(aggs) == 0 {
		return nil, nil
	}
	if err := walk(aggs, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// keyString renders a terms key; numeric keys come back as JSON numbers.
func keyString(k any) string {
	switch v := k.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
