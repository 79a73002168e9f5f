package record

// Label fields compared across stores and used as aggregation dimensions.
const (
	FieldContentType = "content_type"
	FieldSentiment   = "sentiment"
	FieldComplexity  = "complexity"
	FieldPhase       = "phase"
	FieldDomain      = "domain"
	FieldCommitType  = "commit_type"
)

// LabelFields lists the fields summarized by Distribution, in report order.
var LabelFields = []string{FieldContentType, FieldSentiment, FieldComplexity, FieldPhase, FieldDomain}

// Distribution maps field -> label value -> record count.
type Distribution map[string]map[string]int

// Label returns the value of a label field, or "" for unknown fields.
func (r *Record) Label(field string) string {
	switch field {
	case FieldContentType:
		return string(r.ContentType)
	case FieldSentiment:
		return string(r.Sentiment)
	case FieldComplexity:
		return string(r.Complexity)
	case FieldPhase:
		return string(r.Phase)
	case FieldDomain:
		return r.Domain
	case FieldCommitType:
		return r.CommitType
	}
	return ""
}

// Distribute counts label values of recs over LabelFields. Empty values are
// skipped.
func Distribute(recs []*Record) Distribution {
	d := make(Distribution, len(LabelFields))
	for _, f := range LabelFields {
		d[f] = map[string]int{}
	}
	for _, r := range recs {
		for _, f := range LabelFields {
			if v := r.Label(f); v != "" {
				d[f][v]++
			}
		}
	}
	return d
}

// Add increments one counter, creating the field map if needed.
func (d Distribution) Add(field, value string, n int) {
	if value == "" {
		return
	}
	m, ok := d[field]
	if !ok {
		m = map[string]int{}
		d[field] = m
	}
	m[value] += n
}
