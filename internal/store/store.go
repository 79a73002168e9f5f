// Package store holds the types shared by the store adapters.
package store

import (
	"time"

	"github.com/hpungsan/devmem/internal/aggregate"
	"github.com/hpungsan/devmem/internal/record"
)

// DefaultMaxDistance is the cosine distance bound of similarity queries.
const DefaultMaxDistance = 0.5

// Neighbor is a record near a query vector.
type Neighbor struct {
	ID          string             `json:"id"`
	ContentType record.ContentType `json:"content_type"`
	Content     string             `json:"content"`
	Distance    float64            `json:"distance"`
}

// Similarity is 1 - cosine distance.
func (n Neighbor) Similarity() float64 {
	return 1 - n.Distance
}

// Document is the search-store representation of a record: labels plus the
// derived temporal and length fields used by aggregations.
type Document struct {
	ID            string   `json:"id"`
	Dataset       string   `json:"dataset"`
	Stream        string   `json:"stream"`
	Content       string   `json:"content"`
	ContentType   string   `json:"content_type"`
	CreatedAt     string   `json:"created_at,omitempty"`
	Tags          []string `json:"tags"`
	Sentiment     string   `json:"sentiment"`
	Complexity    string   `json:"complexity"`
	Phase         string   `json:"phase"`
	Domain        string   `json:"domain"`
	CommitType    string   `json:"commit_type,omitempty"`
	Repository    string   `json:"repository,omitempty"`
	HourOfDay     *int     `json:"hour_of_day,omitempty"`
	DayOfWeek     string   `json:"day_of_week,omitempty"`
	ContentLength int      `json:"content_length"`
}

// NewDocument derives the search document of r. Temporal fields are omitted
// for records without a timestamp.
func NewDocument(r *record.Record) Document {
	d := Document{
		ID:            r.ID,
		Dataset:       r.Dataset,
		Stream:        r.Stream,
		Content:       r.Content,
		ContentType:   string(r.ContentType),
		Tags:          r.Tags,
		Sentiment:     string(r.Sentiment),
		Complexity:    string(r.Complexity),
		Phase:         string(r.Phase),
		Domain:        r.Domain,
		CommitType:    r.CommitType,
		ContentLength: r.ContentLength(),
	}
	if d.Tags == nil {
		d.Tags = []string{}
	}
	if r.Commit != nil {
		d.Repository = r.Commit.Repository
	}
	if r.HasTimestamp() {
		t := r.CreatedAt.UTC()
		hour := t.Hour()
		d.CreatedAt = t.Format(time.RFC3339Nano)
		d.HourOfDay = &hour
		d.DayOfWeek = aggregate.DayName(t.Weekday())
	}
	return d
}
