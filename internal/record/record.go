package record

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// ContentType classifies what kind of text a record holds.
type ContentType string

const (
	ContentCode         ContentType = "code"
	ContentDecision     ContentType = "decision"
	ContentConversation ContentType = "conversation"
	ContentReference    ContentType = "reference"
	ContentGitCommit    ContentType = "git_commit"
)

// ContentTypes lists every content type in canonical order.
var ContentTypes = []ContentType{ContentCode, ContentDecision, ContentConversation, ContentReference, ContentGitCommit}

// Valid reports whether c is a known content type.
func (c ContentType) Valid() bool {
	for _, v := range ContentTypes {
		if c == v {
			return true
		}
	}
	return false
}

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

var Sentiments = []Sentiment{SentimentPositive, SentimentNegative, SentimentNeutral}

type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

var Complexities = []Complexity{ComplexityLow, ComplexityMedium, ComplexityHigh}

type Phase string

const (
	PhasePlanning         Phase = "planning"
	PhaseImplementation   Phase = "implementation"
	PhaseTestingDebugging Phase = "testing_debugging"
	PhaseGeneral          Phase = "general"
)

var Phases = []Phase{PhasePlanning, PhaseImplementation, PhaseTestingDebugging, PhaseGeneral}

// DomainGeneral is the domain label assigned when no domain rule matches.
const DomainGeneral = "general"

// CommitTypeGeneral is the commit type assigned when no keyword class matches.
const CommitTypeGeneral = "general"

// Record is the canonical, normalized unit consumed by the graph builder,
// the store adapters and the reconciler.
type Record struct {
	// ID is stable across stores. Commits use "git_" + the first 16 hash chars.
	ID string `json:"id"`

	// Dataset is the scope key under which the record was imported.
	Dataset string `json:"dataset"`

	// Stream is the ordering partition (repo:<name>, session:<id> or memory).
	Stream string `json:"stream"`

	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type"`

	// CreatedAt is the sole ordering key. Zero means the timestamp was lost
	// (e.g. a store row with a null column) and the record is left out of ordering.
	CreatedAt time.Time `json:"created_at"`

	// Tags is sorted, deduplicated and never contains "".
	Tags []string `json:"tags"`

	Sentiment  Sentiment  `json:"sentiment"`
	Complexity Complexity `json:"complexity"`
	Phase      Phase      `json:"phase"`

	// Domain is empty when unclassified.
	Domain string `json:"domain,omitempty"`

	// CommitType is set for git commits only.
	CommitType string `json:"commit_type,omitempty"`

	Commit   *CommitInfo       `json:"commit,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// Embedding is owned by the vector store. Record upserts never write it;
	// it is populated on reads and from pre-computed input vectors.
	Embedding []float32 `json:"-"`
}

// CommitInfo carries provenance for git_commit records.
type CommitInfo struct {
	Repository      string       `json:"repository"`
	Hash            string       `json:"hash"`
	Message         string       `json:"message"`
	Author          string       `json:"author,omitempty"`
	AuthorEmail     string       `json:"author_email,omitempty"`
	Files           []FileChange `json:"files,omitempty"`
	LinesAdded      int          `json:"lines_added"`
	LinesDeleted    int          `json:"lines_deleted"`
	PrimaryLanguage string       `json:"primary_language,omitempty"`
}

// FileChange is one entry of a commit's changed files.
type FileChange struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// ContentLength returns the content length in runes.
func (r *Record) ContentLength() int {
	return CountChars(r.Content)
}

// HasTimestamp reports whether the record can take part in stream ordering.
func (r *Record) HasTimestamp() bool {
	return !r.CreatedAt.IsZero()
}

// AddTag adds a tag, keeping the set sorted and free of duplicates and blanks.
func (r *Record) AddTag(tag string) {
	r.Tags = NormalizeTags(append(append([]string(nil), r.Tags...), tag))
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	out.Tags = append([]string(nil), r.Tags...)
	if r.Commit != nil {
		c := *r.Commit
		c.Files = append([]FileChange(nil), r.Commit.Files...)
		out.Commit = &c
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.Embedding != nil {
		out.Embedding = append([]float32(nil), r.Embedding...)
	}
	return &out
}

// CountChars returns the character count as runes (not bytes).
func CountChars(text string) int {
	return utf8.RuneCountInString(text)
}

// NormalizeTags trims each tag, drops empty strings and duplicates, and
// returns the set in sorted order. The input slice is not modified.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SortByID sorts records by ascending ID.
func SortByID(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}
