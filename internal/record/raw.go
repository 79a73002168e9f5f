package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// RawMemory is a memory-capture entry as produced upstream.
type RawMemory struct {
	MemoryID    string         `json:"memory_id"`
	Content     string         `json:"content"`
	ContentType string         `json:"content_type"`
	CreatedAt   RawTime        `json:"created_at"`
	Tags        []string       `json:"tags"`
	Metadata    map[string]any `json:"metadata"`

	// Embedding is an optional pre-computed vector.
	Embedding []float32 `json:"embedding,omitempty"`
}

// RawCommit is a commit record emitted by the repository scanner.
type RawCommit struct {
	RepoName        string         `json:"repo_name"`
	CommitHash      string         `json:"commit_hash"`
	Timestamp       RawTime        `json:"timestamp"`
	Author          string         `json:"author"`
	AuthorEmail     string         `json:"author_email,omitempty"`
	Message         string         `json:"message"`
	FilesChanged    []RawFileDelta `json:"files_changed"`
	PrimaryLanguage string         `json:"primary_language"`
}

// RawFileDelta is one changed file in a RawCommit.
type RawFileDelta struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// RawTime holds a timestamp exactly as it appeared in the input: either a
// string or a JSON number (unix seconds). Parsing is deferred to Parse.
type RawTime string

// UnmarshalJSON accepts strings, numbers and null.
func (t *RawTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*t = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = RawTime(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("timestamp must be a string or number: %w", err)
		}
		*t = RawTime(n.String())
	}
	return nil
}

// timeLayouts are tried in order. Layouts without a zone are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02",
}

// Parse converts the raw value into a time, keeping full precision.
func (t RawTime) Parse() (time.Time, error) {
	s := strings.TrimSpace(string(t))
	if s == "" {
		return time.Time{}, fmt.Errorf("is required")
	}
	if isNumeric(s) {
		return parseEpoch(s)
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", s)
}

func isNumeric(s string) bool {
	dot := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '.' && !dot:
			dot = true
		case r == '-' && i == 0:
		default:
			return false
		}
	}
	return true
}

func parseEpoch(s string) (time.Time, error) {
	whole, frac, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparsable epoch %q", s)
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		n, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("unparsable epoch %q", s)
		}
		nsec = n * int64(math.Pow10(9-len(frac)))
	}
	if sec < 0 {
		nsec = -nsec
	}
	return time.Unix(sec, nsec).UTC(), nil
}
