package record

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	dmerrors "github.com/hpungsan/devmem/internal/errors"
)

const (
	// CommitIDPrefix marks records derived from commits.
	CommitIDPrefix = "git_"

	commitIDHashLen  = 16
	maxMessageRunes  = 200
	truncationSuffix = "..."

	// TagGitCommit is attached to every commit record.
	TagGitCommit = "git-commit"

	// StreamMemory is the stream for memories without a session.
	StreamMemory = "memory"
)

// sensitiveRegex matches words that must not leave the scanner verbatim.
var sensitiveRegex = regexp.MustCompile(`(?i)(api[_-]?key|password|secret|token|credential|private[_-]?key|auth[_-]?token)`)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// NormalizeMemory converts a raw memory entry into a Record for dataset.
// The input is not modified. Labels are left for the classifier; an absent or
// unknown content_type is left empty so it can be inferred.
func NormalizeMemory(dataset string, raw RawMemory) (*Record, error) {
	id := strings.TrimSpace(raw.MemoryID)
	if id == "" {
		return nil, dmerrors.NewNormalization("", "memory_id", "is required")
	}
	if strings.TrimSpace(raw.Content) == "" {
		return nil, dmerrors.NewNormalization(id, "content", "is required")
	}
	createdAt, err := raw.CreatedAt.Parse()
	if err != nil {
		return nil, dmerrors.NewNormalization(id, "created_at", err.Error())
	}

	rec := &Record{
		ID:        id,
		Dataset:   dataset,
		Stream:    StreamMemory,
		Content:   raw.Content,
		CreatedAt: createdAt,
		Tags:      NormalizeTags(raw.Tags),
	}
	if ct := ContentType(strings.ToLower(strings.TrimSpace(raw.ContentType))); ct.Valid() {
		rec.ContentType = ct
	}
	if len(raw.Embedding) > 0 {
		rec.Embedding = append([]float32(nil), raw.Embedding...)
	}
	if len(raw.Metadata) > 0 {
		rec.Metadata = flattenMetadata(raw.Metadata)
		if session := rec.Metadata["session_id"]; session != "" {
			rec.Stream = "session:" + session
		}
	}
	return rec, nil
}

// NormalizeCommit converts a scanner commit into a Record for dataset.
// The message is sanitized and the author email anonymized.
func NormalizeCommit(dataset string, raw RawCommit) (*Record, error) {
	hash := strings.TrimSpace(raw.CommitHash)
	if hash == "" {
		return nil, dmerrors.NewNormalization("", "commit_hash", "is required")
	}
	id := CommitID(hash)

	message := SanitizeMessage(raw.Message)
	if message == "" {
		return nil, dmerrors.NewNormalization(id, "message", "is required")
	}
	createdAt, err := raw.Timestamp.Parse()
	if err != nil {
		return nil, dmerrors.NewNormalization(id, "timestamp", err.Error())
	}

	repo := strings.TrimSpace(raw.RepoName)
	if repo == "" {
		repo = "unknown"
	}
	lang := strings.TrimSpace(raw.PrimaryLanguage)

	info := &CommitInfo{
		Repository:      repo,
		Hash:            hash,
		Message:         message,
		Author:          strings.TrimSpace(raw.Author),
		AuthorEmail:     AnonymizeEmail(raw.AuthorEmail),
		PrimaryLanguage: lang,
	}
	for _, f := range raw.FilesChanged {
		info.Files = append(info.Files, FileChange(f))
		info.LinesAdded += f.Additions
		info.LinesDeleted += f.Deletions
	}

	tags := []string{TagGitCommit, repo}
	if lang != "" {
		tags = append(tags, "language-"+strings.ToLower(lang))
	}

	return &Record{
		ID:          id,
		Dataset:     dataset,
		Stream:      "repo:" + repo,
		Content:     strings.TrimSpace(strings.Join([]string{message, repo, lang}, " ")),
		ContentType: ContentGitCommit,
		CreatedAt:   createdAt,
		Tags:        NormalizeTags(tags),
		Commit:      info,
	}, nil
}

// CommitID derives the stable record ID for a commit hash.
func CommitID(hash string) string {
	if len(hash) > commitIDHashLen {
		hash = hash[:commitIDHashLen]
	}
	return CommitIDPrefix + hash
}

// SanitizeMessage redacts sensitive words, collapses whitespace and truncates
// the message to 200 runes.
func SanitizeMessage(msg string) string {
	msg = sensitiveRegex.ReplaceAllString(msg, "[REDACTED]")
	msg = strings.TrimSpace(whitespaceRegex.ReplaceAllString(msg, " "))
	runes := []rune(msg)
	if len(runes) > maxMessageRunes {
		msg = string(runes[:maxMessageRunes-len(truncationSuffix)]) + truncationSuffix
	}
	return msg
}

// AnonymizeEmail keeps the first character of the local part and the domain.
func AnonymizeEmail(email string) string {
	email = strings.TrimSpace(email)
	if email == "" {
		return ""
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return "***"
	}
	return string([]rune(local)[0]) + "***@" + domain
}

// flattenMetadata renders metadata values as strings with sorted-key
// determinism for nested values.
func flattenMetadata(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case map[string]any:
			keys := make([]string, 0, len(val))
			for nk := range val {
				keys = append(keys, nk)
			}
			sort.Strings(keys)
			parts := make([]string, 0, len(keys))
			for _, nk := range keys {
				parts = append(parts, fmt.Sprintf("%s=%v", nk, val[nk]))
			}
			out[k] = strings.Join(parts, ",")
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
