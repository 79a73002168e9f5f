// Package classify derives labels from record text using ordered lexical
// rule tables. Classification is total and deterministic: a text that matches
// no rule receives the default label of that axis.
package classify

import (
	"regexp"

	"github.com/hpungsan/devmem/internal/record"
)

// Labels is the label set assigned to one text.
type Labels struct {
	Sentiment   record.Sentiment   `json:"sentiment"`
	Complexity  record.Complexity  `json:"complexity"`
	Phase       record.Phase       `json:"phase"`
	Domain      string             `json:"domain"`
	ContentType record.ContentType `json:"content_type"`
}

// Classifier applies a compiled Policy. It holds no mutable state and is
// safe for concurrent use.
type Classifier struct {
	negative []*regexp.Regexp
	positive []*regexp.Regexp

	highMinLength   int
	mediumMinLength int
	high            []*regexp.Regexp
	medium          []*regexp.Regexp

	phase       []compiledRule
	domain      []compiledRule
	commitType  []compiledRule
	contentType []compiledRule
}

// New compiles a policy. It fails with CLASSIFICATION_ERROR if any rule is
// malformed, which only happens at configuration time.
func New(p *Policy) (*Classifier, error) {
	c := &Classifier{
		highMinLength:   p.Complexity.HighMinLength,
		mediumMinLength: p.Complexity.MediumMinLength,
	}
	var err error
	if c.negative, err = compilePatterns("sentiment.negative", p.Sentiment.Negative); err != nil {
		return nil, err
	}
	if c.positive, err = compilePatterns("sentiment.positive", p.Sentiment.Positive); err != nil {
		return nil, err
	}
	if c.high, err = compilePatterns("complexity.high", p.Complexity.High); err != nil {
		return nil, err
	}
	if c.medium, err = compilePatterns("complexity.medium", p.Complexity.Medium); err != nil {
		return nil, err
	}
	if c.phase, err = compileRules("phase", p.Phase, validPhase); err != nil {
		return nil, err
	}
	if c.domain, err = compileRules("domain", p.Domain, nil); err != nil {
		return nil, err
	}
	if c.commitType, err = compileRules("commit_type", p.CommitType, nil); err != nil {
		return nil, err
	}
	if c.contentType, err = compileRules("content_type", p.ContentType, validContentType); err != nil {
		return nil, err
	}
	return c, nil
}

// Default returns a classifier for the built-in policy.
func Default() *Classifier {
	c, err := New(DefaultPolicy())
	if err != nil {
		panic("classify: built-in policy: " + err.Error())
	}
	return c
}

// Classify returns the label set of text.
func (c *Classifier) Classify(text string) Labels {
	return Labels{
		Sentiment:   c.Sentiment(text),
		Complexity:  c.Complexity(text),
		Phase:       c.Phase(text),
		Domain:      c.Domain(text),
		ContentType: c.ContentType(text),
	}
}

// Sentiment checks negative vocabulary before positive so that mixed text
// such as "fixed the error" resolves to negative.
func (c *Classifier) Sentiment(text string) record.Sentiment {
	if anyMatch(c.negative, text) {
		return record.SentimentNegative
	}
	if anyMatch(c.positive, text) {
		return record.SentimentPositive
	}
	return record.SentimentNeutral
}

// Complexity evaluates the high tier first; the medium tier's lexical clause
// would otherwise claim long setup text.
func (c *Classifier) Complexity(text string) record.Complexity {
	n := record.CountChars(text)
	if n > c.highMinLength && anyMatch(c.high, text) {
		return record.ComplexityHigh
	}
	if n > c.mediumMinLength || anyMatch(c.medium, text) {
		return record.ComplexityMedium
	}
	return record.ComplexityLow
}

// Phase returns the first matching development phase, or general.
func (c *Classifier) Phase(text string) record.Phase {
	if label, ok := firstMatch(c.phase, text); ok {
		return record.Phase(label)
	}
	return record.PhaseGeneral
}

// Domain returns the first matching technical domain, or general.
func (c *Classifier) Domain(text string) string {
	if label, ok := firstMatch(c.domain, text); ok {
		return label
	}
	return record.DomainGeneral
}

// CommitType classifies a commit message.
func (c *Classifier) CommitType(message string) string {
	if label, ok := firstMatch(c.commitType, message); ok {
		return label
	}
	return record.CommitTypeGeneral
}

// ContentType infers the content type of a memory that arrived without one.
func (c *Classifier) ContentType(text string) record.ContentType {
	if label, ok := firstMatch(c.contentType, text); ok {
		return record.ContentType(label)
	}
	return record.ContentConversation
}

// Annotate attaches labels to rec in place. Content type is only inferred
// when absent. Commits also get their commit type, added to the tag set.
func (c *Classifier) Annotate(rec *record.Record) {
	labels := c.Classify(rec.Content)
	rec.Sentiment = labels.Sentiment
	rec.Complexity = labels.Complexity
	rec.Phase = labels.Phase
	rec.Domain = labels.Domain
	if rec.ContentType == "" {
		rec.ContentType = labels.ContentType
	}
	if rec.Commit != nil {
		rec.CommitType = c.CommitType(rec.Commit.Message)
		rec.AddTag(rec.CommitType)
	}
}

func anyMatch(res []*regexp.Regexp, text string) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func firstMatch(rules []compiledRule, text string) (string, bool) {
	for _, r := range rules {
		if r.re.MatchString(text) {
			return r.label, true
		}
	}
	return "", false
}
