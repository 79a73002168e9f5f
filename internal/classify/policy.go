package classify

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	dmerrors "github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/record"
)

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// Rule is one (pattern, label) pair of an ordered first-match-wins table.
type Rule struct {
	Label   string `yaml:"label"`
	Pattern string `yaml:"pattern"`
}

// SentimentRules holds the two lexical classes. Negative is always checked first.
type SentimentRules struct {
	Negative []string `yaml:"negative"`
	Positive []string `yaml:"positive"`
}

// ComplexityRules holds the length thresholds and lexical classes of the
// three-tier complexity rule.
type ComplexityRules struct {
	HighMinLength   int      `yaml:"high_min_length"`
	MediumMinLength int      `yaml:"medium_min_length"`
	High            []string `yaml:"high"`
	Medium          []string `yaml:"medium"`
}

// Policy is the data that drives classification.
type Policy struct {
	Sentiment   SentimentRules  `yaml:"sentiment"`
	Complexity  ComplexityRules `yaml:"complexity"`
	Phase       []Rule          `yaml:"phase"`
	Domain      []Rule          `yaml:"domain"`
	CommitType  []Rule          `yaml:"commit_type"`
	ContentType []Rule          `yaml:"content_type"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	p, err := ParsePolicy(defaultPolicyYAML)
	if err != nil {
		panic(fmt.Sprintf("classify: built-in policy: %v", err))
	}
	return p
}

// ParsePolicy decodes a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	p := &Policy{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, dmerrors.NewClassification("policy", err)
	}
	return p, nil
}

// LoadPolicy reads a YAML policy from path and overlays it on the built-in
// policy: every section present in the file replaces the built-in section.
// An empty path returns the built-in policy.
func LoadPolicy(path string) (*Policy, error) {
	base := DefaultPolicy()
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	overlay, err := ParsePolicy(data)
	if err != nil {
		return nil, err
	}
	return mergePolicy(base, overlay), nil
}

func mergePolicy(base, overlay *Policy) *Policy {
	out := *base
	if len(overlay.Sentiment.Negative) > 0 {
		out.Sentiment.Negative = overlay.Sentiment.Negative
	}
	if len(overlay.Sentiment.Positive) > 0 {
		out.Sentiment.Positive = overlay.Sentiment.Positive
	}
	if overlay.Complexity.HighMinLength > 0 {
		out.Complexity.HighMinLength = overlay.Complexity.HighMinLength
	}
	if overlay.Complexity.MediumMinLength > 0 {
		out.Complexity.MediumMinLength = overlay.Complexity.MediumMinLength
	}
	if len(overlay.Complexity.High) > 0 {
		out.Complexity.High = overlay.Complexity.High
	}
	if len(overlay.Complexity.Medium) > 0 {
		out.Complexity.Medium = overlay.Complexity.Medium
	}
	if len(overlay.Phase) > 0 {
		out.Phase = overlay.Phase
	}
	if len(overlay.Domain) > 0 {
		out.Domain = overlay.Domain
	}
	if len(overlay.CommitType) > 0 {
		out.CommitType = overlay.CommitType
	}
	if len(overlay.ContentType) > 0 {
		out.ContentType = overlay.ContentType
	}
	return &out
}

type compiledRule struct {
	label string
	re    *regexp.Regexp
}

func compilePatterns(section string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, dmerrors.NewClassification(fmt.Sprintf("%s[%d]", section, i), err)
		}
		out = append(out, re)
	}
	return out, nil
}

func compileRules(section string, rules []Rule, allowed func(string) bool) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		name := fmt.Sprintf("%s[%d]", section, i)
		if r.Label == "" {
			return nil, dmerrors.NewClassification(name, fmt.Errorf("label is required"))
		}
		if r.Pattern == "" {
			return nil, dmerrors.NewClassification(name, fmt.Errorf("pattern is required"))
		}
		if allowed != nil && !allowed(r.Label) {
			return nil, dmerrors.NewClassification(name, fmt.Errorf("unknown label %q", r.Label))
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, dmerrors.NewClassification(name, err)
		}
		out = append(out, compiledRule{label: r.Label, re: re})
	}
	return out, nil
}

func validPhase(label string) bool {
	for _, p := range record.Phases {
		if string(p) == label {
			return true
		}
	}
	return false
}

func validContentType(label string) bool {
	return record.ContentType(label).Valid() && label != string(record.ContentGitCommit)
}

// DomainLabels returns the distinct domain labels in rule order, followed by
// the fallback label.
func (p *Policy) DomainLabels() []string {
	return ruleLabels(p.Domain, record.DomainGeneral)
}

// CommitTypeLabels returns the distinct commit types in rule order, followed
// by the fallback label.
func (p *Policy) CommitTypeLabels() []string {
	return ruleLabels(p.CommitType, record.CommitTypeGeneral)
}

func ruleLabels(rules []Rule, fallback string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range rules {
		if r.Label == "" || seen[r.Label] {
			continue
		}
		seen[r.Label] = true
		out = append(out, r.Label)
	}
	if !seen[fallback] {
		out = append(out, fallback)
	}
	return out
}
