package ops

import (
	"strings"

	"github.com/hpungsan/devmem/internal/classify"
	"github.com/hpungsan/devmem/internal/errors"
)

// ClassifyInput holds free text, a commit message, or both.
type ClassifyInput struct {
	Text    string
	Message string
}

// ClassifyOutput is the label set of the input. CommitType is set only for
// a commit message.
type ClassifyOutput struct {
	classify.Labels
	CommitType string `json:"commit_type,omitempty"`
}

// Classify labels text without storing anything.
func Classify(deps *Deps, input ClassifyInput) (*ClassifyOutput, error) {
	text := input.Text
	if strings.TrimSpace(text) == "" {
		text = input.Message
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.NewInvalidRequest("text or message is required")
	}
	cls := deps.classifier()
	out := &ClassifyOutput{Labels: cls.Classify(text)}
	if strings.TrimSpace(input.Message) != "" {
		out.CommitType = cls.CommitType(input.Message)
	}
	return out, nil
}
