package decision

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elicit-dev/elicit/internal/coordinator"
	"github.com/elicit-dev/elicit/internal/elicitation"
)

// ErrMalformed marks collaborator output that does not match the decision
// contract. It is a soft failure: the caller retries once, then closes the
// branch with a generic finding.
var ErrMalformed = errors.New("malformed decision output")

// ParseDecision extracts the decision JSON from a model response and checks
// it against the contract: exactly one of done+finding or a follow-up
// question with a known type and usable config.
func ParseDecision(response string) (coordinator.Decision, error) {
	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return coordinator.Decision{}, fmt.Errorf("%w: no JSON object in response", ErrMalformed)
	}

	var raw struct {
		Done     bool    `json:"done"`
		Finding  string  `json:"finding"`
		Question *struct {
			Type   elicitation.QuestionType   `json:"type"`
			Config elicitation.QuestionConfig `json:"config"`
		} `json:"question"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return coordinator.Decision{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if raw.Done {
		if raw.Finding == "" {
			return coordinator.Decision{}, fmt.Errorf("%w: done without a finding", ErrMalformed)
		}
		return coordinator.Decision{Done: true, Finding: raw.Finding}, nil
	}
	if raw.Question == nil {
		return coordinator.Decision{}, fmt.Errorf("%w: neither done nor question", ErrMalformed)
	}
	if !elicitation.ValidQuestionType(raw.Question.Type) {
		return coordinator.Decision{}, fmt.Errorf("%w: unknown question type %q", ErrMalformed, raw.Question.Type)
	}
	if raw.Question.Config.Prompt == "" {
		return coordinator.Decision{}, fmt.Errorf("%w: question without a prompt", ErrMalformed)
	}
	if err := raw.Question.Config.Validate(raw.Question.Type); err != nil {
		return coordinator.Decision{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return coordinator.Decision{
		Done: false,
		Question: &coordinator.QuestionSpec{
			Type:   raw.Question.Type,
			Config: raw.Question.Config,
		},
	}, nil
}

// extractJSON returns the first balanced top-level JSON object in s, which
// tolerates models that wrap their output in prose or code fences.
func extractJSON(s string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, ch := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}
