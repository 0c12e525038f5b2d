// Package elicitation owns sessions and their questions: push/answer/cancel
// lifecycle, transport-agnostic delivery, and blocking answer retrieval built
// on the waiter registry.
package elicitation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the registry's failure taxonomy.
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidState  = errors.New("invalid state")
	ErrInvalidAnswer = errors.New("invalid answer payload")
)

// QuestionType enumerates the supported question shapes.
type QuestionType string

const (
	QuestionSingleSelect QuestionType = "single_select"
	QuestionMultiSelect  QuestionType = "multi_select"
	QuestionConfirm      QuestionType = "confirm"
	QuestionFreeText     QuestionType = "free_text"
	QuestionRank         QuestionType = "rank"
	// QuestionReview is the composite approval question pushed after all
	// branches finish.
	QuestionReview QuestionType = "review"
)

// ValidQuestionType reports whether t is a known question type.
func ValidQuestionType(t QuestionType) bool {
	switch t {
	case QuestionSingleSelect, QuestionMultiSelect, QuestionConfirm,
		QuestionFreeText, QuestionRank, QuestionReview:
		return true
	}
	return false
}

// QuestionConfig carries the type-specific parameters of a question.
type QuestionConfig struct {
	Prompt        string   `json:"prompt"`
	Options       []string `json:"options,omitempty"`
	MinSelections int      `json:"min_selections,omitempty"`
	MaxSelections int      `json:"max_selections,omitempty"`
	Placeholder   string   `json:"placeholder,omitempty"`
	// Summary holds the assembled branch findings for a review question.
	Summary string `json:"summary,omitempty"`
}

// Validate checks that the config is usable for the given question type.
func (c QuestionConfig) Validate(t QuestionType) error {
	switch t {
	case QuestionSingleSelect, QuestionMultiSelect, QuestionRank:
		if len(c.Options) == 0 {
			return fmt.Errorf("%s question requires options", t)
		}
		seen := make(map[string]struct{}, len(c.Options))
		for _, o := range c.Options {
			if o == "" {
				return fmt.Errorf("%s question has an empty option", t)
			}
			if _, dup := seen[o]; dup {
				return fmt.Errorf("%s question has duplicate option %q", t, o)
			}
			seen[o] = struct{}{}
		}
		if t == QuestionMultiSelect && c.MaxSelections > 0 && c.MinSelections > c.MaxSelections {
			return fmt.Errorf("multi_select min_selections exceeds max_selections")
		}
	case QuestionConfirm, QuestionFreeText, QuestionReview:
		// prompt-only types
	default:
		return fmt.Errorf("unknown question type: %s", t)
	}
	return nil
}

// Status is a question's lifecycle state. Transitions are monotone:
// pending may move to answered or cancelled exactly once and never back.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAnswered  Status = "answered"
	StatusCancelled Status = "cancelled"
)

// AnswerKind discriminates the answer payload union.
type AnswerKind string

const (
	AnswerOption  AnswerKind = "option"
	AnswerOptions AnswerKind = "options"
	AnswerConfirm AnswerKind = "confirm"
	AnswerText    AnswerKind = "text"
	AnswerRanking AnswerKind = "ranking"
	AnswerReview  AnswerKind = "review"
)

// Answer is the closed tagged union of answer payloads, keyed by the owning
// question's type. Only the fields matching Kind are meaningful.
type Answer struct {
	Kind      AnswerKind `json:"kind"`
	Option    string     `json:"option,omitempty"`
	Options   []string   `json:"options,omitempty"`
	Confirmed bool       `json:"confirmed,omitempty"`
	Text      string     `json:"text,omitempty"`
	Ranking   []string   `json:"ranking,omitempty"`
	Approved  bool       `json:"approved,omitempty"`
	Feedback  string     `json:"feedback,omitempty"`
}

// DecodeAnswer parses and validates a raw answer payload against the owning
// question's type and config. Shapes are rejected here so nothing downstream
// ever sees an unvalidated answer.
func DecodeAnswer(t QuestionType, cfg QuestionConfig, raw json.RawMessage) (Answer, error) {
	allowed := make(map[string]struct{}, len(cfg.Options))
	for _, o := range cfg.Options {
		allowed[o] = struct{}{}
	}

	switch t {
	case QuestionSingleSelect:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return Answer{}, fmt.Errorf("%w: single_select expects a string: %v", ErrInvalidAnswer, err)
		}
		if _, ok := allowed[v]; !ok {
			return Answer{}, fmt.Errorf("%w: %q is not an offered option", ErrInvalidAnswer, v)
		}
		return Answer{Kind: AnswerOption, Option: v}, nil

	case QuestionMultiSelect:
		var v []string
		if err := json.Unmarshal(raw, &v); err != nil {
			return Answer{}, fmt.Errorf("%w: multi_select expects a string array: %v", ErrInvalidAnswer, err)
		}
		seen := make(map[string]struct{}, len(v))
		for _, o := range v {
			if _, ok := allowed[o]; !ok {
				return Answer{}, fmt.Errorf("%w: %q is not an offered option", ErrInvalidAnswer, o)
			}
			if _, dup := seen[o]; dup {
				return Answer{}, fmt.Errorf("%w: duplicate selection %q", ErrInvalidAnswer, o)
			}
			seen[o] = struct{}{}
		}
		if len(v) < cfg.MinSelections {
			return Answer{}, fmt.Errorf("%w: at least %d selections required", ErrInvalidAnswer, cfg.MinSelections)
		}
		if cfg.MaxSelections > 0 && len(v) > cfg.MaxSelections {
			return Answer{}, fmt.Errorf("%w: at most %d selections allowed", ErrInvalidAnswer, cfg.MaxSelections)
		}
		return Answer{Kind: AnswerOptions, Options: v}, nil

	case QuestionConfirm:
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return Answer{}, fmt.Errorf("%w: confirm expects a boolean: %v", ErrInvalidAnswer, err)
		}
		return Answer{Kind: AnswerConfirm, Confirmed: v}, nil

	case QuestionFreeText:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return Answer{}, fmt.Errorf("%w: free_text expects a string: %v", ErrInvalidAnswer, err)
		}
		return Answer{Kind: AnswerText, Text: v}, nil

	case QuestionRank:
		var v []string
		if err := json.Unmarshal(raw, &v); err != nil {
			return Answer{}, fmt.Errorf("%w: rank expects a string array: %v", ErrInvalidAnswer, err)
		}
		if len(v) != len(cfg.Options) {
			return Answer{}, fmt.Errorf("%w: ranking must order all %d options", ErrInvalidAnswer, len(cfg.Options))
		}
		seen := make(map[string]struct{}, len(v))
		for _, o := range v {
			if _, ok := allowed[o]; !ok {
				return Answer{}, fmt.Errorf("%w: %q is not an offered option", ErrInvalidAnswer, o)
			}
			if _, dup := seen[o]; dup {
				return Answer{}, fmt.Errorf("%w: duplicate entry %q in ranking", ErrInvalidAnswer, o)
			}
			seen[o] = struct{}{}
		}
		return Answer{Kind: AnswerRanking, Ranking: v}, nil

	case QuestionReview:
		var v struct {
			Approved bool   `json:"approved"`
			Feedback string `json:"feedback"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return Answer{}, fmt.Errorf("%w: review expects {approved, feedback}: %v", ErrInvalidAnswer, err)
		}
		return Answer{Kind: AnswerReview, Approved: v.Approved, Feedback: v.Feedback}, nil
	}
	return Answer{}, fmt.Errorf("%w: unknown question type %s", ErrInvalidAnswer, t)
}

// Question is one pushed question within a session.
type Question struct {
	ID         string
	SessionID  string
	Type       QuestionType
	Config     QuestionConfig
	Status     Status
	Answer     *Answer
	CreatedAt  time.Time
	AnsweredAt time.Time

	// consumed marks an answered question as already returned by
	// GetNextAnswer; targeted GetAnswer reads do not set it.
	consumed bool
}

// Session holds an ordered collection of questions and the transport handle
// used to deliver them.
type Session struct {
	ID        string
	Title     string
	CreatedAt time.Time

	questions []*Question
	// answered queues question ids in the order their answers arrived,
	// pending consumption by GetNextAnswer.
	answered  []string
	transport Transport
}

// Transport is the external channel that carries question/cancel/end messages
// out to the answering client. Answer delivery flows back through
// Registry.HandleIncoming, not through this interface.
type Transport interface {
	SendQuestion(q QuestionEnvelope) error
	SendCancel(questionID string) error
	SendEnd() error
	Close() error
}

// TransportProvider acquires a transport endpoint for a new session.
type TransportProvider interface {
	Acquire(sessionID string) (Transport, error)
}
