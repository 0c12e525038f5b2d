package elicitation

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// QuestionEnvelope is the outbound wire message for a pushed question.
type QuestionEnvelope struct {
	Type         string         `json:"type"`
	ID           string         `json:"id"`
	QuestionType QuestionType   `json:"questionType"`
	Config       QuestionConfig `json:"config"`
}

// CancelEnvelope is the outbound wire message for a cancelled question.
type CancelEnvelope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// EndEnvelope is the outbound wire message closing a session.
type EndEnvelope struct {
	Type string `json:"type"`
}

// ResponseEnvelope is the inbound wire message carrying an answer. The Answer
// payload stays raw here; it is decoded against the question's type inside
// HandleIncoming.
type ResponseEnvelope struct {
	Type   string          `json:"type" validate:"required,eq=response"`
	ID     string          `json:"id" validate:"required"`
	Answer json.RawMessage `json:"answer" validate:"required"`
}

// DecodeResponse parses and validates an inbound transport frame.
func DecodeResponse(data []byte) (ResponseEnvelope, error) {
	var env ResponseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ResponseEnvelope{}, fmt.Errorf("malformed response frame: %w", err)
	}
	if err := validate.Struct(env); err != nil {
		return ResponseEnvelope{}, fmt.Errorf("invalid response envelope: %w", err)
	}
	return env, nil
}

func newQuestionEnvelope(q *Question) QuestionEnvelope {
	return QuestionEnvelope{Type: "question", ID: q.ID, QuestionType: q.Type, Config: q.Config}
}
