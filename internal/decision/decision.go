// Package decision implements the decision collaborator on top of an OpenAI
// compatible chat API: given a branch's scope, the original request, and the
// Q&A history so far, the model decides whether the branch is done or what to
// ask next.
package decision

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/elicit-dev/elicit/internal/branch"
	"github.com/elicit-dev/elicit/internal/coordinator"
)

// Config selects the model and endpoint for decision calls.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// Collaborator is the OpenAI-backed Decider implementation.
type Collaborator struct {
	client      *openai.Client
	model       string
	temperature float32
	logger      *log.Logger
}

// New builds a collaborator from config.
func New(cfg Config) (*Collaborator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("decision collaborator requires an API key")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("decision collaborator requires a model")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	temp := cfg.Temperature
	if temp == 0 {
		temp = 0.3
	}
	return &Collaborator{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: temp,
		logger:      log.New(log.Writer(), "[DECIDE] ", log.LstdFlags),
	}, nil
}

// Decide asks the model for the branch's next step. Malformed output
// surfaces as ErrMalformed so the coordinator can retry once and then close
// the branch defensively.
func (c *Collaborator) Decide(ctx context.Context, input coordinator.DecisionInput) (coordinator.Decision, error) {
	prompt := buildPrompt(input)
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return coordinator.Decision{}, fmt.Errorf("decision call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return coordinator.Decision{}, fmt.Errorf("%w: empty completion", ErrMalformed)
	}
	dec, err := ParseDecision(resp.Choices[0].Message.Content)
	if err != nil {
		c.logger.Printf("unparseable decision output: %v", err)
		return coordinator.Decision{}, err
	}
	return dec, nil
}

const systemPrompt = `You decide, after each user answer, whether an exploration branch has gathered enough information or needs exactly one more question. Respond with JSON only.`

func buildPrompt(input coordinator.DecisionInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ORIGINAL REQUEST: %s\n\n", input.OriginalRequest)
	fmt.Fprintf(&sb, "BRANCH SCOPE: %s\n\n", input.Scope)
	if len(input.History) == 0 {
		sb.WriteString("No questions have been asked on this branch yet. Produce its opening question.\n")
	} else {
		sb.WriteString("QUESTIONS AND ANSWERS SO FAR:\n")
		for i, e := range input.History {
			fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, e.Type, e.Text)
			if e.Answer != nil {
				fmt.Fprintf(&sb, "   answer: %s\n", renderAnswer(e))
			} else {
				sb.WriteString("   answer: (still pending)\n")
			}
		}
		sb.WriteString("\n")
	}
	sb.WriteString(`QUESTION TYPES:
- single_select: config {prompt, options[]}
- multi_select: config {prompt, options[], min_selections?, max_selections?}
- confirm: config {prompt}
- free_text: config {prompt, placeholder?}
- rank: config {prompt, options[]}

OUTPUT FORMAT (JSON, one of):
{"done": true, "finding": "one-sentence conclusion for this branch"}
{"done": false, "question": {"type": "<question type>", "config": {...}}}

Close the branch as soon as its scope is satisfied; otherwise ask the single most informative next question.`)
	return sb.String()
}

func renderAnswer(e branch.QAEntry) string {
	a := e.Answer
	switch {
	case a.Option != "":
		return a.Option
	case len(a.Options) > 0:
		return strings.Join(a.Options, ", ")
	case len(a.Ranking) > 0:
		return strings.Join(a.Ranking, " > ")
	case a.Text != "":
		return a.Text
	default:
		if a.Confirmed {
			return "yes"
		}
		return "no"
	}
}
