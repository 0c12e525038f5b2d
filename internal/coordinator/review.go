package coordinator

import (
	"fmt"
	"strings"

	"github.com/elicit-dev/elicit/internal/elicitation"
)

// runReview pushes one composite review question assembled from every
// branch's finding and Q&A summary, then blocks for the approval answer. If
// the session is already gone the review is skipped and completion reported
// directly.
func (c *Coordinator) runReview(r *run) *ReviewOutcome {
	if !c.registry.HasSession(r.sessionID) {
		return &ReviewOutcome{Skipped: true}
	}
	_, branches, err := c.branches.GetRun(r.id)
	if err != nil {
		return &ReviewOutcome{Skipped: true}
	}

	var sb strings.Builder
	for _, b := range branches {
		fmt.Fprintf(&sb, "## %s\n%s\n\nFinding: %s\n", b.ID, b.Scope, b.Finding)
		for _, e := range b.Entries {
			fmt.Fprintf(&sb, "- Q: %s\n", e.Text)
			if e.Answer != nil {
				fmt.Fprintf(&sb, "  A: %s\n", summarizeAnswer(e.Answer))
			}
		}
		sb.WriteString("\n")
	}

	qid, err := c.registry.PushQuestion(r.sessionID, elicitation.QuestionReview, elicitation.QuestionConfig{
		Prompt:  "All branches are complete. Approve the findings or request changes.",
		Summary: sb.String(),
	})
	if err != nil {
		c.logger.Printf("run %s: pushing review question: %v", r.id, err)
		return &ReviewOutcome{Skipped: true}
	}

	res := c.registry.GetAnswer(qid, true, c.opts.ReviewTimeout)
	if !res.Completed {
		c.logger.Printf("run %s: review ended without an answer (%s)", r.id, res.Status)
		if res.Status == elicitation.ResultTimeout {
			if err := c.registry.CancelQuestion(qid); err != nil {
				c.logger.Printf("run %s: cancelling review question: %v", r.id, err)
			}
		}
		return &ReviewOutcome{Skipped: true}
	}
	return &ReviewOutcome{Approved: res.Answer.Approved, Feedback: res.Answer.Feedback}
}

func summarizeAnswer(a *elicitation.Answer) string {
	switch a.Kind {
	case elicitation.AnswerOption:
		return a.Option
	case elicitation.AnswerOptions:
		return strings.Join(a.Options, ", ")
	case elicitation.AnswerConfirm:
		if a.Confirmed {
			return "yes"
		}
		return "no"
	case elicitation.AnswerText:
		return a.Text
	case elicitation.AnswerRanking:
		return strings.Join(a.Ranking, " > ")
	case elicitation.AnswerReview:
		if a.Approved {
			return "approved"
		}
		return "changes requested: " + a.Feedback
	}
	return ""
}
