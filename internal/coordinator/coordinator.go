// Package coordinator drives a coordination run to completion: it drains
// answers from the session registry, updates branch state, and fans out
// per-branch decision evaluations so a slow decision for one branch never
// stalls the others.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/elicit-dev/elicit/internal/branch"
	"github.com/elicit-dev/elicit/internal/elicitation"
	"github.com/elicit-dev/elicit/internal/telemetry"
)

// QuestionSpec is a question a decision produced for a branch. The prompt
// lives in Config.Prompt.
type QuestionSpec struct {
	Type   elicitation.QuestionType   `json:"type"`
	Config elicitation.QuestionConfig `json:"config"`
}

// Decision is the collaborator's verdict for one branch: either the branch is
// done with a finding, or it needs the given follow-up question.
type Decision struct {
	Done     bool
	Finding  string
	Question *QuestionSpec
}

// DecisionInput is the context handed to the collaborator for one branch.
type DecisionInput struct {
	Scope           string
	OriginalRequest string
	History         []branch.QAEntry
}

// Decider is the external decision collaborator. Implementations must return
// exactly one of done+finding or a follow-up question.
type Decider interface {
	Decide(ctx context.Context, input DecisionInput) (Decision, error)
}

// BranchSeed describes one branch of a run request. When Initial is nil the
// collaborator is asked for the branch's first question.
type BranchSeed struct {
	ID      string        `json:"id"`
	Scope   string        `json:"scope"`
	Initial *QuestionSpec `json:"initial,omitempty"`
}

// Request describes a coordination run.
type Request struct {
	Title    string       `json:"title"`
	Request  string       `json:"request"`
	Branches []BranchSeed `json:"branches"`
}

// ReviewOutcome reports the final composite review answer.
type ReviewOutcome struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
}

// Result is the terminal report of one run. A timeout or exhausted iteration
// cap yields a partial result listing branch statuses, never an error.
type Result struct {
	RunID       string          `json:"run_id"`
	SessionID   string          `json:"session_id"`
	AllComplete bool            `json:"all_complete"`
	Reason      string          `json:"reason"`
	Iterations  int             `json:"iterations"`
	Branches    []branch.Branch `json:"branches"`
	Review      *ReviewOutcome  `json:"review,omitempty"`
}

// Options bound a run's patience and parallelism.
type Options struct {
	MaxIterations  int
	AnswerTimeout  time.Duration // per-iteration wait for the next answer
	ReviewTimeout  time.Duration // wait for the composite review answer
	ReviewEnabled  bool
	MaxConcurrency int // concurrent decision evaluations
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 50
	}
	if o.AnswerTimeout <= 0 {
		o.AnswerTimeout = 5 * time.Minute
	}
	if o.ReviewTimeout <= 0 {
		o.ReviewTimeout = 15 * time.Minute
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 4
	}
	return o
}

const fallbackFinding = "Exploration closed without a conclusive finding because the decision step failed repeatedly."

// Coordinator runs coordination loops against one registry and branch store.
type Coordinator struct {
	registry *elicitation.Registry
	branches *branch.Store
	decider  Decider
	opts     Options
	tele     *telemetry.Telemetry
	logger   *log.Logger
}

// New creates a coordinator. tele may be nil.
func New(registry *elicitation.Registry, branches *branch.Store, decider Decider, opts Options, tele *telemetry.Telemetry) *Coordinator {
	return &Coordinator{
		registry: registry,
		branches: branches,
		decider:  decider,
		opts:     opts.withDefaults(),
		tele:     tele,
		logger:   log.New(log.Writer(), "[COORD] ", log.LstdFlags),
	}
}

// run is the mutable state of one executing coordination run.
type run struct {
	id        string
	sessionID string
	request   string

	mu       sync.Mutex
	owners   map[string]string // question id -> branch id
	wg       sync.WaitGroup    // in-flight evaluation tasks
	inflight atomic.Int64
	sem      chan struct{}
}

// RunHandle is a prepared but not yet executing coordination run. Preparing
// and executing are split so callers can hand the session id to the answering
// client before the loop starts.
type RunHandle struct {
	c   *Coordinator
	r   *run
	req Request
}

// ID returns the run id.
func (h *RunHandle) ID() string { return h.r.id }

// SessionID returns the session the answering client should attach to.
func (h *RunHandle) SessionID() string { return h.r.sessionID }

// Prepare creates the run's branches and session. The run does nothing until
// Execute is called.
func (c *Coordinator) Prepare(runID string, req Request) (*RunHandle, error) {
	if len(req.Branches) == 0 {
		return nil, fmt.Errorf("run request needs at least one branch")
	}
	specs := make([]branch.Spec, 0, len(req.Branches))
	for _, b := range req.Branches {
		specs = append(specs, branch.Spec{ID: b.ID, Scope: b.Scope})
	}
	if err := c.branches.CreateRun(runID, req.Request, specs); err != nil {
		return nil, err
	}
	sess, err := c.registry.StartSession(req.Title)
	if err != nil {
		c.branches.DeleteRun(runID)
		return nil, err
	}
	r := &run{
		id:        runID,
		sessionID: sess.ID,
		request:   req.Request,
		owners:    make(map[string]string),
		sem:       make(chan struct{}, c.opts.MaxConcurrency),
	}
	return &RunHandle{c: c, r: r, req: req}, nil
}

// Execute drives one coordination run to completion and returns its report.
// It blocks until the loop exits and every in-flight evaluation has been
// joined; only setup failures surface as errors.
func (c *Coordinator) Execute(ctx context.Context, req Request) (Result, error) {
	h, err := c.Prepare(uuid.NewString(), req)
	if err != nil {
		return Result{}, err
	}
	return h.Execute(ctx), nil
}

// Execute runs the coordination loop to completion and tears the session and
// branch state down. A timeout or cap yields a partial result, not an error.
func (h *RunHandle) Execute(ctx context.Context) Result {
	c, r := h.c, h.r
	c.tele.RunStarted()
	c.logger.Printf("run %s started: session %s, %d branches", r.id, r.sessionID, len(h.req.Branches))

	// Seed every branch: push its initial question, or let the collaborator
	// pick the opener when none was given.
	for _, b := range h.req.Branches {
		if b.Initial != nil {
			if err := c.askBranch(r, b.ID, *b.Initial); err != nil {
				c.logger.Printf("run %s: seeding branch %s: %v", r.id, b.ID, err)
			}
			continue
		}
		c.spawnEvaluation(ctx, r, b.ID)
	}

	iterations, reason := c.loop(ctx, r)

	// Join stragglers before reading final state.
	r.wg.Wait()

	allComplete := c.branches.AllDone(r.id)
	result := Result{
		RunID:       r.id,
		SessionID:   r.sessionID,
		AllComplete: allComplete,
		Reason:      reason,
		Iterations:  iterations,
	}
	if allComplete {
		result.Reason = "complete"
		if c.opts.ReviewEnabled {
			result.Review = c.runReview(r)
		}
	}
	if _, branches, err := c.branches.GetRun(r.id); err == nil {
		result.Branches = branches
	}

	c.registry.EndSession(r.sessionID)
	c.branches.DeleteRun(r.id)
	if allComplete {
		c.tele.RunFinished("complete")
	} else {
		c.tele.RunFinished("partial")
	}
	c.logger.Printf("run %s finished: %s after %d iterations", r.id, result.Reason, iterations)
	return result
}

// loop consumes answers one at a time and fans out evaluations. It returns
// the iteration count and the exit reason.
func (c *Coordinator) loop(ctx context.Context, r *run) (int, string) {
	iterations := 0
	for iterations < c.opts.MaxIterations {
		if c.branches.AllDone(r.id) {
			return iterations, "complete"
		}
		if ctx.Err() != nil {
			return iterations, "context cancelled"
		}
		res := c.registry.GetNextAnswer(r.sessionID, true, c.opts.AnswerTimeout)
		iterations++

		switch res.Status {
		case elicitation.ResultCompleted:
			c.handleAnswer(ctx, r, res)
		case elicitation.ResultNonePending:
			// Every pushed question is consumed. If evaluations are in
			// flight they will push the next questions; otherwise the run
			// cannot make progress.
			if r.inflight.Load() == 0 {
				if c.branches.AllDone(r.id) {
					return iterations, "complete"
				}
				return iterations, "stalled: no pending questions and no evaluations in flight"
			}
			r.wg.Wait()
		case elicitation.ResultTimeout:
			return iterations, "answer timeout"
		case elicitation.ResultNotFound:
			return iterations, "session ended"
		case elicitation.ResultPending:
			// Woken but another consumer claimed the answer; retry.
		}
	}
	return iterations, "iteration cap reached"
}

// handleAnswer records a consumed answer into its owning branch and spawns
// that branch's next evaluation without blocking the loop.
func (c *Coordinator) handleAnswer(ctx context.Context, r *run, res elicitation.AnswerResult) {
	r.mu.Lock()
	branchID, ok := r.owners[res.QuestionID]
	r.mu.Unlock()
	if !ok {
		c.logger.Printf("run %s: answer for unowned question %s", r.id, res.QuestionID)
		return
	}
	if err := c.branches.RecordAnswer(r.id, branchID, res.QuestionID, res.Answer); err != nil {
		c.logger.Printf("run %s: recording answer for %s: %v", r.id, res.QuestionID, err)
		return
	}
	c.spawnEvaluation(ctx, r, branchID)
}

// spawnEvaluation starts an evaluation task for the branch and tracks it in
// the in-flight set. Failures are contained to the task.
func (c *Coordinator) spawnEvaluation(ctx context.Context, r *run, branchID string) {
	r.wg.Add(1)
	r.inflight.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.inflight.Add(-1)
		r.sem <- struct{}{}
		defer func() { <-r.sem }()
		c.evaluate(ctx, r, branchID)
	}()
}

// evaluate asks the collaborator what the branch needs next and applies the
// verdict. A decision failure closes only this branch, defensively.
func (c *Coordinator) evaluate(ctx context.Context, r *run, branchID string) {
	b, err := c.branches.GetBranch(r.id, branchID)
	if err != nil {
		c.logger.Printf("run %s: evaluating %s: %v", r.id, branchID, err)
		return
	}
	if b.Status == branch.StatusDone {
		return
	}

	dec, err := c.decide(ctx, DecisionInput{
		Scope:           b.Scope,
		OriginalRequest: r.request,
		History:         b.Entries,
	})
	if err != nil {
		c.tele.DecisionFailure()
		c.logger.Printf("run %s: decision for branch %s failed after retry: %v", r.id, branchID, err)
		if err := c.branches.CompleteBranch(r.id, branchID, fallbackFinding); err == nil {
			c.tele.BranchCompleted("fallback")
		}
		return
	}

	if dec.Done {
		if err := c.branches.CompleteBranch(r.id, branchID, dec.Finding); err != nil {
			// A sibling evaluation won the race; its finding stands.
			c.logger.Printf("run %s: completing branch %s: %v", r.id, branchID, err)
			return
		}
		c.tele.BranchCompleted("decision")
		c.logger.Printf("run %s: branch %s done", r.id, branchID)
		return
	}

	if err := c.askBranch(r, branchID, *dec.Question); err != nil {
		c.logger.Printf("run %s: pushing follow-up for branch %s: %v", r.id, branchID, err)
	}
}

// decide invokes the collaborator, retrying once on failure with the same
// context before giving up.
func (c *Coordinator) decide(ctx context.Context, input DecisionInput) (Decision, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		start := time.Now()
		dec, err := c.decider.Decide(ctx, input)
		c.tele.DecisionCall(time.Since(start))
		if err == nil {
			if err := validateDecision(dec); err == nil {
				return dec, nil
			} else {
				lastErr = err
			}
		} else {
			lastErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return Decision{}, lastErr
}

func validateDecision(dec Decision) error {
	if dec.Done {
		if dec.Finding == "" {
			return fmt.Errorf("decision marked done without a finding")
		}
		return nil
	}
	if dec.Question == nil {
		return fmt.Errorf("decision neither done nor carrying a question")
	}
	if !elicitation.ValidQuestionType(dec.Question.Type) {
		return fmt.Errorf("decision question has unknown type %s", dec.Question.Type)
	}
	return nil
}

// askBranch pushes a question for the branch and records it in the branch's
// Q&A history. Push and bookkeeping share the run mutex so an instant answer
// cannot be consumed before the branch entry exists.
func (c *Coordinator) askBranch(r *run, branchID string, spec QuestionSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	qid, err := c.registry.PushQuestion(r.sessionID, spec.Type, spec.Config)
	if err != nil {
		return err
	}
	r.owners[qid] = branchID
	entry := branch.QAEntry{
		QuestionID: qid,
		Type:       spec.Type,
		Text:       spec.Config.Prompt,
		Config:     spec.Config,
	}
	if err := c.branches.AddQuestionToBranch(r.id, branchID, entry); err != nil {
		// Branch finished while the decision was in flight; withdraw the
		// question instead of leaving it dangling.
		delete(r.owners, qid)
		if cerr := c.registry.CancelQuestion(qid); cerr != nil {
			c.logger.Printf("run %s: withdrawing stale question %s: %v", r.id, qid, cerr)
		}
		return err
	}
	return nil
}
