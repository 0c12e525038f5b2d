// Package branch tracks the exploration branches of a coordination run: each
// branch carries its own ordered Q&A history and a terminal finding. All
// mutations are check-then-set under the store lock so concurrent evaluation
// tasks cannot complete the same branch twice or append against a stale
// snapshot.
package branch

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/elicit-dev/elicit/internal/elicitation"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
)

// BranchStatus is a branch's state machine position: exploring → done, done
// being terminal and entered exactly once.
type BranchStatus string

const (
	StatusExploring BranchStatus = "exploring"
	StatusDone      BranchStatus = "done"
)

// QAEntry mirrors one question belonging to a branch, with its answer filled
// in once it arrives.
type QAEntry struct {
	QuestionID string                     `json:"question_id"`
	Type       elicitation.QuestionType   `json:"type"`
	Text       string                     `json:"text"`
	Config     elicitation.QuestionConfig `json:"config"`
	Answer     *elicitation.Answer        `json:"answer,omitempty"`
}

// Branch is one independently-explored sub-topic of a run.
type Branch struct {
	ID      string       `json:"id"`
	Scope   string       `json:"scope"`
	Status  BranchStatus `json:"status"`
	Finding string       `json:"finding,omitempty"`
	Entries []QAEntry    `json:"entries"`
}

// Spec seeds one branch at run creation.
type Spec struct {
	ID    string
	Scope string
}

// Run owns the branches of one coordination run.
type Run struct {
	ID        string
	Request   string
	CreatedAt time.Time

	branches map[string]*Branch
	order    []string
}

// Store holds runs keyed by run id. A branch belongs to exactly one run.
type Store struct {
	mu     sync.Mutex
	runs   map[string]*Run
	logger *log.Logger
}

// NewStore creates an empty branch store.
func NewStore() *Store {
	return &Store{
		runs:   make(map[string]*Run),
		logger: log.New(log.Writer(), "[BRANCH] ", log.LstdFlags),
	}
}

// CreateRun seeds a run with its branches, all exploring with empty Q&A lists.
func (s *Store) CreateRun(runID, request string, specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("%w: run %s needs at least one branch", ErrInvalidState, runID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[runID]; exists {
		return fmt.Errorf("%w: run %s already exists", ErrInvalidState, runID)
	}
	run := &Run{
		ID:        runID,
		Request:   request,
		CreatedAt: time.Now(),
		branches:  make(map[string]*Branch, len(specs)),
	}
	for _, sp := range specs {
		if _, dup := run.branches[sp.ID]; dup {
			return fmt.Errorf("%w: duplicate branch id %s", ErrInvalidState, sp.ID)
		}
		run.branches[sp.ID] = &Branch{ID: sp.ID, Scope: sp.Scope, Status: StatusExploring}
		run.order = append(run.order, sp.ID)
	}
	s.runs[runID] = run
	return nil
}

// AddQuestionToBranch appends a pending Q&A entry. A branch that already
// reached done rejects the append: a stale in-flight decision must not reopen
// a finished branch.
func (s *Store) AddQuestionToBranch(runID, branchID string, entry QAEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.branchLocked(runID, branchID)
	if err != nil {
		return err
	}
	if b.Status == StatusDone {
		s.logger.Printf("ignoring question append to done branch %s/%s", runID, branchID)
		return fmt.Errorf("%w: branch %s is done", ErrInvalidState, branchID)
	}
	b.Entries = append(b.Entries, entry)
	return nil
}

// RecordAnswer fills in the answer of the matching Q&A entry.
func (s *Store) RecordAnswer(runID, branchID, questionID string, answer *elicitation.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.branchLocked(runID, branchID)
	if err != nil {
		return err
	}
	for i := range b.Entries {
		if b.Entries[i].QuestionID == questionID {
			b.Entries[i].Answer = answer
			return nil
		}
	}
	return fmt.Errorf("%w: question %s in branch %s", ErrNotFound, questionID, branchID)
}

// CompleteBranch moves a branch to done and stores its finding. Completion is
// first-writer-wins: a second call is rejected and the original finding is
// preserved.
func (s *Store) CompleteBranch(runID, branchID, finding string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.branchLocked(runID, branchID)
	if err != nil {
		return err
	}
	if b.Status != StatusExploring {
		return fmt.Errorf("%w: branch %s already %s", ErrInvalidState, branchID, b.Status)
	}
	b.Status = StatusDone
	b.Finding = finding
	return nil
}

// GetBranch returns a snapshot of one branch; the entries slice is copied so
// callers can read it without holding the store lock.
func (s *Store) GetBranch(runID, branchID string) (Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.branchLocked(runID, branchID)
	if err != nil {
		return Branch{}, err
	}
	return snapshot(b), nil
}

// GetRun returns snapshots of every branch in creation order.
func (s *Store) GetRun(runID string) (string, []Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return "", nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	out := make([]Branch, 0, len(run.order))
	for _, id := range run.order {
		out = append(out, snapshot(run.branches[id]))
	}
	return run.Request, out, nil
}

// AllDone reports whether every branch of the run is done.
func (s *Store) AllDone(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return false
	}
	for _, b := range run.branches {
		if b.Status != StatusDone {
			return false
		}
	}
	return true
}

// DeleteRun releases all branch memory for the run.
func (s *Store) DeleteRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}

func (s *Store) branchLocked(runID, branchID string) (*Branch, error) {
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	b, ok := run.branches[branchID]
	if !ok {
		return nil, fmt.Errorf("%w: branch %s in run %s", ErrNotFound, branchID, runID)
	}
	return b, nil
}

func snapshot(b *Branch) Branch {
	out := *b
	out.Entries = make([]QAEntry, len(b.Entries))
	copy(out.Entries, b.Entries)
	return out
}
