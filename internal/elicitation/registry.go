package elicitation

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/elicit-dev/elicit/internal/telemetry"
	"github.com/elicit-dev/elicit/internal/waiter"
)

// Notification is the payload delivered to waiters when a question settles.
type Notification struct {
	QuestionID string
	Status     Status
	Answer     *Answer
}

// ResultStatus labels the outcome of an answer retrieval. Timeouts and "no
// pending work" are statuses, never errors, so callers can branch on them.
type ResultStatus string

const (
	ResultCompleted   ResultStatus = "completed"
	ResultCancelled   ResultStatus = "cancelled"
	ResultNotFound    ResultStatus = "not_found"
	ResultPending     ResultStatus = "pending"
	ResultTimeout     ResultStatus = "timeout"
	ResultNonePending ResultStatus = "none_pending"
)

// AnswerResult is the outcome of GetAnswer or GetNextAnswer.
type AnswerResult struct {
	Completed  bool
	Status     ResultStatus
	QuestionID string
	Answer     *Answer
}

// QuestionInfo is the diagnostic view returned by ListQuestions.
type QuestionInfo struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Type      QuestionType `json:"type"`
	Status    Status       `json:"status"`
	Consumed  bool         `json:"consumed"`
}

// Registry owns sessions and questions for the lifetime of one coordination
// run. All state is process memory; EndSession releases everything a session
// accumulated, waiters included.
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	order      []string // session ids in creation order, for stable listing
	questions  map[string]*Question
	waiters    *waiter.Registry[string, Notification]
	transports TransportProvider
	tele       *telemetry.Telemetry
	logger     *log.Logger
}

// NewRegistry builds a registry that acquires transports from provider.
// tele may be nil.
func NewRegistry(provider TransportProvider, tele *telemetry.Telemetry) *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		questions:  make(map[string]*Question),
		waiters:    waiter.NewRegistry[string, Notification](),
		transports: provider,
		tele:       tele,
		logger:     log.New(log.Writer(), "[SESSION] ", log.LstdFlags),
	}
}

// StartSession allocates a session and acquires its transport endpoint.
func (r *Registry) StartSession(title string) (*Session, error) {
	r.mu.Lock()
	id := newToken(sessionIDPrefix)
	for _, exists := r.sessions[id]; exists; _, exists = r.sessions[id] {
		id = newToken(sessionIDPrefix)
	}
	sess := &Session{ID: id, Title: title, CreatedAt: time.Now()}
	r.sessions[id] = sess
	r.order = append(r.order, id)
	r.mu.Unlock()

	tr, err := r.transports.Acquire(id)
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		r.order = r.order[:len(r.order)-1]
		r.mu.Unlock()
		return nil, fmt.Errorf("acquiring transport for session %s: %w", id, err)
	}

	r.mu.Lock()
	sess.transport = tr
	r.mu.Unlock()
	r.logger.Printf("session %s started (%s)", id, title)
	return sess, nil
}

// PushQuestion creates a pending question in the session and emits it to the
// transport. Question ids are unique for the registry's whole lifetime.
func (r *Registry) PushQuestion(sessionID string, qt QuestionType, cfg QuestionConfig) (string, error) {
	if !ValidQuestionType(qt) {
		return "", fmt.Errorf("%w: question type %s", ErrInvalidState, qt)
	}
	if err := cfg.Validate(qt); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	id := newToken(questionIDPrefix)
	for _, exists := r.questions[id]; exists; _, exists = r.questions[id] {
		id = newToken(questionIDPrefix)
	}
	q := &Question{
		ID:        id,
		SessionID: sessionID,
		Type:      qt,
		Config:    cfg,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	r.questions[id] = q
	sess.questions = append(sess.questions, q)
	tr := sess.transport
	r.mu.Unlock()

	r.tele.QuestionPushed()
	if tr != nil {
		if err := tr.SendQuestion(newQuestionEnvelope(q)); err != nil {
			// Keep the question pending: the client can still discover it via
			// listing and answer it over another path.
			r.logger.Printf("sending question %s on session %s: %v", id, sessionID, err)
		}
	}
	return id, nil
}

// HandleIncoming records an answer delivered by the transport. Messages for
// questions that are no longer pending are ignored, which makes duplicate
// delivery harmless.
func (r *Registry) HandleIncoming(sessionID string, env ResponseEnvelope) error {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	q, ok := r.questions[env.ID]
	if !ok || q.SessionID != sessionID {
		r.mu.Unlock()
		return fmt.Errorf("%w: question %s in session %s", ErrNotFound, env.ID, sessionID)
	}
	if q.Status != StatusPending {
		r.mu.Unlock()
		r.tele.DuplicateDelivery()
		r.logger.Printf("ignoring response for %s question %s", q.Status, env.ID)
		return nil
	}
	ans, err := DecodeAnswer(q.Type, q.Config, env.Answer)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	q.Status = StatusAnswered
	q.Answer = &ans
	q.AnsweredAt = time.Now()
	sess.answered = append(sess.answered, q.ID)
	note := Notification{QuestionID: q.ID, Status: StatusAnswered, Answer: &ans}
	r.mu.Unlock()

	r.tele.AnswerReceived()
	// Targeted waiters first, then the session-level "next answer" waiters.
	r.waiters.NotifyFirst(q.ID, note)
	r.waiters.NotifyFirst(sessionID, note)
	return nil
}

// GetAnswer returns the state of one question, optionally blocking until it
// is answered, cancelled, or the timeout elapses.
func (r *Registry) GetAnswer(questionID string, block bool, timeout time.Duration) AnswerResult {
	r.mu.Lock()
	q, ok := r.questions[questionID]
	if !ok {
		r.mu.Unlock()
		return AnswerResult{Status: ResultNotFound, QuestionID: questionID}
	}
	switch q.Status {
	case StatusAnswered:
		res := AnswerResult{Completed: true, Status: ResultCompleted, QuestionID: questionID, Answer: q.Answer}
		r.mu.Unlock()
		return res
	case StatusCancelled:
		r.mu.Unlock()
		return AnswerResult{Status: ResultCancelled, QuestionID: questionID}
	}
	if !block {
		r.mu.Unlock()
		return AnswerResult{Status: ResultPending, QuestionID: questionID}
	}
	// Register before unlocking so an answer arriving in the gap cannot be
	// missed.
	w := r.waiters.Prepare(questionID)
	r.mu.Unlock()

	if n, ok := w.Await(timeout); ok {
		return resultFromNotification(n)
	}
	r.tele.WaitOutcome(string(ResultTimeout))
	return AnswerResult{Status: ResultTimeout, QuestionID: questionID}
}

func resultFromNotification(n Notification) AnswerResult {
	if n.Status == StatusCancelled {
		return AnswerResult{Status: ResultCancelled, QuestionID: n.QuestionID}
	}
	return AnswerResult{Completed: true, Status: ResultCompleted, QuestionID: n.QuestionID, Answer: n.Answer}
}

// GetNextAnswer returns the oldest unconsumed answer in the session, in
// arrival order: a question answered first surfaces first even when it was
// pushed after its siblings. With block set it suspends until a new answer
// lands, then rescans once.
func (r *Registry) GetNextAnswer(sessionID string, block bool, timeout time.Duration) AnswerResult {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return AnswerResult{Status: ResultNotFound}
	}
	if res, found := r.takeNextAnsweredLocked(sess); found {
		r.mu.Unlock()
		return res
	}
	if !block {
		status := ResultNonePending
		if hasPending(sess) {
			status = ResultPending
		}
		r.mu.Unlock()
		return AnswerResult{Status: status}
	}
	w := r.waiters.Prepare(sessionID)
	r.mu.Unlock()

	_, woken := w.Await(timeout)

	r.mu.Lock()
	defer r.mu.Unlock()
	if res, found := r.takeNextAnsweredLocked(sess); found {
		return res
	}
	if !hasPending(sess) {
		r.tele.WaitOutcome(string(ResultNonePending))
		return AnswerResult{Status: ResultNonePending}
	}
	if woken {
		// Another caller consumed the answer between the wake and our rescan.
		return AnswerResult{Status: ResultPending}
	}
	r.tele.WaitOutcome(string(ResultTimeout))
	return AnswerResult{Status: ResultTimeout}
}

// takeNextAnsweredLocked pops the head of the session's arrival-order queue.
func (r *Registry) takeNextAnsweredLocked(sess *Session) (AnswerResult, bool) {
	for len(sess.answered) > 0 {
		id := sess.answered[0]
		sess.answered = sess.answered[1:]
		q, ok := r.questions[id]
		if !ok || q.Status != StatusAnswered || q.consumed {
			continue
		}
		q.consumed = true
		r.tele.WaitOutcome(string(ResultCompleted))
		return AnswerResult{Completed: true, Status: ResultCompleted, QuestionID: q.ID, Answer: q.Answer}, true
	}
	return AnswerResult{}, false
}

func hasPending(sess *Session) bool {
	for _, q := range sess.questions {
		if q.Status == StatusPending {
			return true
		}
	}
	return false
}

// CancelQuestion moves a pending question to cancelled and releases every
// waiter blocked on it so nothing waits on an answer that will never come.
func (r *Registry) CancelQuestion(questionID string) error {
	r.mu.Lock()
	q, ok := r.questions[questionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: question %s", ErrNotFound, questionID)
	}
	if q.Status != StatusPending {
		r.mu.Unlock()
		return fmt.Errorf("%w: question %s is %s", ErrInvalidState, questionID, q.Status)
	}
	q.Status = StatusCancelled
	sess := r.sessions[q.SessionID]
	var tr Transport
	if sess != nil {
		tr = sess.transport
	}
	r.mu.Unlock()

	r.tele.QuestionCancelled()
	r.waiters.NotifyAll(questionID, Notification{QuestionID: questionID, Status: StatusCancelled})
	if tr != nil {
		if err := tr.SendCancel(questionID); err != nil {
			r.logger.Printf("sending cancel for %s: %v", questionID, err)
		}
	}
	return nil
}

// ListQuestions returns every question, optionally scoped to one session, in
// session-creation then insertion order.
func (r *Registry) ListQuestions(sessionFilter string) []QuestionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []QuestionInfo
	for _, sid := range r.order {
		if sessionFilter != "" && sid != sessionFilter {
			continue
		}
		sess, ok := r.sessions[sid]
		if !ok {
			continue
		}
		for _, q := range sess.questions {
			out = append(out, QuestionInfo{
				ID:        q.ID,
				SessionID: q.SessionID,
				Type:      q.Type,
				Status:    q.Status,
				Consumed:  q.consumed,
			})
		}
	}
	return out
}

// EndSession closes the transport and releases every question and waiter the
// session owns. Returns false for an unknown session instead of erroring.
func (r *Registry) EndSession(sessionID string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, sessionID)
	for i, sid := range r.order {
		if sid == sessionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	questions := sess.questions
	for _, q := range questions {
		delete(r.questions, q.ID)
	}
	tr := sess.transport
	r.mu.Unlock()

	for _, q := range questions {
		r.waiters.ClearAll(q.ID)
	}
	r.waiters.ClearAll(sessionID)

	if tr != nil {
		if err := tr.SendEnd(); err != nil {
			r.logger.Printf("sending end for session %s: %v", sessionID, err)
		}
		if err := tr.Close(); err != nil {
			r.logger.Printf("closing transport for session %s: %v", sessionID, err)
		}
	}
	r.logger.Printf("session %s ended (%d questions released)", sessionID, len(questions))
	return true
}

// HasSession reports whether the session still exists.
func (r *Registry) HasSession(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// IsNotFound reports whether err is the registry's NotFound error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
