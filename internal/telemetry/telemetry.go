// Package telemetry exposes prometheus metrics for the elicitation engine.
// A nil *Telemetry is valid everywhere and records nothing, so library
// packages stay usable without monitoring wired in.
package telemetry

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry aggregates the engine's metric instruments.
type Telemetry struct {
	logger *log.Logger

	questionsPushed     prometheus.Counter
	answersReceived     prometheus.Counter
	duplicateDeliveries prometheus.Counter
	questionsCancelled  prometheus.Counter
	waitOutcomes        *prometheus.CounterVec
	decisionLatency     prometheus.Histogram
	decisionFailures    prometheus.Counter
	branchCompletions   *prometheus.CounterVec
	runsStarted         prometheus.Counter
	runsFinished        *prometheus.CounterVec
}

// New registers the engine metrics on the given registerer (use
// prometheus.DefaultRegisterer for the /metrics endpoint).
func New(reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		questionsPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elicit_questions_pushed_total",
			Help: "Questions pushed to session transports",
		}),
		answersReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elicit_answers_received_total",
			Help: "Valid answers accepted from the transport",
		}),
		duplicateDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elicit_duplicate_deliveries_total",
			Help: "Response messages ignored because the question was not pending",
		}),
		questionsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elicit_questions_cancelled_total",
			Help: "Questions moved from pending to cancelled",
		}),
		waitOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elicit_answer_wait_outcomes_total",
			Help: "Blocking answer retrievals by outcome",
		}, []string{"outcome"}),
		decisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "elicit_decision_latency_seconds",
			Help:    "Latency of decision collaborator calls",
			Buckets: prometheus.DefBuckets,
		}),
		decisionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elicit_decision_failures_total",
			Help: "Decision collaborator calls that failed after retry",
		}),
		branchCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elicit_branch_completions_total",
			Help: "Branches reaching done, by cause",
		}, []string{"cause"}),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elicit_runs_started_total",
			Help: "Coordination runs started",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elicit_runs_finished_total",
			Help: "Coordination runs finished, by result",
		}, []string{"result"}),
	}
	for _, c := range []prometheus.Collector{
		t.questionsPushed, t.answersReceived, t.duplicateDeliveries,
		t.questionsCancelled, t.waitOutcomes, t.decisionLatency,
		t.decisionFailures, t.branchCompletions, t.runsStarted, t.runsFinished,
	} {
		if err := reg.Register(c); err != nil {
			t.logger.Printf("metric registration failed: %v", err)
		}
	}
	return t
}

func (t *Telemetry) QuestionPushed() {
	if t != nil {
		t.questionsPushed.Inc()
	}
}

func (t *Telemetry) AnswerReceived() {
	if t != nil {
		t.answersReceived.Inc()
	}
}

func (t *Telemetry) DuplicateDelivery() {
	if t != nil {
		t.duplicateDeliveries.Inc()
	}
}

func (t *Telemetry) QuestionCancelled() {
	if t != nil {
		t.questionsCancelled.Inc()
	}
}

// WaitOutcome records the result of a blocking retrieval: completed,
// cancelled, timeout or none_pending.
func (t *Telemetry) WaitOutcome(outcome string) {
	if t != nil {
		t.waitOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (t *Telemetry) DecisionCall(d time.Duration) {
	if t != nil {
		t.decisionLatency.Observe(d.Seconds())
	}
}

func (t *Telemetry) DecisionFailure() {
	if t != nil {
		t.decisionFailures.Inc()
	}
}

// BranchCompleted records a branch reaching done; cause is "decision" for a
// collaborator verdict and "fallback" for a defensive close.
func (t *Telemetry) BranchCompleted(cause string) {
	if t != nil {
		t.branchCompletions.WithLabelValues(cause).Inc()
	}
}

func (t *Telemetry) RunStarted() {
	if t != nil {
		t.runsStarted.Inc()
	}
}

// RunFinished records the terminal state of a run: complete, partial or error.
func (t *Telemetry) RunFinished(result string) {
	if t != nil {
		t.runsFinished.WithLabelValues(result).Inc()
	}
}
