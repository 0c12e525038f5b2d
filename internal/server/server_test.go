package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/elicit-dev/elicit/config"
	"github.com/elicit-dev/elicit/internal/coordinator"
	"github.com/elicit-dev/elicit/internal/elicitation"
)

type deciderFunc func(ctx context.Context, input coordinator.DecisionInput) (coordinator.Decision, error)

func (f deciderFunc) Decide(ctx context.Context, input coordinator.DecisionInput) (coordinator.Decision, error) {
	return f(ctx, input)
}

// oneAnswerDecider closes a branch as soon as it has one answered entry.
func oneAnswerDecider() coordinator.Decider {
	return deciderFunc(func(ctx context.Context, input coordinator.DecisionInput) (coordinator.Decision, error) {
		if len(input.History) > 0 && input.History[len(input.History)-1].Answer != nil {
			return coordinator.Decision{Done: true, Finding: "confirmed " + input.Scope}, nil
		}
		return coordinator.Decision{Question: &coordinator.QuestionSpec{
			Type:   elicitation.QuestionConfirm,
			Config: elicitation.QuestionConfig{Prompt: "proceed with " + input.Scope + "?"},
		}}, nil
	})
}

func newTestServer(t *testing.T, decider coordinator.Decider) *Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Address = ":0"
	cfg.Server.ShutdownTimeout = time.Second
	cfg.Coordination = config.CoordinationConfig{
		MaxIterations:  20,
		AnswerTimeout:  300 * time.Millisecond,
		ReviewTimeout:  300 * time.Millisecond,
		MaxConcurrency: 2,
	}
	// Telemetry stays off: the default prometheus registerer is process-global
	// and would reject a second server's collectors.
	return New(cfg, decider)
}

func doJSON(t *testing.T, s *Server, method, path string, body string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	fields := make(map[string]json.RawMessage)
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &fields); err != nil {
			t.Fatalf("%s %s: non-JSON body %q", method, path, rec.Body.String())
		}
	}
	return rec, fields
}

func str(t *testing.T, fields map[string]json.RawMessage, key string) string {
	t.Helper()
	var v string
	if err := json.Unmarshal(fields[key], &v); err != nil {
		t.Fatalf("field %q: %v", key, err)
	}
	return v
}

func waitForRunFinish(t *testing.T, s *Server, runID string) map[string]json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, fields := doJSON(t, s, http.MethodGet, "/api/runs/"+runID, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET run: %d %s", rec.Code, rec.Body.String())
		}
		if str(t, fields, "status") == "finished" {
			return fields
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("run never finished")
	return nil
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, oneAnswerDecider())

	body := `{"title":"trip","request":"plan a trip","branches":[{"id":"dates","scope":"travel dates","initial":{"type":"confirm","config":{"prompt":"dates fixed?"}}}]}`
	rec, fields := doJSON(t, s, http.MethodPost, "/api/runs", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST run: %d %s", rec.Code, rec.Body.String())
	}
	runID := str(t, fields, "id")
	sessionID := str(t, fields, "session_id")
	if runID == "" || sessionID == "" {
		t.Fatalf("missing ids in response: %s", rec.Body.String())
	}

	// Find the pending question and answer it over HTTP.
	rec, _ = doJSON(t, s, http.MethodGet, "/api/questions?session_id="+sessionID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET questions: %d", rec.Code)
	}
	var listing struct {
		Questions []elicitation.QuestionInfo `json:"questions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decoding questions: %v", err)
	}
	if len(listing.Questions) != 1 || listing.Questions[0].Status != elicitation.StatusPending {
		t.Fatalf("expected one pending question, got %+v", listing.Questions)
	}
	qid := listing.Questions[0].ID

	answer := fmt.Sprintf(`{"type":"response","id":"%s","answer":true}`, qid)
	rec, _ = doJSON(t, s, http.MethodPost, "/api/sessions/"+sessionID+"/answers", answer)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST answer: %d %s", rec.Code, rec.Body.String())
	}

	fields = waitForRunFinish(t, s, runID)
	var result coordinator.Result
	if err := json.Unmarshal(fields["result"], &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if !result.AllComplete || result.Branches[0].Finding != "confirmed travel dates" {
		t.Fatalf("unexpected result: %+v", result)
	}

	rec, _ = doJSON(t, s, http.MethodDelete, "/api/runs/"+runID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE run: %d", rec.Code)
	}
	rec, _ = doJSON(t, s, http.MethodGet, "/api/runs/"+runID, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("deleted run must 404, got %d", rec.Code)
	}
}

func TestCreateRunRejectsEmptyBranches(t *testing.T) {
	s := newTestServer(t, oneAnswerDecider())
	rec, _ := doJSON(t, s, http.MethodPost, "/api/runs", `{"title":"empty","request":"r","branches":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestAnswerForUnknownSession(t *testing.T) {
	s := newTestServer(t, oneAnswerDecider())
	rec, _ := doJSON(t, s, http.MethodPost, "/api/sessions/s_missing/answers", `{"type":"response","id":"q_x","answer":true}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestAnswerRejectsBadEnvelope(t *testing.T) {
	s := newTestServer(t, oneAnswerDecider())
	rec, _ := doJSON(t, s, http.MethodPost, "/api/sessions/s_any/answers", `{"type":"nonsense"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestWebSocketAnswerFlow(t *testing.T) {
	s := newTestServer(t, oneAnswerDecider())
	ts := httptest.NewServer(s.e)
	defer ts.Close()

	body := `{"title":"ws","request":"r","branches":[{"id":"b1","scope":"scope","initial":{"type":"confirm","config":{"prompt":"go?"}}}]}`
	rec, fields := doJSON(t, s, http.MethodPost, "/api/runs", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST run: %d %s", rec.Code, rec.Body.String())
	}
	runID := str(t, fields, "id")
	sessionID := str(t, fields, "session_id")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", wsURL, err)
	}
	defer conn.Close()

	// The seed question was pushed before we attached; the hub flushes it
	// from the backlog on attach.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var q elicitation.QuestionEnvelope
	if err := conn.ReadJSON(&q); err != nil {
		t.Fatalf("reading question: %v", err)
	}
	if q.Type != "question" || q.QuestionType != elicitation.QuestionConfirm {
		t.Fatalf("unexpected frame: %+v", q)
	}

	if err := conn.WriteJSON(map[string]interface{}{"type": "response", "id": q.ID, "answer": true}); err != nil {
		t.Fatalf("writing answer: %v", err)
	}

	fields = waitForRunFinish(t, s, runID)
	var result coordinator.Result
	if err := json.Unmarshal(fields["result"], &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if !result.AllComplete {
		t.Fatalf("unexpected result: %+v", result)
	}

	// The run teardown sends an end frame before closing the socket.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var frame map[string]interface{}
		if err := conn.ReadJSON(&frame); err != nil {
			break // socket closed by the server
		}
		if frame["type"] == "end" {
			return
		}
	}
}

func TestAttachUnknownSession(t *testing.T) {
	s := newTestServer(t, oneAnswerDecider())
	ts := httptest.NewServer(s.e)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/s_missing"
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("attaching to an unknown session must fail")
	}
}
