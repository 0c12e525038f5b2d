package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/elicit-dev/elicit/internal/elicitation"
)

func TestAcquireRejectsDuplicateSession(t *testing.T) {
	h := NewHub()
	if _, err := h.Acquire("s_one"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := h.Acquire("s_one"); err == nil {
		t.Fatal("second acquire for the same session must fail")
	}
}

func TestSendBuffersUntilClientAttaches(t *testing.T) {
	h := NewHub()
	tr, err := h.Acquire("s_buf")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// No client attached: outbound frames land in the backlog, not an error.
	env := elicitation.QuestionEnvelope{Type: "question", ID: "q_1", QuestionType: elicitation.QuestionConfirm}
	if err := tr.SendQuestion(env); err != nil {
		t.Fatalf("SendQuestion without client: %v", err)
	}
	if err := tr.SendCancel("q_1"); err != nil {
		t.Fatalf("SendCancel without client: %v", err)
	}
	ep := tr.(*endpoint)
	ep.mu.Lock()
	backlog := len(ep.backlog)
	ep.mu.Unlock()
	if backlog != 2 {
		t.Fatalf("expected 2 backlogged frames, got %d", backlog)
	}
}

func TestAttachFlushesBacklogAndDeliversLiveFrames(t *testing.T) {
	h := NewHub()
	responses := make(chan elicitation.ResponseEnvelope, 1)
	h.SetResponseHandler(func(sessionID string, env elicitation.ResponseEnvelope) error {
		responses <- env
		return nil
	})
	tr, err := h.Acquire("s_live")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Pushed before any client is connected; must arrive on attach.
	backlogged := elicitation.QuestionEnvelope{Type: "question", ID: "q_first", QuestionType: elicitation.QuestionConfirm}
	if err := tr.SendQuestion(backlogged); err != nil {
		t.Fatalf("SendQuestion before attach: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.Attach("s_live", w, r)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var q elicitation.QuestionEnvelope
	if err := conn.ReadJSON(&q); err != nil {
		t.Fatalf("reading backlogged frame: %v", err)
	}
	if q.ID != "q_first" {
		t.Fatalf("unexpected frame: %+v", q)
	}

	// Live send with the client attached.
	live := elicitation.QuestionEnvelope{Type: "question", ID: "q_second", QuestionType: elicitation.QuestionFreeText}
	if err := tr.SendQuestion(live); err != nil {
		t.Fatalf("SendQuestion after attach: %v", err)
	}
	if err := conn.ReadJSON(&q); err != nil {
		t.Fatalf("reading live frame: %v", err)
	}
	if q.ID != "q_second" {
		t.Fatalf("unexpected frame: %+v", q)
	}

	// Inbound response flows to the handler.
	if err := conn.WriteJSON(map[string]interface{}{"type": "response", "id": "q_second", "answer": "done"}); err != nil {
		t.Fatalf("writing response: %v", err)
	}
	select {
	case env := <-responses:
		if env.ID != "q_second" {
			t.Fatalf("unexpected response envelope: %+v", env)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("response never reached the handler")
	}
}

func TestCloseReleasesSession(t *testing.T) {
	h := NewHub()
	tr, err := h.Acquire("s_close")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close must be idempotent: %v", err)
	}
	if err := tr.SendEnd(); err == nil {
		t.Fatal("send on a closed transport must fail")
	}
	// The session slot is free again.
	if _, err := h.Acquire("s_close"); err != nil {
		t.Fatalf("re-acquire after close: %v", err)
	}
}
