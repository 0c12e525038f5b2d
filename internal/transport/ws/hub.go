// Package ws provides the websocket transport for sessions: one socket per
// session, outbound question/cancel/end envelopes, inbound response
// envelopes. Outbound traffic is buffered until a client attaches, and a
// dropped socket may re-attach without losing the session.
package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/elicit-dev/elicit/internal/elicitation"
)

// writeWait bounds every socket write so a stalled client cannot wedge the
// goroutine pushing questions to it.
const writeWait = 10 * time.Second

// ResponseHandler receives validated inbound answers.
type ResponseHandler func(sessionID string, env elicitation.ResponseEnvelope) error

// Hub acquires transport endpoints for the session registry and attaches
// websocket clients to them.
type Hub struct {
	mu         sync.Mutex
	endpoints  map[string]*endpoint
	onResponse ResponseHandler
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

// NewHub creates an empty hub. The response handler must be set before any
// client attaches.
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[string]*endpoint),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[WS] ", log.LstdFlags),
	}
}

// SetResponseHandler wires inbound answers to the registry. Set once at
// startup, before serving.
func (h *Hub) SetResponseHandler(fn ResponseHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onResponse = fn
}

// Acquire implements elicitation.TransportProvider.
func (h *Hub) Acquire(sessionID string) (elicitation.Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.endpoints[sessionID]; exists {
		return nil, fmt.Errorf("transport for session %s already acquired", sessionID)
	}
	ep := &endpoint{hub: h, sessionID: sessionID}
	h.endpoints[sessionID] = ep
	return ep, nil
}

// Attach upgrades the request to a websocket and binds it to the session's
// endpoint, flushing any backlog, then pumps inbound frames until the socket
// drops. Closing the socket leaves the session intact for re-attachment.
func (h *Hub) Attach(sessionID string, w http.ResponseWriter, r *http.Request) error {
	h.mu.Lock()
	ep, ok := h.endpoints[sessionID]
	handler := h.onResponse
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no transport for session %s", sessionID)
	}
	if handler == nil {
		return fmt.Errorf("hub has no response handler")
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrading session %s: %w", sessionID, err)
	}
	if err := ep.attach(conn); err != nil {
		_ = conn.Close()
		return err
	}
	h.logger.Printf("client attached to session %s", sessionID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			ep.detach(conn)
			h.logger.Printf("client left session %s: %v", sessionID, err)
			return nil
		}
		env, err := elicitation.DecodeResponse(data)
		if err != nil {
			h.logger.Printf("dropping invalid frame on session %s: %v", sessionID, err)
			continue
		}
		if err := handler(sessionID, env); err != nil {
			h.logger.Printf("response for question %s rejected: %v", env.ID, err)
		}
	}
}

func (h *Hub) remove(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, sessionID)
}

// endpoint is one session's transport handle.
type endpoint struct {
	hub       *Hub
	sessionID string

	mu      sync.Mutex
	conn    *websocket.Conn
	backlog [][]byte
	closed  bool
}

func (ep *endpoint) attach(conn *websocket.Conn) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return fmt.Errorf("session %s transport is closed", ep.sessionID)
	}
	if ep.conn != nil {
		return fmt.Errorf("session %s already has a client attached", ep.sessionID)
	}
	ep.conn = conn
	for _, frame := range ep.backlog {
		if err := writeFrame(conn, frame); err != nil {
			ep.conn = nil
			return fmt.Errorf("flushing backlog for session %s: %w", ep.sessionID, err)
		}
	}
	ep.backlog = nil
	return nil
}

func (ep *endpoint) detach(conn *websocket.Conn) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.conn == conn {
		ep.conn = nil
	}
}

func (ep *endpoint) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return fmt.Errorf("session %s transport is closed", ep.sessionID)
	}
	if ep.conn == nil {
		ep.backlog = append(ep.backlog, data)
		return nil
	}
	return writeFrame(ep.conn, data)
}

func writeFrame(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendQuestion implements elicitation.Transport.
func (ep *endpoint) SendQuestion(q elicitation.QuestionEnvelope) error {
	return ep.send(q)
}

// SendCancel implements elicitation.Transport.
func (ep *endpoint) SendCancel(questionID string) error {
	return ep.send(elicitation.CancelEnvelope{Type: "cancel", ID: questionID})
}

// SendEnd implements elicitation.Transport.
func (ep *endpoint) SendEnd() error {
	return ep.send(elicitation.EndEnvelope{Type: "end"})
}

// Close implements elicitation.Transport. The endpoint is unusable afterward.
func (ep *endpoint) Close() error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	conn := ep.conn
	ep.conn = nil
	ep.backlog = nil
	ep.mu.Unlock()

	ep.hub.remove(ep.sessionID)
	if conn != nil {
		return conn.Close()
	}
	return nil
}
