package server

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/elicit-dev/elicit/internal/coordinator"
)

// runState tracks one coordination run from submission to its final report.
type runState struct {
	ID        string              `json:"id"`
	SessionID string              `json:"session_id"`
	Status    string              `json:"status"` // running | finished
	StartedAt time.Time           `json:"started_at"`
	Result    *coordinator.Result `json:"result,omitempty"`

	cancel context.CancelFunc
}

// runManager keeps finished runs around so clients can fetch the report after
// the loop exits; DELETE evicts them.
type runManager struct {
	mu   sync.Mutex
	runs map[string]*runState
}

func newRunManager() *runManager {
	return &runManager{runs: make(map[string]*runState)}
}

func (m *runManager) put(rs *runState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[rs.ID] = rs
}

// get returns a snapshot so handlers never marshal a run the loop goroutine
// is still mutating.
func (m *runManager) get(id string) (runState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.runs[id]
	if !ok {
		return runState{}, false
	}
	return *rs, true
}

func (m *runManager) finish(id string, res coordinator.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.runs[id]; ok {
		rs.Status = "finished"
		rs.Result = &res
	}
}

func (m *runManager) remove(id string) (*runState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.runs[id]
	if ok {
		delete(m.runs, id)
	}
	return rs, ok
}

func (m *runManager) list() []runState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]runState, 0, len(m.runs))
	for _, rs := range m.runs {
		out = append(out, *rs)
	}
	return out
}

// RunsHandler serves the runs API.
type RunsHandler struct {
	Coord  *coordinator.Coordinator
	Runs   *runManager
	Logger *log.Logger
}

func (h *RunsHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.delete)
}

type createRunResponse struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// create prepares a run, returns its id and session id immediately, and
// drives the coordination loop in the background. The caller attaches a
// websocket to the session id to receive questions.
func (h *RunsHandler) create(c echo.Context) error {
	var req coordinator.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run request: "+err.Error())
	}
	handle, err := h.Coord.Prepare(uuid.NewString(), req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs := &runState{
		ID:        handle.ID(),
		SessionID: handle.SessionID(),
		Status:    "running",
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	h.Runs.put(rs)

	go func() {
		defer cancel()
		res := handle.Execute(ctx)
		h.Runs.finish(rs.ID, res)
		h.Logger.Printf("run %s finished: %s", rs.ID, res.Reason)
	}()

	return c.JSON(http.StatusAccepted, createRunResponse{
		ID:        rs.ID,
		SessionID: rs.SessionID,
		Status:    rs.Status,
	})
}

func (h *RunsHandler) list(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": h.Runs.list()})
}

func (h *RunsHandler) get(c echo.Context) error {
	rs, ok := h.Runs.get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, rs)
}

// delete cancels a running run and evicts its record. Cancelling unblocks the
// loop at its next answer wait; the loop tears the session down itself.
func (h *RunsHandler) delete(c echo.Context) error {
	rs, ok := h.Runs.remove(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if rs.cancel != nil {
		rs.cancel()
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted", "id": rs.ID})
}
