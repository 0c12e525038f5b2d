// Package server exposes the elicitation engine over HTTP: a runs API to
// start and inspect coordination runs, an answer intake endpoint, and the
// websocket attach point for answering clients.
package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elicit-dev/elicit/config"
	"github.com/elicit-dev/elicit/internal/branch"
	"github.com/elicit-dev/elicit/internal/coordinator"
	"github.com/elicit-dev/elicit/internal/decision"
	"github.com/elicit-dev/elicit/internal/elicitation"
	"github.com/elicit-dev/elicit/internal/telemetry"
	"github.com/elicit-dev/elicit/internal/transport/ws"
)

// Server wires the registry, branch store, coordinator and websocket hub
// behind an echo instance.
type Server struct {
	e        *echo.Echo
	cfg      *config.Config
	hub      *ws.Hub
	registry *elicitation.Registry
	branches *branch.Store
	coord    *coordinator.Coordinator
	runs     *runManager
	logger   *log.Logger
}

// New assembles a server around the given decision collaborator. The
// collaborator is injected so tests can drive runs with a scripted decider.
func New(cfg *config.Config, decider coordinator.Decider) *Server {
	var tele *telemetry.Telemetry
	if cfg.Telemetry.Enabled {
		tele = telemetry.New(prometheus.DefaultRegisterer)
	}
	hub := ws.NewHub()
	registry := elicitation.NewRegistry(hub, tele)
	hub.SetResponseHandler(registry.HandleIncoming)
	branches := branch.NewStore()
	coord := coordinator.New(registry, branches, decider, coordinator.Options{
		MaxIterations:  cfg.Coordination.MaxIterations,
		AnswerTimeout:  cfg.Coordination.AnswerTimeout,
		ReviewTimeout:  cfg.Coordination.ReviewTimeout,
		ReviewEnabled:  cfg.Coordination.ReviewEnabled,
		MaxConcurrency: cfg.Coordination.MaxConcurrency,
	}, tele)

	s := &Server{
		cfg:      cfg,
		hub:      hub,
		registry: registry,
		branches: branches,
		coord:    coord,
		runs:     newRunManager(),
		logger:   log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}
	s.e = s.buildEcho()
	return s
}

func (s *Server) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		s.logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if s.cfg.Telemetry.Enabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	api := e.Group("/api")
	rh := &RunsHandler{Coord: s.coord, Runs: s.runs, Logger: s.logger}
	rh.Register(api.Group("/runs"))

	api.POST("/sessions/:id/answers", s.handleAnswer)
	api.GET("/questions", s.handleListQuestions)

	e.GET("/ws/:session_id", s.handleAttach)
	return e
}

// handleAnswer accepts an answer over plain HTTP, for clients that answer
// out-of-band instead of over the session websocket.
func (s *Server) handleAnswer(c echo.Context) error {
	sessionID := c.Param("id")
	body, err := readBody(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	env, err := elicitation.DecodeResponse(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.registry.HandleIncoming(sessionID, env); err != nil {
		if elicitation.IsNotFound(err) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted", "question_id": env.ID})
}

func (s *Server) handleListQuestions(c echo.Context) error {
	infos := s.registry.ListQuestions(c.QueryParam("session_id"))
	if infos == nil {
		infos = []elicitation.QuestionInfo{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"questions": infos})
}

func (s *Server) handleAttach(c echo.Context) error {
	sessionID := c.Param("session_id")
	if err := s.hub.Attach(sessionID, c.Response(), c.Request()); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return nil
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty request body")
	}
	return body, nil
}

// Start serves until SIGINT/SIGTERM, then drains in-flight requests within
// the configured shutdown timeout. Running coordination loops finish on their
// own contexts.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.e.Start(s.cfg.Server.Address); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.logger.Printf("listening on %s", s.cfg.Server.Address)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		s.logger.Printf("received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return s.e.Shutdown(ctx)
}

// Run builds the OpenAI-backed collaborator from config and serves. Entry
// point for the serve command.
func Run(cfg *config.Config) error {
	if err := cfg.LLM.Validate(); err != nil {
		return err
	}
	decider, err := decision.New(decision.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	})
	if err != nil {
		return err
	}
	return New(cfg, decider).Start()
}
