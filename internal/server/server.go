package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/panoptes-ai/panoptes/config"
	"github.com/panoptes-ai/panoptes/internal/agent/core"
	"github.com/panoptes-ai/panoptes/internal/agent/telemetry"
	"github.com/panoptes-ai/panoptes/internal/session"
	"github.com/panoptes-ai/panoptes/internal/toolchan"
)

// Server is the HTTP gateway: sessions, queries, streaming and health.
type Server struct {
	cfg      *config.Config
	registry *session.Registry
	tele     *telemetry.Telemetry
	provider core.LLMProvider
	logger   *log.Logger

	// swappable for tests
	dial        toolchan.Dialer
	waitTimeout time.Duration
}

// New wires the server's dependencies
func New(cfg *config.Config) (*Server, error) {
	provider, err := core.NewLLMProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	tele := telemetry.NewTelemetry(cfg.Telemetry)
	return &Server{
		cfg:         cfg,
		registry:    session.NewRegistry(nil),
		tele:        tele,
		provider:    provider,
		logger:      log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
		dial:        toolchan.StdioDial,
		waitTimeout: streamWaitTimeout,
	}, nil
}

// Echo builds the router with all routes registered
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := s.logger
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
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     s.cfg.Server.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/server-types", s.handleServerTypes)
	api.GET("/usage", s.handleUsage)
	api.POST("/sessions", s.handleCreateSession)
	api.POST("/sessions/:id/query", s.handleQuery)
	api.GET("/sessions/:id/query-stream", s.handleQueryStream)
	api.DELETE("/sessions/:id", s.handleDeleteSession)

	return e
}

// Run starts the server and the session janitor, blocking until the
// listener stops. Sessions are torn down on exit.
func (s *Server) Run() error {
	if s.cfg.Session.JanitorSchedule != "" {
		if err := s.registry.StartJanitor(s.cfg.Session.JanitorSchedule, s.cfg.Session.IdleTTL); err != nil {
			return fmt.Errorf("janitor: %w", err)
		}
	}
	defer s.registry.Shutdown()

	addr := s.cfg.Server.Address
	if addr == "" {
		addr = ":8000"
	}
	s.logger.Printf("listening on %s", addr)
	return s.Echo().Start(addr)
}

// createSession launches a tool server and builds the session's
// channel and orchestrator. A session with the same id is replaced.
func (s *Server) createSession(ctx context.Context, serverType, id string) (*session.Session, error) {
	svc, ok := s.cfg.Tools.Servers[serverType]
	if !ok {
		return nil, fmt.Errorf("unknown server type %q", serverType)
	}
	if id == "" {
		id = uuid.NewString()
	}

	ch := toolchan.NewChannel(nil, s.dial)
	if err := ch.Connect(ctx, toolchan.Endpoint{Command: svc.Command, Args: svc.Args}); err != nil {
		return nil, err
	}

	routing := s.cfg.LLM.Routing
	gateway := core.NewGateway(s.provider, routing.Analysis, routing.Fallback, s.tele.Tokens, nil)
	orch := core.NewOrchestrator(gateway, ch, s.tele, routing, nil)

	sess := &session.Session{
		ID:           id,
		ServerType:   serverType,
		Channel:      ch,
		Orchestrator: orch,
	}
	s.registry.Put(sess)
	activeSessions.Set(float64(s.registry.Count()))
	return sess, nil
}
