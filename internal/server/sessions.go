package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/panoptes-ai/panoptes/internal/toolchan"
)

type createSessionRequest struct {
	ServerType string `json:"server_type"`
	SessionID  string `json:"session_id,omitempty"`
}

type createSessionResponse struct {
	Status         string   `json:"status"`
	SessionID      string   `json:"session_id,omitempty"`
	ServerType     string   `json:"server_type,omitempty"`
	AvailableTools []string `json:"available_tools,omitempty"`
	Message        string   `json:"message,omitempty"`
}

type queryRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ServerType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "server_type is required")
	}

	sess, err := s.createSession(c.Request().Context(), req.ServerType, req.SessionID)
	if err != nil {
		s.logger.Printf("session create failed: %v", err)
		return c.JSON(http.StatusOK, createSessionResponse{
			Status:  "error",
			Message: err.Error(),
		})
	}

	sessionsCreatedTotal.WithLabelValues(sess.ServerType).Inc()
	return c.JSON(http.StatusOK, createSessionResponse{
		Status:         "connected",
		SessionID:      sess.ID,
		ServerType:     sess.ServerType,
		AvailableTools: toolNames(sess.Channel.Tools()),
	})
}

func (s *Server) handleQuery(c echo.Context) error {
	sess, ok := s.registry.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	sess.Touch()
	answer, err := sess.Orchestrator.ProcessQuery(c.Request().Context(), req.Query, nil)
	if err != nil {
		queriesTotal.WithLabelValues(sess.ServerType, "error").Inc()
		s.logger.Printf("query on session %s failed: %v", sess.ID, err)
		return c.JSON(http.StatusInternalServerError, map[string]any{
			"status":  "error",
			"message": err.Error(),
		})
	}
	queriesTotal.WithLabelValues(sess.ServerType, "success").Inc()
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "success",
		"response": answer,
	})
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	s.registry.Delete(c.Param("id"))
	activeSessions.Set(float64(s.registry.Count()))
	return c.JSON(http.StatusOK, map[string]any{"status": "success"})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "healthy",
		"active_sessions": s.registry.Count(),
	})
}

func (s *Server) handleServerTypes(c echo.Context) error {
	types := make([]map[string]any, 0, len(s.cfg.Tools.Servers))
	for name, svc := range s.cfg.Tools.Servers {
		types = append(types, map[string]any{
			"name":        name,
			"description": svc.Description,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"server_types": types})
}

func (s *Server) handleUsage(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"tokens":     s.tele.Tokens.Summary(),
		"operations": s.tele.Operations.Snapshot(),
	})
}

func toolNames(tools []toolchan.ToolDescriptor) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Name)
	}
	return out
}
