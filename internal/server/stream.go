package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/panoptes-ai/panoptes/internal/agent/core"
)

const (
	// streamWaitTimeout is how long one wait for the next event may
	// take before a keepalive goes out.
	streamWaitTimeout = 20 * time.Second
	// maxConsecutiveTimeouts aborts a stream whose processing finished
	// but never produced a terminal event.
	maxConsecutiveTimeouts = 3

	streamEventBuffer = 64
)

// handleQueryStream streams progress for one query as server-sent
// events. An unknown session yields a single error event, not an HTTP
// error, so EventSource clients see a well-formed stream either way.
func (s *Server) handleQueryStream(c echo.Context) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	sess, ok := s.registry.Get(c.Param("id"))
	if !ok {
		writeEvent(c, map[string]any{"type": "error", "message": "session not found"})
		return nil
	}
	query := c.QueryParam("query")
	if query == "" {
		writeEvent(c, map[string]any{"type": "error", "message": "query is required"})
		return nil
	}
	sess.Touch()

	ctx, cancel := context.WithCancel(c.Request().Context())
	events := make(chan core.ProgressEvent, streamEventBuffer)
	done := make(chan struct{})

	// terminal events must not be lost; progress may be dropped when
	// the client cannot keep up
	sendTerminal := func(ev core.ProgressEvent) {
		if ctx.Err() != nil {
			return // client gone, nothing more goes out
		}
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	go func() {
		defer close(done)
		answer, err := sess.Orchestrator.ProcessQuery(ctx, query, func(ev core.ProgressEvent) {
			select {
			case events <- ev:
			default:
			}
		})
		if err != nil {
			queriesTotal.WithLabelValues(sess.ServerType, "error").Inc()
			sendTerminal(core.ProgressEvent{Type: "error", Message: err.Error()})
			return
		}
		queriesTotal.WithLabelValues(sess.ServerType, "success").Inc()
		sendTerminal(core.ProgressEvent{Type: "final", Message: answer})
	}()
	defer func() {
		cancel()
		<-done
	}()

	writeEvent(c, map[string]any{"type": "progress", "message": "Analyzing your request..."})

	consecutiveTimeouts := 0
	for {
		select {
		case ev := <-events:
			consecutiveTimeouts = 0
			writeEvent(c, streamPayload(ev))
			if ev.Type == "final" || ev.Type == "error" {
				return nil
			}
		case <-time.After(s.waitTimeout):
			consecutiveTimeouts++
			taskDone := isClosed(done)
			if taskDone && len(events) == 0 && consecutiveTimeouts >= maxConsecutiveTimeouts {
				s.logger.Printf("stream for session %s timed out waiting for terminal event", sess.ID)
				writeEvent(c, map[string]any{
					"type":    "error",
					"message": "processing timed out",
				})
				return nil
			}
			writeEvent(c, map[string]any{
				"type":                 "keepalive",
				"consecutive_timeouts": consecutiveTimeouts,
				"processing_complete":  taskDone,
				"queue_empty":          len(events) == 0,
				"final_sent":           false,
				"timestamp":            time.Now().UTC().Format(time.RFC3339),
			})
		case <-c.Request().Context().Done():
			s.logger.Printf("stream client for session %s disconnected", sess.ID)
			return nil
		}
	}
}

func streamPayload(ev core.ProgressEvent) map[string]any {
	out := map[string]any{"type": ev.Type}
	switch ev.Type {
	case "final":
		out["response"] = ev.Message
	case "error":
		out["message"] = ev.Message
	default:
		out["message"] = ev.Message
		if ev.TotalSteps > 0 {
			out["step"] = ev.Step
			out["total_steps"] = ev.TotalSteps
		}
		if ev.Status != "" {
			out["status"] = ev.Status
		}
		if len(ev.Details) > 0 {
			out["details"] = ev.Details
		}
	}
	return out
}

func writeEvent(c echo.Context, payload map[string]any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Response(), "data: %s\n\n", b)
	c.Response().Flush()
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
