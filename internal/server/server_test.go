package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/panoptes-ai/panoptes/config"
	"github.com/panoptes-ai/panoptes/internal/agent/core"
	"github.com/panoptes-ai/panoptes/internal/agent/telemetry"
	"github.com/panoptes-ai/panoptes/internal/session"
	"github.com/panoptes-ai/panoptes/internal/toolchan"
)

type scriptedProvider struct {
	mu      sync.Mutex
	script  []scriptEntry
	blockOn chan struct{} // when set, every call waits here first
}

type scriptEntry struct {
	res core.GenerateResult
	err error
}

func (p *scriptedProvider) push(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, scriptEntry{res: core.GenerateResult{Text: text}})
}

func (p *scriptedProvider) pushErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, scriptEntry{err: err})
}

func (p *scriptedProvider) next(ctx context.Context) (core.GenerateResult, error) {
	if p.blockOn != nil {
		select {
		case <-p.blockOn:
		case <-ctx.Done():
			return core.GenerateResult{}, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.script) == 0 {
		return core.GenerateResult{Text: "ok"}, nil
	}
	e := p.script[0]
	p.script = p.script[1:]
	return e.res, e.err
}

func (p *scriptedProvider) Generate(ctx context.Context, messages []core.ChatMessage, model string, options map[string]any) (core.GenerateResult, error) {
	return p.next(ctx)
}

func (p *scriptedProvider) GenerateWithTools(ctx context.Context, messages []core.ChatMessage, tools []toolchan.ToolDescriptor, model string, options map[string]any) (core.GenerateResult, error) {
	return p.next(ctx)
}

func (p *scriptedProvider) GetAvailableModels() []string { return []string{"test"} }

func (p *scriptedProvider) GetModelInfo(model string) (core.ModelInfo, error) {
	return core.ModelInfo{Name: model}, nil
}

func (p *scriptedProvider) CalculateCost(in, out int64, model string) float64 { return 0 }

type stubTransport struct{ tools []toolchan.ToolDescriptor }

func (t stubTransport) Initialize(ctx context.Context) error { return nil }

func (t stubTransport) ListTools(ctx context.Context) ([]toolchan.ToolDescriptor, error) {
	return t.tools, nil
}

func (t stubTransport) CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	return map[string]any{"result": "ok"}, nil
}

func (t stubTransport) Close() error { return nil }

func newTestServer(t *testing.T, provider core.LLMProvider) *Server {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{AllowOrigins: []string{"*"}},
		LLM: config.LLMConfig{
			Routing: config.LLMRoutingConfig{
				Classification: "test",
				Planning:       "test",
				Analysis:       "test",
				Synthesis:      "test",
			},
		},
		Telemetry: config.TelemetryConfig{Enabled: true},
		Tools: config.ToolsConfig{Servers: map[string]config.ToolServerConfig{
			"warehouse": {Command: "panoptes", Args: []string{"toolserver", "warehouse"}, Description: "SQL analytics"},
		}},
	}
	s := &Server{
		cfg:      cfg,
		registry: session.NewRegistry(nil),
		tele:     telemetry.NewTelemetry(cfg.Telemetry),
		provider: provider,
		logger:   log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
		dial: func(ctx context.Context, ep toolchan.Endpoint) (toolchan.Transport, error) {
			return stubTransport{tools: []toolchan.ToolDescriptor{{Name: "read_query"}}}, nil
		},
		waitTimeout: streamWaitTimeout,
	}
	t.Cleanup(s.registry.Shutdown)
	return s
}

func doJSON(t *testing.T, e http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echoHeaderContentType, "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &scriptedProvider{})
	rec := doJSON(t, s.Echo(), http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "healthy" {
		t.Fatalf("body = %v", body)
	}
	if body["active_sessions"] != float64(0) {
		t.Fatalf("active_sessions = %v", body["active_sessions"])
	}
}

func TestServerTypes(t *testing.T) {
	s := newTestServer(t, &scriptedProvider{})
	rec := doJSON(t, s.Echo(), http.MethodGet, "/api/server-types", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "warehouse") {
		t.Fatalf("missing server type: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "SQL analytics") {
		t.Fatalf("missing description: %s", rec.Body.String())
	}
}

func TestCreateSession(t *testing.T) {
	s := newTestServer(t, &scriptedProvider{})
	rec := doJSON(t, s.Echo(), http.MethodPost, "/api/sessions",
		createSessionRequest{ServerType: "warehouse"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "connected" {
		t.Fatalf("status field = %v", body["status"])
	}
	if body["session_id"] == "" || body["session_id"] == nil {
		t.Fatal("no session id assigned")
	}
	tools, _ := body["available_tools"].([]any)
	if len(tools) != 1 || tools[0] != "read_query" {
		t.Fatalf("available_tools = %v", body["available_tools"])
	}
	if s.registry.Count() != 1 {
		t.Fatalf("registry count = %d", s.registry.Count())
	}
}

func TestCreateSessionUnknownType(t *testing.T) {
	s := newTestServer(t, &scriptedProvider{})
	rec := doJSON(t, s.Echo(), http.MethodPost, "/api/sessions",
		createSessionRequest{ServerType: "nope"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "error" {
		t.Fatalf("status field = %v", body["status"])
	}
	if !strings.Contains(body["message"].(string), "unknown server type") {
		t.Fatalf("message = %v", body["message"])
	}
}

func TestCreateSessionMissingType(t *testing.T) {
	s := newTestServer(t, &scriptedProvider{})
	rec := doJSON(t, s.Echo(), http.MethodPost, "/api/sessions", createSessionRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateSessionConnectFailure(t *testing.T) {
	s := newTestServer(t, &scriptedProvider{})
	s.dial = func(ctx context.Context, ep toolchan.Endpoint) (toolchan.Transport, error) {
		return nil, errors.New("exec: not found")
	}
	rec := doJSON(t, s.Echo(), http.MethodPost, "/api/sessions",
		createSessionRequest{ServerType: "warehouse"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "error" {
		t.Fatalf("status field = %v", body["status"])
	}
	if s.registry.Count() != 0 {
		t.Fatal("failed session was registered")
	}
}

func createTestSession(t *testing.T, s *Server) string {
	t.Helper()
	rec := doJSON(t, s.Echo(), http.MethodPost, "/api/sessions",
		createSessionRequest{ServerType: "warehouse", SessionID: "sess-1"})
	if body := decodeBody(t, rec); body["status"] != "connected" {
		t.Fatalf("create session: %v", body)
	}
	return "sess-1"
}

func TestQuerySuccess(t *testing.T) {
	provider := &scriptedProvider{}
	provider.push("CASUAL_CONVERSATION")
	provider.push("hello there")

	s := newTestServer(t, provider)
	id := createTestSession(t, s)

	rec := doJSON(t, s.Echo(), http.MethodPost, "/api/sessions/"+id+"/query",
		queryRequest{Query: "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "success" || body["response"] != "hello there" {
		t.Fatalf("body = %v", body)
	}
}

func TestQueryUnknownSession(t *testing.T) {
	s := newTestServer(t, &scriptedProvider{})
	rec := doJSON(t, s.Echo(), http.MethodPost, "/api/sessions/ghost/query",
		queryRequest{Query: "hi"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestQueryEmptyQuery(t *testing.T) {
	s := newTestServer(t, &scriptedProvider{})
	id := createTestSession(t, s)
	rec := doJSON(t, s.Echo(), http.MethodPost, "/api/sessions/"+id+"/query",
		queryRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestQueryProviderFailure(t *testing.T) {
	provider := &scriptedProvider{}
	// classification failure routes to analysis, where the planning
	// stage fails too; no tier ever succeeds
	for i := 0; i < 8; i++ {
		provider.pushErr(errors.New("model offline"))
	}

	s := newTestServer(t, provider)
	id := createTestSession(t, s)

	rec := doJSON(t, s.Echo(), http.MethodPost, "/api/sessions/"+id+"/query",
		queryRequest{Query: "analyze everything"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["status"] != "error" {
		t.Fatalf("body = %v", body)
	}
}

func TestDeleteSessionIdempotent(t *testing.T) {
	s := newTestServer(t, &scriptedProvider{})
	id := createTestSession(t, s)

	rec := doJSON(t, s.Echo(), http.MethodDelete, "/api/sessions/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if s.registry.Count() != 0 {
		t.Fatalf("registry count = %d", s.registry.Count())
	}

	rec = doJSON(t, s.Echo(), http.MethodDelete, "/api/sessions/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second delete status = %d", rec.Code)
	}
}

func TestStreamUnknownSession(t *testing.T) {
	s := newTestServer(t, &scriptedProvider{})
	rec := doJSON(t, s.Echo(), http.MethodGet, "/api/sessions/ghost/query-stream?query=hi", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "session not found") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestStreamMissingQuery(t *testing.T) {
	s := newTestServer(t, &scriptedProvider{})
	id := createTestSession(t, s)
	rec := doJSON(t, s.Echo(), http.MethodGet, "/api/sessions/"+id+"/query-stream", nil)
	if !strings.Contains(rec.Body.String(), "query is required") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestStreamDeliversFinalEvent(t *testing.T) {
	provider := &scriptedProvider{}
	provider.push("CASUAL_CONVERSATION")
	provider.push("streamed answer")

	s := newTestServer(t, provider)
	id := createTestSession(t, s)

	rec := doJSON(t, s.Echo(), http.MethodGet, "/api/sessions/"+id+"/query-stream?query=hi", nil)
	events := parseSSE(t, rec.Body.String())
	last := events[len(events)-1]
	if last["type"] != "final" || last["response"] != "streamed answer" {
		t.Fatalf("terminal event = %v", last)
	}
	if events[0]["type"] != "progress" {
		t.Fatalf("first event = %v", events[0])
	}
}

func TestStreamDeliversErrorEvent(t *testing.T) {
	provider := &scriptedProvider{}
	for i := 0; i < 8; i++ {
		provider.pushErr(errors.New("model offline"))
	}

	s := newTestServer(t, provider)
	id := createTestSession(t, s)

	rec := doJSON(t, s.Echo(), http.MethodGet, "/api/sessions/"+id+"/query-stream?query=hi", nil)
	events := parseSSE(t, rec.Body.String())
	last := events[len(events)-1]
	if last["type"] != "error" {
		t.Fatalf("terminal event = %v", last)
	}
	if !strings.Contains(last["message"].(string), "model offline") {
		t.Fatalf("message = %v", last["message"])
	}
}

func TestStreamKeepalivesWhileProcessing(t *testing.T) {
	release := make(chan struct{})
	provider := &scriptedProvider{blockOn: release}
	provider.push("CASUAL_CONVERSATION")
	provider.push("late answer")

	s := newTestServer(t, provider)
	s.waitTimeout = 20 * time.Millisecond
	id := createTestSession(t, s)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+id+"/query-stream?query=hi", nil)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Echo().ServeHTTP(rec, req)
	}()

	time.Sleep(100 * time.Millisecond)
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish after provider released")
	}

	events := parseSSE(t, rec.Body.String())
	sawKeepalive := false
	for _, ev := range events {
		if ev["type"] == "keepalive" {
			sawKeepalive = true
			if ev["final_sent"] != false {
				t.Fatalf("keepalive = %v", ev)
			}
		}
	}
	if !sawKeepalive {
		t.Fatalf("no keepalive in %d events", len(events))
	}
	last := events[len(events)-1]
	if last["type"] != "final" || last["response"] != "late answer" {
		t.Fatalf("terminal event = %v", last)
	}
}

func TestStreamClientDisconnectCancelsRun(t *testing.T) {
	release := make(chan struct{})
	provider := &scriptedProvider{blockOn: release}

	s := newTestServer(t, provider)
	s.waitTimeout = 20 * time.Millisecond
	id := createTestSession(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+id+"/query-stream?query=hi", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Echo().ServeHTTP(rec, req)
	}()

	// disconnect mid-analysis; the provider is still blocked
	time.Sleep(60 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after client disconnect")
	}

	for _, ev := range parseSSE(t, rec.Body.String()) {
		if ev["type"] == "final" || ev["type"] == "error" {
			t.Fatalf("terminal event after disconnect: %v", ev)
		}
	}
}

func parseSSE(t *testing.T, body string) []map[string]any {
	t.Helper()
	var events []map[string]any
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		t.Fatalf("no events in body %q", body)
	}
	return events
}
