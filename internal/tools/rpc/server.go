// Package rpc implements the stdio JSON-RPC loop shared by the tool
// servers. Handlers stay pure and operate only on explicit inputs; any
// state (database pools, caches) lives in the handler implementation.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/panoptes-ai/panoptes/internal/toolchan"
)

// callTimeout bounds a single tool invocation to avoid stuck handlers.
const callTimeout = 60 * time.Second

type rpcReq struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}
type rpcResp struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id"`
	Result  map[string]any `json:"result,omitempty"`
	Error   *rpcError      `json:"error,omitempty"`
}
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeResp(w io.Writer, id any, result map[string]any, err error) {
	resp := rpcResp{JSONRPC: "2.0", ID: id}
	if err != nil {
		resp.Error = &rpcError{Code: -32000, Message: err.Error()}
	} else {
		resp.Result = result
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(resp)
}

// Handler is one tool backend surfaced over the RPC loop.
type Handler interface {
	Tools() []toolchan.ToolDescriptor
	Call(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// Server runs a Handler over line-delimited JSON-RPC.
type Server struct {
	handler Handler
}

// NewServer wraps a handler.
func NewServer(h Handler) *Server { return &Server{handler: h} }

// Serve decodes line-delimited requests from in and writes one
// response line per request to out. It returns when in is exhausted.
func (s *Server) Serve(in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var req rpcReq
		if err := json.Unmarshal(line, &req); err != nil {
			// skip malformed lines
			continue
		}

		switch req.Method {
		case "initialize":
			writeResp(out, req.ID, map[string]any{"ok": true}, nil)

		case "tools/list":
			writeResp(out, req.ID, map[string]any{"tools": s.handler.Tools()}, nil)

		case "tools/call":
			name := ""
			args := map[string]any{}
			if v, ok := req.Params["name"].(string); ok {
				name = v
			}
			if m, ok := req.Params["arguments"].(map[string]any); ok {
				args = m
			}
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			res, err := s.handler.Call(ctx, name, args)
			cancel()
			writeResp(out, req.ID, res, err)

		default:
			writeResp(out, req.ID, nil, fmt.Errorf("unknown method: %s", req.Method))
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ---------- argument helpers ----------

// Str returns v as a string, or "" when it is not one.
func Str(v any) string { s, _ := v.(string); return s }

// AsInt coerces the JSON number shapes a decoded request can carry.
func AsInt(v any) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case int:
		return x
	case json.Number:
		i, _ := x.Int64()
		return int(i)
	default:
		return 0
	}
}

// AsStrSlice returns v as a string slice, dropping non-string members.
func AsStrSlice(v any) []string {
	if v == nil {
		return nil
	}
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// ClampInt bounds v to [lo, hi].
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
