package toolchan

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	// DefaultExecTimeout bounds a single tool invocation.
	DefaultExecTimeout = 60 * time.Second
	// HealthCheckTimeout bounds the lightweight liveness probe.
	HealthCheckTimeout = 5 * time.Second

	maxFrameBytes = 8 << 20
)

// ToolDescriptor describes a single tool advertised by a backend server.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Transport is the wire-level connection to one tool server process.
type Transport interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	Close() error
}

// Endpoint identifies a launchable tool server.
type Endpoint struct {
	Command string
	Args    []string
}

// Dialer opens a Transport to an endpoint. Swappable for tests.
type Dialer func(ctx context.Context, ep Endpoint) (Transport, error)

// StdioDial launches the endpoint command and speaks line-oriented
// JSON-RPC over its stdin/stdout. The context bounds the dial only;
// the process lives until Close, so a cancelled caller context does
// not take the tool server down with it.
func StdioDial(ctx context.Context, ep Endpoint) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(ep.Command, ep.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &stdioTransport{cmd: cmd, in: stdin, out: bufio.NewReader(stdout)}, nil
}

type stdioTransport struct {
	cmd *exec.Cmd
	in  io.WriteCloser
	out *bufio.Reader
	mu  sync.Mutex
	seq int64
}

type rpcReq struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

type rpcResp struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Result  map[string]any `json:"result,omitempty"`
	Error   *rpcError      `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *stdioTransport) send(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	req := rpcReq{JSONRPC: "2.0", ID: c.seq, Method: method, Params: params}
	b, _ := json.Marshal(req)
	b = append(b, '\n')
	if _, err := c.in.Write(b); err != nil {
		return nil, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultExecTimeout)
	}
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("toolchan: timeout for %s", method)
		}
		var buf bytes.Buffer
		for {
			frag, err := c.out.ReadBytes('\n')
			buf.Write(frag)
			if buf.Len() > maxFrameBytes {
				return nil, fmt.Errorf("toolchan: frame too large")
			}
			if err == nil {
				break
			}
			if err == io.EOF {
				return nil, io.EOF
			}
			if !errors.Is(err, bufio.ErrBufferFull) {
				return nil, err
			}
		}
		line := bytes.TrimSpace(buf.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var resp rpcResp
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("tool server error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

func (c *stdioTransport) Initialize(ctx context.Context) error {
	_, err := c.send(ctx, "initialize", nil)
	return err
}

func (c *stdioTransport) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	res, err := c.send(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	raw, ok := res["tools"].([]any)
	if !ok {
		return nil, errors.New("invalid tools/list response")
	}
	out := make([]ToolDescriptor, 0, len(raw))
	for _, v := range raw {
		b, _ := json.Marshal(v)
		var t ToolDescriptor
		_ = json.Unmarshal(b, &t)
		out = append(out, t)
	}
	return out, nil
}

func (c *stdioTransport) CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	return c.send(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
}

// closeGrace is how long Close waits for the process to exit after
// its stdin closes before killing it.
const closeGrace = 3 * time.Second

func (c *stdioTransport) Close() error {
	_ = c.in.Close()
	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(closeGrace):
		_ = c.cmd.Process.Kill()
		return <-done
	}
}
