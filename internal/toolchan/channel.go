package toolchan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle phase of a Channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateInitializing State = "initializing"
	StateInitialized  State = "initialized"
	StateError        State = "error"
	StateClosed       State = "closed"
)

var (
	ErrNoEndpoint = errors.New("toolchan: no endpoint stored for reconnect")
	ErrNotReady   = errors.New("toolchan: channel not initialized")
	ErrClosed     = errors.New("toolchan: channel closed")
	ErrTimeout    = errors.New("toolchan: tool call timed out")
)

const submitQueueSize = 128

type request struct {
	id      string
	method  string // "tools/call" or "tools/list"
	tool    string
	args    map[string]any
	timeout time.Duration
	ctx     context.Context
}

type result struct {
	data map[string]any
	list []ToolDescriptor
	err  error
}

// Channel serializes tool calls from many goroutines onto one tool
// server process. A single dispatcher goroutine owns the transport;
// callers park on a per-request rendezvous channel, so one slow call
// never wedges another caller's submission path.
type Channel struct {
	mu       sync.Mutex
	state    State
	endpoint Endpoint
	hasEP    bool

	dial      Dialer
	transport Transport
	tools     []ToolDescriptor

	queue    chan *request
	pending  map[string]chan result
	quit     chan struct{}
	dispStop chan struct{} // stops the dispatcher of the current connection
	closed   bool

	logger *log.Logger
}

// NewChannel creates a disconnected channel. A nil dialer uses stdio.
func NewChannel(logger *log.Logger, dial Dialer) *Channel {
	if logger == nil {
		logger = log.New(log.Writer(), "[CHANNEL] ", log.LstdFlags)
	}
	if dial == nil {
		dial = StdioDial
	}
	return &Channel{
		state:   StateDisconnected,
		dial:    dial,
		queue:   make(chan *request, submitQueueSize),
		pending: make(map[string]chan result),
		quit:    make(chan struct{}),
		logger:  logger,
	}
}

// State returns the current lifecycle phase.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *Channel) setState(s State) {
	ch.mu.Lock()
	ch.state = s
	ch.mu.Unlock()
}

// Tools returns the descriptors cached during initialization.
func (ch *Channel) Tools() []ToolDescriptor {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]ToolDescriptor, len(ch.tools))
	copy(out, ch.tools)
	return out
}

// Connect launches the endpoint, runs the initialize handshake, caches
// the advertised tools and starts the dispatcher.
func (ch *Channel) Connect(ctx context.Context, ep Endpoint) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrClosed
	}
	ch.state = StateConnecting
	ch.endpoint = ep
	ch.hasEP = true
	ch.mu.Unlock()

	tr, err := ch.dial(ctx, ep)
	if err != nil {
		ch.setState(StateError)
		return fmt.Errorf("connect %s: %w", ep.Command, err)
	}
	ch.setState(StateConnected)

	ch.setState(StateInitializing)
	if err := tr.Initialize(ctx); err != nil {
		_ = tr.Close()
		ch.setState(StateError)
		return fmt.Errorf("initialize: %w", err)
	}
	tools, err := tr.ListTools(ctx)
	if err != nil {
		_ = tr.Close()
		ch.setState(StateError)
		return fmt.Errorf("list tools: %w", err)
	}

	ch.mu.Lock()
	if ch.dispStop != nil {
		close(ch.dispStop)
	}
	stop := make(chan struct{})
	ch.dispStop = stop
	ch.transport = tr
	ch.tools = tools
	ch.state = StateInitialized
	ch.mu.Unlock()

	go ch.dispatch(stop)
	ch.logger.Printf("connected to %s (%d tools)", ep.Command, len(tools))
	return nil
}

// Reconnect tears down the current transport and connects to the
// stored endpoint again. Fails when Connect never succeeded.
func (ch *Channel) Reconnect(ctx context.Context) error {
	ch.mu.Lock()
	if !ch.hasEP {
		ch.mu.Unlock()
		return ErrNoEndpoint
	}
	ep := ch.endpoint
	tr := ch.transport
	ch.transport = nil
	if ch.dispStop != nil {
		close(ch.dispStop)
		ch.dispStop = nil
	}
	ch.state = StateDisconnected
	ch.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	return ch.Connect(ctx, ep)
}

// Submit executes one tool call, blocking the caller up to timeout
// (DefaultExecTimeout when zero). On timeout the request is abandoned:
// the dispatcher discards its result if it ever arrives.
func (ch *Channel) Submit(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	res, err := ch.submit(ctx, &request{
		id:      uuid.NewString(),
		method:  "tools/call",
		tool:    tool,
		args:    sanitizeArgs(tool, args),
		timeout: timeout,
		ctx:     ctx,
	})
	if err != nil {
		return nil, err
	}
	return res.data, res.err
}

// HealthCheck probes the server with a short tools/list round trip.
// It reports liveness only and never returns an error.
func (ch *Channel) HealthCheck(ctx context.Context) bool {
	res, err := ch.submit(ctx, &request{
		id:      uuid.NewString(),
		method:  "tools/list",
		timeout: HealthCheckTimeout,
		ctx:     ctx,
	})
	return err == nil && res.err == nil
}

func (ch *Channel) submit(ctx context.Context, req *request) (result, error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return result{}, ErrClosed
	}
	if ch.state != StateInitialized {
		state := ch.state
		ch.mu.Unlock()
		return result{}, fmt.Errorf("%w (state %s)", ErrNotReady, state)
	}
	reply := make(chan result, 1)
	ch.pending[req.id] = reply
	ch.mu.Unlock()

	select {
	case ch.queue <- req:
	case <-ctx.Done():
		ch.abandon(req.id)
		return result{}, ctx.Err()
	case <-ch.quit:
		ch.abandon(req.id)
		return result{}, ErrClosed
	}

	timer := time.NewTimer(req.timeout)
	defer timer.Stop()
	select {
	case res := <-reply:
		return res, nil
	case <-timer.C:
		ch.abandon(req.id)
		return result{}, fmt.Errorf("%w: %s after %s", ErrTimeout, req.tool, req.timeout)
	case <-ctx.Done():
		ch.abandon(req.id)
		return result{}, ctx.Err()
	case <-ch.quit:
		ch.abandon(req.id)
		return result{}, ErrClosed
	}
}

// abandon removes a pending registration so a late result is dropped.
func (ch *Channel) abandon(id string) {
	ch.mu.Lock()
	delete(ch.pending, id)
	ch.mu.Unlock()
}

// dispatch is the single goroutine that owns the transport. Each
// Connect starts a fresh dispatcher and stops the previous one, so the
// queue never has two consumers.
func (ch *Channel) dispatch(stop chan struct{}) {
	for {
		select {
		case <-ch.quit:
			return
		case <-stop:
			return
		case req := <-ch.queue:
			ch.mu.Lock()
			_, live := ch.pending[req.id]
			tr := ch.transport
			ch.mu.Unlock()
			if !live {
				continue // caller already gave up
			}
			if tr == nil {
				ch.deliver(req, result{err: ErrNotReady})
				continue
			}

			callCtx, cancel := context.WithTimeout(context.Background(), req.timeout)
			var res result
			switch req.method {
			case "tools/list":
				res.list, res.err = tr.ListTools(callCtx)
			default:
				res.data, res.err = tr.CallTool(callCtx, req.tool, req.args)
			}
			cancel()
			ch.deliver(req, res)
		}
	}
}

func (ch *Channel) deliver(req *request, res result) {
	ch.mu.Lock()
	reply, ok := ch.pending[req.id]
	if ok {
		delete(ch.pending, req.id)
	}
	ch.mu.Unlock()
	if !ok {
		ch.logger.Printf("discarding late result for %s", req.tool)
		return
	}
	reply <- res
}

// Close shuts the channel down. Idempotent; pending callers get ErrClosed.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.state = StateClosed
	tr := ch.transport
	ch.transport = nil
	close(ch.quit)
	ch.mu.Unlock()

	if tr != nil {
		return tr.Close()
	}
	return nil
}

// listing/search tools require string folder arguments; models sometimes
// send explicit nulls for the optional ones.
var nullableStringArgs = map[string]bool{
	"folder_id":        true,
	"parent_folder_id": true,
}

func sanitizeArgs(tool string, args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if v == nil && nullableStringArgs[k] {
			out[k] = ""
			continue
		}
		out[k] = v
	}
	return out
}
