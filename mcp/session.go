package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentswarm/config"
	"github.com/hupe1980/agentswarm/logging"
)

const (
	defaultOpenTimeout   = 15 * time.Second
	defaultInvokeTimeout = 30 * time.Second

	// maxFrameSize bounds a single response line; providers returning large
	// result payloads (query dumps, file contents) must fit within it.
	maxFrameSize = 10 * 1024 * 1024

	clientName    = "agentswarm"
	clientVersion = "0.1"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	// OpenTimeout bounds process start plus the discovery handshake.
	OpenTimeout time.Duration
	// InvokeTimeout bounds each individual invocation round-trip.
	InvokeTimeout time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Session is the runtime handle for one tool server. It owns the provider
// process, the request id counter and the in-flight request table. All
// methods are safe for concurrent use.
type Session struct {
	spec          config.ToolServerSpec
	tr            transport
	logger        logging.Logger
	invokeTimeout time.Duration

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]chan *rpcResponse
	tools    map[string]ToolDefinition
	order    []string
	closed   bool
	closeErr error

	// done is closed exactly once when the session dies; waiters select on
	// it so a crashing provider never leaves an invocation hanging.
	done chan struct{}
}

// OpenSession starts the provider process described by spec, performs the
// initialize handshake and initial capability discovery, and returns the
// ready session. Failure to start or to complete the handshake within
// OpenTimeout yields an error wrapping ErrServerUnavailable.
func OpenSession(ctx context.Context, spec config.ToolServerSpec, optFns ...func(o *SessionOptions)) (*Session, error) {
	opts := SessionOptions{
		OpenTimeout:   defaultOpenTimeout,
		InvokeTimeout: defaultInvokeTimeout,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	tr, err := startProcTransport(spec)
	if err != nil {
		return nil, fmt.Errorf("server %q: %w: %v", spec.Name, ErrServerUnavailable, err)
	}

	return openSession(ctx, spec, tr, opts)
}

// openSession wires a session over an already-established transport.
func openSession(ctx context.Context, spec config.ToolServerSpec, tr transport, opts SessionOptions) (*Session, error) {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = defaultInvokeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	s := &Session{
		spec:          spec,
		tr:            tr,
		logger:        opts.Logger,
		invokeTimeout: opts.InvokeTimeout,
		pending:       make(map[int64]chan *rpcResponse),
		tools:         make(map[string]ToolDefinition),
		done:          make(chan struct{}),
	}

	go s.readLoop()

	hctx, cancel := context.WithTimeout(ctx, opts.OpenTimeout)
	defer cancel()

	params := initializeParams{
		ProtocolVersion: "1.0",
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
	}
	if _, err := s.call(hctx, methodInitialize, params, opts.OpenTimeout); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("server %q: %w: initialize failed: %v", spec.Name, ErrServerUnavailable, err)
	}

	if _, err := s.discoverTools(hctx, opts.OpenTimeout); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("server %q: %w: discovery failed: %v", spec.Name, ErrServerUnavailable, err)
	}

	s.logger.Info("mcp.session.open server=%s tools=%d", spec.Name, len(s.order))

	return s, nil
}

// Name returns the configured tool server name.
func (s *Session) Name() string { return s.spec.Name }

// Alive reports whether the session can still accept invocations.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Tools returns the discovered tool definitions in discovery order.
func (s *Session) Tools() []ToolDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolDefinition, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name])
	}
	return out
}

// Tool looks up a discovered tool definition by name.
func (s *Session) Tool(name string) (ToolDefinition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.tools[name]
	return def, ok
}

// DiscoverTools re-runs capability discovery. Idempotent: tool entries are
// replaced by name, so repeated discovery never duplicates tools.
func (s *Session) DiscoverTools(ctx context.Context) ([]ToolDefinition, error) {
	return s.discoverTools(ctx, s.invokeTimeout)
}

func (s *Session) discoverTools(ctx context.Context, timeout time.Duration) ([]ToolDefinition, error) {
	resp, err := s.call(ctx, methodListTools, map[string]any{}, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("server %q: tools/list error %d: %s", s.spec.Name, resp.Error.Code, resp.Error.Message)
	}

	var listed listToolsResult
	if err := json.Unmarshal(resp.Result, &listed); err != nil {
		return nil, fmt.Errorf("server %q: malformed tools/list result: %w", s.spec.Name, err)
	}

	s.mu.Lock()
	s.tools = make(map[string]ToolDefinition, len(listed.Tools))
	s.order = s.order[:0]
	for _, def := range listed.Tools {
		if _, seen := s.tools[def.Name]; !seen {
			s.order = append(s.order, def.Name)
		}
		s.tools[def.Name] = def
	}
	out := make([]ToolDefinition, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name])
	}
	s.mu.Unlock()

	return out, nil
}

// Invoke calls the named tool with the given JSON arguments and blocks until
// the matching response arrives, the invoke timeout elapses, or the session
// dies. Provider errors and timeouts come back as *InvocationError; a dead
// session fails fast with ErrSessionClosed.
func (s *Session) Invoke(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	resp, err := s.call(ctx, methodCallTool, callToolParams{Name: tool, Arguments: args}, s.invokeTimeout)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionClosed):
			return nil, err
		case errors.Is(err, context.Canceled):
			return nil, err
		case errors.Is(err, context.DeadlineExceeded):
			return nil, &InvocationError{Server: s.spec.Name, Tool: tool, Message: "timed out", Timeout: true, Err: err}
		default:
			return nil, &InvocationError{Server: s.spec.Name, Tool: tool, Message: err.Error(), Err: err}
		}
	}
	if resp.Error != nil {
		return nil, &InvocationError{
			Server:  s.spec.Name,
			Tool:    tool,
			Message: resp.Error.Message,
			Code:    resp.Error.Code,
		}
	}
	return resp.Result, nil
}

// Close terminates the provider process and cancels in-flight invocations;
// their waiters receive ErrSessionClosed. Safe to call more than once.
func (s *Session) Close() error {
	s.markClosed(ErrSessionClosed)
	return s.tr.Close()
}

// call sends one request and waits for its correlated response.
func (s *Session) call(ctx context.Context, method string, params any, timeout time.Duration) (*rpcResponse, error) {
	s.mu.Lock()
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		return nil, err
	}
	s.nextID++
	id := s.nextID
	ch := make(chan *rpcResponse, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	payload, err := json.Marshal(rpcRequest{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params})
	if err != nil {
		s.removeWaiter(id)
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	payload = append(payload, '\n')

	if _, err := s.tr.Stdin().Write(payload); err != nil {
		s.removeWaiter(id)
		return nil, fmt.Errorf("send %s request: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		// Discard the eventual late response: nobody awaits this id anymore.
		s.removeWaiter(id)
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		s.removeWaiter(id)
		return nil, ctx.Err()
	case <-s.done:
		return nil, s.closeErr
	}
}

func (s *Session) removeWaiter(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// readLoop consumes response frames until the stream ends, matching each to
// its pending waiter by correlation id. An id without a waiter is a protocol
// violation by the provider; it is logged and dropped, never fatal.
func (s *Session) readLoop() {
	scanner := bufio.NewScanner(s.tr.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			s.logger.Warn("mcp.session.bad_frame server=%s error=%v", s.spec.Name, err)
			continue
		}
		s.dispatch(&resp)
	}

	// Stream ended: provider exited or the transport was closed.
	s.markClosed(ErrSessionClosed)
}

func (s *Session) dispatch(resp *rpcResponse) {
	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("mcp.session.unmatched_response server=%s id=%d", s.spec.Name, resp.ID)
		return
	}
	ch <- resp // buffered; never blocks
}

// markClosed transitions the session to dead exactly once and releases every
// pending waiter via the done channel.
func (s *Session) markClosed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeErr = err
	for id := range s.pending {
		delete(s.pending, id)
	}
	close(s.done)
	s.logger.Info("mcp.session.closed server=%s", s.spec.Name)
}
