package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentswarm/config"
	"github.com/hupe1980/agentswarm/logging"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// OpenTimeout bounds session open (process start + handshake).
	OpenTimeout time.Duration
	// InvokeTimeout bounds each invocation round-trip.
	InvokeTimeout time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Manager owns one session per configured tool server, keyed by server name,
// and routes invocations by discovered tool name. Sessions are opened lazily
// on first use (or eagerly via OpenAll) and never restarted automatically;
// that policy belongs to the caller.
type Manager struct {
	specs         map[string]config.ToolServerSpec
	logger        logging.Logger
	openTimeout   time.Duration
	invokeTimeout time.Duration

	// newTransport is swapped in tests to avoid spawning real processes.
	newTransport func(config.ToolServerSpec) (transport, error)

	mu        sync.Mutex
	sessions  map[string]*Session
	toolIndex map[string]string // tool name -> owning server name
}

// NewManager creates a Manager over the given tool server specs.
func NewManager(specs map[string]config.ToolServerSpec, optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{
		OpenTimeout:   defaultOpenTimeout,
		InvokeTimeout: defaultInvokeTimeout,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Manager{
		specs:         specs,
		logger:        opts.Logger,
		openTimeout:   opts.OpenTimeout,
		invokeTimeout: opts.InvokeTimeout,
		newTransport: func(spec config.ToolServerSpec) (transport, error) {
			return startProcTransport(spec)
		},
		sessions:  make(map[string]*Session),
		toolIndex: make(map[string]string),
	}
}

// Open returns the session for the named server, starting it if necessary.
// A dead session is not reopened; it is returned as-is so callers observe
// ErrSessionClosed instead of silently talking to a fresh process.
func (m *Manager) Open(ctx context.Context, server string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[server]; ok {
		m.mu.Unlock()
		return s, nil
	}
	spec, ok := m.specs[server]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("tool server %q is not configured", server)
	}

	tr, err := m.newTransport(spec)
	if err != nil {
		return nil, fmt.Errorf("server %q: %w: %v", server, ErrServerUnavailable, err)
	}

	s, err := openSession(ctx, spec, tr, SessionOptions{
		OpenTimeout:   m.openTimeout,
		InvokeTimeout: m.invokeTimeout,
		Logger:        m.logger,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[server]; ok {
		// Lost the open race; keep the first session.
		m.mu.Unlock()
		_ = s.Close()
		return existing, nil
	}
	m.sessions[server] = s
	for _, def := range s.Tools() {
		m.toolIndex[def.Name] = server
	}
	m.mu.Unlock()

	return s, nil
}

// OpenAll eagerly opens every configured server, stopping at the first
// failure. Server names are visited in sorted order for determinism.
func (m *Manager) OpenAll(ctx context.Context) error {
	names := make([]string, 0, len(m.specs))
	for name := range m.specs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := m.Open(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Tools returns the union of tool definitions discovered across all open
// sessions, keyed by tool name.
func (m *Manager) Tools() map[string]ToolDefinition {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make(map[string]ToolDefinition)
	for _, s := range sessions {
		for _, def := range s.Tools() {
			out[def.Name] = def
		}
	}
	return out
}

// Invoke routes a tool call to the session that discovered the tool.
func (m *Manager) Invoke(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	server, ok := m.toolIndex[tool]
	s := m.sessions[server]
	m.mu.Unlock()

	if !ok || s == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, tool)
	}
	return s.Invoke(ctx, tool, args)
}

// Server reports which server's session currently provides the named tool.
func (m *Manager) Server(tool string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	server, ok := m.toolIndex[tool]
	return server, ok
}

// Rediscover re-runs capability discovery on the named server's session and
// refreshes the tool routing index with replace-by-name semantics.
func (m *Manager) Rediscover(ctx context.Context, server string) ([]ToolDefinition, error) {
	m.mu.Lock()
	s, ok := m.sessions[server]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("tool server %q has no open session", server)
	}

	defs, err := s.DiscoverTools(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for name, owner := range m.toolIndex {
		if owner == server {
			delete(m.toolIndex, name)
		}
	}
	for _, def := range defs {
		m.toolIndex[def.Name] = server
	}
	m.mu.Unlock()

	return defs, nil
}

// CloseAll shuts down every open session. The last error wins; sessions are
// closed regardless.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.toolIndex = make(map[string]string)
	m.mu.Unlock()

	var lastErr error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
