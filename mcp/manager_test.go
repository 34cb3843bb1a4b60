package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentswarm/config"
)

// fakeProvider answers the full wire contract for a fixed tool set; tool
// calls echo back which server handled them.
func fakeProvider(server string, tools []ToolDefinition) func(config.ToolServerSpec) (transport, error) {
	return func(config.ToolServerSpec) (transport, error) {
		tr, f := newFakePair()
		f.serve(func(req rpcRequest) {
			switch req.Method {
			case methodInitialize:
				f.sendResult(req.ID, map[string]any{"protocolVersion": "1.0"})
			case methodListTools:
				f.sendResult(req.ID, listToolsResult{Tools: tools})
			case methodCallTool:
				raw, _ := json.Marshal(req.Params)
				var params callToolParams
				_ = json.Unmarshal(raw, &params)
				f.sendResult(req.ID, map[string]any{"server": server, "tool": params.Name})
			}
		})
		return tr, nil
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	specs := map[string]config.ToolServerSpec{
		"sqlite": {Name: "sqlite", Command: "uvx"},
		"fs":     {Name: "fs", Command: "npx"},
	}
	m := NewManager(specs)

	providers := map[string]func(config.ToolServerSpec) (transport, error){
		"sqlite": fakeProvider("sqlite", []ToolDefinition{
			{Name: "query", Description: "Run a query", InputSchema: map[string]any{"type": "object"}},
		}),
		"fs": fakeProvider("fs", []ToolDefinition{
			{Name: "read_file", Description: "Read a file", InputSchema: map[string]any{"type": "object"}},
			{Name: "list_dir", Description: "List a directory", InputSchema: map[string]any{"type": "object"}},
		}),
	}
	m.newTransport = func(spec config.ToolServerSpec) (transport, error) {
		return providers[spec.Name](spec)
	}

	t.Cleanup(func() { _ = m.CloseAll() })
	return m
}

func TestManagerOpenAllAndUnion(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.OpenAll(context.Background()))

	tools := m.Tools()
	assert.Len(t, tools, 3)
	assert.Contains(t, tools, "query")
	assert.Contains(t, tools, "read_file")
	assert.Contains(t, tools, "list_dir")
}

func TestManagerLazyOpen(t *testing.T) {
	m := newTestManager(t)

	// Nothing opened yet; routing has no entries.
	assert.Empty(t, m.Tools())

	s, err := m.Open(context.Background(), "sqlite")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", s.Name())

	// Second open returns the same session.
	again, err := m.Open(context.Background(), "sqlite")
	require.NoError(t, err)
	assert.Same(t, s, again)

	assert.Len(t, m.Tools(), 1)
}

func TestManagerOpenUnknownServer(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Open(context.Background(), "redis")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestManagerInvokeRoutesByTool(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.OpenAll(context.Background()))

	res, err := m.Invoke(context.Background(), "read_file", json.RawMessage(`{"path":"/tmp/x"}`))
	require.NoError(t, err)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal(res, &parsed))
	assert.Equal(t, "fs", parsed["server"])
	assert.Equal(t, "read_file", parsed["tool"])
}

func TestManagerInvokeUnknownTool(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.OpenAll(context.Background()))

	_, err := m.Invoke(context.Background(), "delete_everything", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTool)
	assert.Contains(t, err.Error(), "delete_everything")
}

func TestManagerOpenFailure(t *testing.T) {
	m := NewManager(map[string]config.ToolServerSpec{
		"broken": {Name: "broken", Command: "nope"},
	})
	m.newTransport = func(config.ToolServerSpec) (transport, error) {
		return nil, fmt.Errorf("executable not found")
	}

	_, err := m.Open(context.Background(), "broken")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerUnavailable)
}

func TestManagerRediscoverRefreshesIndex(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.OpenAll(context.Background()))

	defs, err := m.Rediscover(context.Background(), "fs")
	require.NoError(t, err)
	assert.Len(t, defs, 2)

	// Routing still resolves after the refresh, with no duplicate entries.
	assert.Len(t, m.Tools(), 3)
	_, err = m.Invoke(context.Background(), "list_dir", nil)
	assert.NoError(t, err)
}

func TestManagerCloseAll(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.OpenAll(context.Background()))

	s, err := m.Open(context.Background(), "sqlite")
	require.NoError(t, err)

	require.NoError(t, m.CloseAll())
	assert.False(t, s.Alive())
	assert.Empty(t, m.Tools())

	_, err = m.Invoke(context.Background(), "query", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}
