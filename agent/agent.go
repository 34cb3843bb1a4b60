package agent

import (
	"fmt"

	"github.com/hupe1980/agentswarm/core"
	"github.com/hupe1980/agentswarm/internal/util"
	"github.com/hupe1980/agentswarm/mcp"
)

// Definition is the declarative description of one agent: its persona, the
// model it speaks through, the tools it may call and the agents it may hand
// a conversation to. Definitions are validated and frozen into Agents by
// NewRegistry.
type Definition struct {
	// Name uniquely identifies the agent within a registry.
	Name string
	// Description is a short human-readable summary of the agent's purpose.
	Description string
	// Instructions is the system prompt. It may contain {{.var}} placeholders
	// resolved against the conversation's context variables at turn time.
	Instructions string
	// Model names the configured model provider this agent uses.
	Model string
	// Tools lists the discovered tool names this agent may invoke.
	Tools []string
	// Handoffs lists the agent names this agent may transfer control to.
	Handoffs []string
}

// Agent is an immutable, validated runtime view of a Definition. Every tool
// name has been resolved against the discovered tool set and every handoff
// target against the registry, so lookups at turn time cannot fail.
type Agent struct {
	name         string
	description  string
	instructions string
	model        string
	tools        []mcp.ToolDefinition
	toolSet      map[string]struct{}
	handoffs     []string
	handoffSet   map[string]struct{}
}

// Name returns the agent's unique name.
func (a *Agent) Name() string { return a.name }

// Description returns the agent's summary text.
func (a *Agent) Description() string { return a.description }

// Model returns the name of the model provider this agent uses.
func (a *Agent) Model() string { return a.model }

// Instructions renders the agent's system prompt against the given context
// variables. Unresolvable placeholders render as empty values rather than
// failing the turn.
func (a *Agent) Instructions(vars core.Vars) (string, error) {
	return util.RenderTemplate(a.instructions, vars)
}

// Tools returns the agent's permitted tool definitions in declaration order.
// The returned slice is a copy.
func (a *Agent) Tools() []mcp.ToolDefinition {
	out := make([]mcp.ToolDefinition, len(a.tools))
	copy(out, a.tools)
	return out
}

// Tool returns the definition of a permitted tool by name.
func (a *Agent) Tool(name string) (mcp.ToolDefinition, bool) {
	if _, ok := a.toolSet[name]; !ok {
		return mcp.ToolDefinition{}, false
	}
	for _, def := range a.tools {
		if def.Name == name {
			return def, true
		}
	}
	return mcp.ToolDefinition{}, false
}

// Handoffs returns the names of agents this agent may transfer to, in
// declaration order. The returned slice is a copy.
func (a *Agent) Handoffs() []string {
	out := make([]string, len(a.handoffs))
	copy(out, a.handoffs)
	return out
}

// AllowsTool reports whether the named tool is in this agent's permitted set.
func (a *Agent) AllowsTool(name string) bool {
	_, ok := a.toolSet[name]
	return ok
}

// AllowsHandoff reports whether this agent may transfer to the named agent.
func (a *Agent) AllowsHandoff(target string) bool {
	_, ok := a.handoffSet[target]
	return ok
}

// UnknownToolError reports a definition referencing a tool that no configured
// tool server provides.
type UnknownToolError struct {
	Agent string
	Tool  string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("agent %q references unknown tool %q", e.Agent, e.Tool)
}

// UnknownHandoffError reports a definition referencing a handoff target that
// is not defined in the same registry.
type UnknownHandoffError struct {
	Agent  string
	Target string
}

func (e *UnknownHandoffError) Error() string {
	return fmt.Sprintf("agent %q references unknown handoff target %q", e.Agent, e.Target)
}
