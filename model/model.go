package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/agentswarm/core"
)

// ToolDefinition declaratively exposes a callable tool to the model. The
// Parameters field is a JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized inference input assembled by the engine:
// the active agent's rendered instructions, the conversation transcript, the
// agent's permitted tools and its permitted handoff targets.
type Request struct {
	Instructions string           `json:"instructions"`
	Messages     []core.Message   `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Handoffs     []string         `json:"handoffs,omitempty"`
}

// Outcome is the normalized result of one inference call. Exactly one of the
// three shapes is populated: plain assistant content, a batch of tool call
// requests, or a handoff to another agent.
type Outcome struct {
	Content   string          `json:"content,omitempty"`
	ToolCalls []core.ToolCall `json:"tool_calls,omitempty"`
	Handoff   string          `json:"handoff,omitempty"`

	// HandoffVars carries the context-variable updates the model attached to
	// a transfer call. Only meaningful when Handoff is set.
	HandoffVars map[string]any `json:"handoff_vars,omitempty"`
}

// HasToolCalls reports whether the outcome requests tool invocations.
func (o *Outcome) HasToolCalls() bool { return len(o.ToolCalls) > 0 }

// IsHandoff reports whether the outcome transfers control to another agent.
func (o *Outcome) IsHandoff() bool { return o.Handoff != "" }

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the interface the engine drives inference through. Adapters
// translate Request/Outcome into their provider's wire format, including
// surfacing permitted handoffs as synthetic transfer tools.
type Model interface {
	Complete(ctx context.Context, req Request) (*Outcome, error)

	// Info returns information about the model implementation.
	Info() Info
}

const handoffToolPrefix = "transfer_to_"

// HandoffToolName returns the synthetic tool name under which a handoff
// target is surfaced to the provider.
func HandoffToolName(target string) string { return handoffToolPrefix + target }

// ParseHandoffToolName extracts the handoff target from a synthetic transfer
// tool name, reporting whether the name encodes one.
func ParseHandoffToolName(name string) (string, bool) {
	target, ok := strings.CutPrefix(name, handoffToolPrefix)
	if !ok || target == "" {
		return "", false
	}
	return target, true
}

// HandoffTools builds the synthetic tool definitions adapters present to the
// provider for the request's permitted handoff targets. The transfer accepts
// an optional context_variables object that the engine merges into the
// conversation's context variables on handoff.
func HandoffTools(targets []string) []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(targets))
	for _, target := range targets {
		defs = append(defs, ToolDefinition{
			Name:        HandoffToolName(target),
			Description: fmt.Sprintf("Transfer the conversation to the %s agent.", target),
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"context_variables": map[string]any{
						"type":        "object",
						"description": "Key/value updates merged into the conversation's context variables.",
					},
				},
			},
		})
	}
	return defs
}

// ParseHandoffArguments extracts the context-variable updates from a transfer
// call's argument payload. Absent or malformed payloads yield nil.
func ParseHandoffArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var payload struct {
		ContextVariables map[string]any `json:"context_variables"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	return payload.ContextVariables
}
