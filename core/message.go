package core

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Conversation roles. RoleAssistant messages additionally carry a Sender
// naming the agent that produced them.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall describes a tool invocation requested by an agent. Arguments is
// the raw JSON argument payload exactly as produced by the model provider.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is the unit of conversation history. Ordering within a history is
// significant and must be preserved exactly as produced.
//
// Invariants maintained by producers:
//   - Role == RoleAssistant implies a non-empty Sender (the agent name).
//   - Role == RoleTool implies ToolCallID references a ToolCall issued by a
//     preceding assistant message.
type Message struct {
	ID        string     `json:"id"`
	Role      string     `json:"role"`
	Sender    string     `json:"sender,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Correlation fields for Role == RoleTool.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// IsError marks a tool message that carries an error result instead of
	// tool output. The content remains visible to the agent either way.
	IsError bool `json:"is_error,omitempty"`
}

// NewID generates a unique identifier for messages and turns.
func NewID() string { return uuid.NewString() }

// NewUserMessage creates a user-authored text message.
func NewUserMessage(content string) Message {
	return Message{ID: NewID(), Role: RoleUser, Content: content}
}

// NewAgentMessage creates a final assistant message attributed to sender.
func NewAgentMessage(sender, content string) Message {
	return Message{ID: NewID(), Role: RoleAssistant, Sender: sender, Content: content}
}

// NewToolCallMessage creates an assistant message requesting the given tool
// calls. A copy of calls is stored so callers may reuse their slice.
func NewToolCallMessage(sender string, calls []ToolCall) Message {
	cp := make([]ToolCall, len(calls))
	copy(cp, calls)
	return Message{ID: NewID(), Role: RoleAssistant, Sender: sender, ToolCalls: cp}
}

// NewToolMessage creates a tool-role message carrying the result of the
// tool call identified by callID.
func NewToolMessage(callID, toolName, content string) Message {
	return Message{
		ID:         NewID(),
		Role:       RoleTool,
		ToolCallID: callID,
		ToolName:   toolName,
		Content:    content,
	}
}

// NewToolErrorMessage creates a tool-role message reporting a failed tool
// call. The error text is surfaced to the agent so its own logic can react.
func NewToolErrorMessage(callID, toolName string, err error) Message {
	m := NewToolMessage(callID, toolName, fmt.Sprintf("Error: %v", err))
	m.IsError = true
	return m
}

// HasToolCalls reports whether the message requests any tool invocations.
func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }
