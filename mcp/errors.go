package mcp

import (
	"errors"
	"fmt"
)

// ErrServerUnavailable indicates a tool provider process could not be
// started or did not complete its handshake within the open timeout.
var ErrServerUnavailable = errors.New("tool server unavailable")

// ErrSessionClosed indicates the session's provider process has exited or
// the session was closed; in-flight and subsequent invocations fail with it.
var ErrSessionClosed = errors.New("tool session closed")

// ErrUnknownTool indicates an invocation referenced a tool name not
// discovered on any open session.
var ErrUnknownTool = errors.New("unknown tool")

// InvocationError wraps a failed tool invocation: either a provider-reported
// error or a timeout waiting for the matching response.
type InvocationError struct {
	Server  string
	Tool    string
	Message string
	Code    int  // provider-reported JSON-RPC error code, if any
	Timeout bool // true when the invocation timed out client-side
	Err     error
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("tool %q on server %q timed out", e.Tool, e.Server)
	}
	return fmt.Sprintf("tool %q on server %q failed: %s", e.Tool, e.Server, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *InvocationError) Unwrap() error { return e.Err }
