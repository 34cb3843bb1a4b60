// Package mcp implements the tool session manager: a JSON-RPC client that
// launches tool provider processes, discovers their capabilities and
// dispatches invocation requests against them.
//
// One Session is held per configured tool server. A session owns the
// provider process, a monotonically increasing request id counter and a
// table of in-flight requests awaiting responses; concurrent invocations are
// matched to responses by correlation id, so in-order delivery is never
// assumed. A session that loses its process is marked dead and fails
// subsequent calls fast with ErrSessionClosed; restarting is deliberately
// left to the caller.
//
// The Manager indexes sessions by server name and routes invocations by
// discovered tool name, so callers never handle raw process handles.
package mcp
