// Package core defines the shared conversation primitives used across the
// framework: role-based messages with tool-call payloads, and the context
// variable bag threaded through a turn. Values are plain data; once appended
// to a history a Message should be treated as immutable.
package core
