package engine

import "fmt"

// TurnBudgetError reports a turn that hit its iteration limit before the
// active agent produced a final message.
type TurnBudgetError struct {
	ConversationID string
	Agent          string
	Limit          int
}

func (e *TurnBudgetError) Error() string {
	return fmt.Sprintf("conversation %s: turn exceeded %d iterations (active agent %q)", e.ConversationID, e.Limit, e.Agent)
}

// InferenceError reports an inference call that kept failing after all retry
// attempts were spent.
type InferenceError struct {
	Agent    string
	Model    string
	Attempts int
	Err      error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("agent %q: inference via %q failed after %d attempts: %v", e.Agent, e.Model, e.Attempts, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }
