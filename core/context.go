package core

// ActiveAgentKey is the context variable naming the currently active agent.
// The orchestration engine reads and rewrites it across handoffs.
const ActiveAgentKey = "active_agent"

// Vars is the mutable key/value bag ("context variables") threaded through a
// turn. It is owned exclusively by the engine for the duration of a turn;
// callers pass a snapshot in and receive an updated snapshot back.
type Vars map[string]any

// Clone returns a shallow copy. A nil receiver yields an empty, usable map.
func (v Vars) Clone() Vars {
	out := make(Vars, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Merge applies delta key-wise onto v. Existing keys are overwritten,
// unrelated keys are preserved; the bag is never replaced wholesale.
func (v Vars) Merge(delta map[string]any) {
	for k, val := range delta {
		v[k] = val
	}
}

// ActiveAgent returns the active agent name, if one is set.
func (v Vars) ActiveAgent() (string, bool) {
	raw, ok := v[ActiveAgentKey]
	if !ok {
		return "", false
	}
	name, ok := raw.(string)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// SetActiveAgent records name as the active agent.
func (v Vars) SetActiveAgent(name string) { v[ActiveAgentKey] = name }
