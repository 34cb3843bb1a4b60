package agent

import (
	"fmt"
	"sort"

	"github.com/hupe1980/agentswarm/mcp"
)

// Registry holds the validated agent set for one deployment. It is immutable
// after construction and safe for concurrent reads.
type Registry struct {
	agents map[string]*Agent
	order  []string
}

// NewRegistry validates the given definitions against the discovered tool set
// and freezes them into a Registry. Validation is two-pass so definitions may
// reference handoff targets declared later in the slice. It fails on the
// first duplicate name, unknown tool or unknown handoff target.
func NewRegistry(defs []Definition, discovered map[string]mcp.ToolDefinition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("at least one agent definition is required")
	}

	names := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("agent definition with empty name")
		}
		if _, dup := names[def.Name]; dup {
			return nil, fmt.Errorf("duplicate agent definition %q", def.Name)
		}
		names[def.Name] = struct{}{}
	}

	r := &Registry{agents: make(map[string]*Agent, len(defs))}
	for _, def := range defs {
		a := &Agent{
			name:         def.Name,
			description:  def.Description,
			instructions: def.Instructions,
			model:        def.Model,
			toolSet:      make(map[string]struct{}, len(def.Tools)),
			handoffSet:   make(map[string]struct{}, len(def.Handoffs)),
		}

		for _, tool := range def.Tools {
			resolved, ok := discovered[tool]
			if !ok {
				return nil, &UnknownToolError{Agent: def.Name, Tool: tool}
			}
			if _, dup := a.toolSet[tool]; dup {
				continue
			}
			a.toolSet[tool] = struct{}{}
			a.tools = append(a.tools, resolved)
		}

		for _, target := range def.Handoffs {
			if _, ok := names[target]; !ok {
				return nil, &UnknownHandoffError{Agent: def.Name, Target: target}
			}
			if target == def.Name {
				return nil, fmt.Errorf("agent %q declares a handoff to itself", def.Name)
			}
			if _, dup := a.handoffSet[target]; dup {
				continue
			}
			a.handoffSet[target] = struct{}{}
			a.handoffs = append(a.handoffs, target)
		}

		r.agents[def.Name] = a
		r.order = append(r.order, def.Name)
	}

	return r, nil
}

// Get returns the named agent.
func (r *Registry) Get(name string) (*Agent, bool) {
	a, ok := r.agents[name]
	return a, ok
}

// Names returns all agent names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	sort.Strings(out)
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int { return len(r.agents) }
