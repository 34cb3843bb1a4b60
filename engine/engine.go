package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentswarm/agent"
	"github.com/hupe1980/agentswarm/core"
	"github.com/hupe1980/agentswarm/internal/util"
	"github.com/hupe1980/agentswarm/logging"
	"github.com/hupe1980/agentswarm/model"
)

const (
	defaultMaxIterations    = 8
	defaultMaxRetries       = 2
	defaultRetryBaseDelay   = 200 * time.Millisecond
	defaultMaxParallelTools = 4
)

// ToolInvoker executes a discovered tool by name. *mcp.Manager satisfies it.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error)
}

// serverResolver is optionally implemented by invokers that can name the
// server owning a tool; used purely for log attribution.
type serverResolver interface {
	Server(tool string) (string, bool)
}

// Options configure an Engine.
type Options struct {
	// MaxIterations caps inference rounds per turn, counting handoffs and
	// tool batches alike.
	MaxIterations int
	// MaxRetries is the number of additional inference attempts after a
	// failed call.
	MaxRetries int
	// RetryBaseDelay is the first retry's backoff; it doubles per attempt.
	RetryBaseDelay time.Duration
	// MaxParallelTools bounds concurrent tool executions within one batch.
	MaxParallelTools int
	// EntryAgent receives turns whose context variables carry no active
	// agent yet.
	EntryAgent string
	// Logger defaults to the standard JSON logger.
	Logger *logging.SwarmLogger
}

// Transition records one handoff within a turn.
type Transition struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Iteration int    `json:"iteration"`
}

// TurnResult carries everything a turn produced. Messages holds only the
// messages appended during the turn; callers own the full history.
type TurnResult struct {
	ConversationID string         `json:"conversation_id"`
	TurnID         string         `json:"turn_id"`
	Messages       []core.Message `json:"messages"`
	FinalMessage   core.Message   `json:"final_message"`
	ActiveAgent    string         `json:"active_agent"`
	Vars           core.Vars      `json:"context_variables"`
	Transitions    []Transition   `json:"transitions,omitempty"`
	Iterations     int            `json:"iterations"`
}

// Engine drives conversation turns: it selects the active agent, runs
// inference, executes requested tool batches, follows handoffs and stops at
// the first final assistant message. One Engine serves many conversations;
// turns within the same conversation are serialized, turns across
// conversations run independently.
type Engine struct {
	registry *agent.Registry
	invoker  ToolInvoker
	models   map[string]model.Model
	opts     Options
	exec     toolExecutor

	mu        sync.Mutex
	convLocks map[string]*sync.Mutex
}

// New validates the wiring and constructs an Engine. Every agent's model name
// must resolve in models, and EntryAgent (when set) must be registered.
func New(registry *agent.Registry, invoker ToolInvoker, models map[string]model.Model, optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{
		MaxIterations:    defaultMaxIterations,
		MaxRetries:       defaultMaxRetries,
		RetryBaseDelay:   defaultRetryBaseDelay,
		MaxParallelTools: defaultMaxParallelTools,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(nil)
	}

	if registry == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if opts.EntryAgent != "" {
		if _, ok := registry.Get(opts.EntryAgent); !ok {
			return nil, fmt.Errorf("entry agent %q is not registered", opts.EntryAgent)
		}
	}
	for _, name := range registry.Names() {
		a, _ := registry.Get(name)
		if _, ok := models[a.Model()]; !ok {
			return nil, fmt.Errorf("agent %q references unconfigured model %q", name, a.Model())
		}
	}

	return &Engine{
		registry:  registry,
		invoker:   invoker,
		models:    models,
		opts:      opts,
		exec:      toolExecutor{maxParallel: opts.MaxParallelTools},
		convLocks: make(map[string]*sync.Mutex),
	}, nil
}

// ProcessTurn runs one turn of the conversation: inference loops until the
// active agent answers with plain content, the iteration budget is spent or
// an unrecoverable error occurs. Concurrent turns for the same conversation
// id block until the previous one finishes.
func (e *Engine) ProcessTurn(ctx context.Context, conversationID string, history []core.Message, vars core.Vars) (*TurnResult, error) {
	lock := e.convLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	turnID := core.NewID()
	logger := e.opts.Logger.WithComponent("engine").WithConversation(conversationID, turnID)
	start := time.Now()

	vars = vars.Clone()
	activeName, ok := vars.ActiveAgent()
	if !ok {
		activeName = e.opts.EntryAgent
	}
	active, ok := e.registry.Get(activeName)
	if !ok {
		return nil, fmt.Errorf("conversation %s: no registered agent to run the turn (active %q)", conversationID, activeName)
	}
	vars.SetActiveAgent(active.Name())

	transcript := make([]core.Message, len(history), len(history)+8)
	copy(transcript, history)

	result := &TurnResult{
		ConversationID: conversationID,
		TurnID:         turnID,
		Vars:           vars,
	}
	appendMsg := func(m core.Message) {
		transcript = append(transcript, m)
		result.Messages = append(result.Messages, m)
	}

	for iteration := 1; iteration <= e.opts.MaxIterations; iteration++ {
		result.Iterations = iteration

		instructions, err := active.Instructions(vars)
		if err != nil {
			logger.LogTurn(active.Name(), iteration, time.Since(start), false, err)
			return nil, fmt.Errorf("agent %q: render instructions: %w", active.Name(), err)
		}

		outcome, err := e.complete(ctx, logger, active, model.Request{
			Instructions: instructions,
			Messages:     transcript,
			Tools:        modelTools(active),
			Handoffs:     active.Handoffs(),
		})
		if err != nil {
			logger.LogTurn(active.Name(), iteration, time.Since(start), false, err)
			return nil, err
		}

		switch {
		case outcome.IsHandoff():
			next, allowed := e.resolveHandoff(active, outcome.Handoff)
			if !allowed {
				logger.Warn("engine.handoff.rejected agent=%s target=%s", active.Name(), outcome.Handoff)
				appendMsg(core.Message{
					ID:      core.NewID(),
					Role:    core.RoleSystem,
					Content: fmt.Sprintf("Transfer to %q was rejected: agent %q may not hand off to it. Answer the user directly or use a permitted transfer.", outcome.Handoff, active.Name()),
				})
				continue
			}
			logger.Info("engine.handoff from=%s to=%s", active.Name(), next.Name())

			// Record the transfer in history as a call/result pair attributed
			// to the agent that handed off.
			transferCall := core.ToolCall{
				ID:        core.NewID(),
				Name:      model.HandoffToolName(next.Name()),
				Arguments: handoffArguments(outcome.HandoffVars),
			}
			appendMsg(core.NewToolCallMessage(active.Name(), []core.ToolCall{transferCall}))
			appendMsg(core.NewToolMessage(transferCall.ID, transferCall.Name, fmt.Sprintf(`{"assistant": %q}`, next.Name())))

			result.Transitions = append(result.Transitions, Transition{From: active.Name(), To: next.Name(), Iteration: iteration})
			vars.Merge(outcome.HandoffVars)
			active = next
			vars.SetActiveAgent(active.Name())

		case outcome.HasToolCalls():
			appendMsg(core.NewToolCallMessage(active.Name(), outcome.ToolCalls))
			for _, msg := range e.runToolCalls(ctx, logger, active, outcome.ToolCalls) {
				appendMsg(msg)
				if !msg.IsError {
					vars.Merge(resultVars(msg.Content))
				}
			}

		default:
			final := core.NewAgentMessage(active.Name(), outcome.Content)
			appendMsg(final)
			result.FinalMessage = final
			result.ActiveAgent = active.Name()
			logger.LogTurn(active.Name(), iteration, time.Since(start), true, nil)
			return result, nil
		}
	}

	err := &TurnBudgetError{ConversationID: conversationID, Agent: active.Name(), Limit: e.opts.MaxIterations}
	logger.LogTurn(active.Name(), e.opts.MaxIterations, time.Since(start), false, err)
	return nil, err
}

// complete runs one inference call with retry and exponential backoff.
// Context cancellation aborts immediately and is never retried.
func (e *Engine) complete(ctx context.Context, logger *logging.SwarmLogger, active *agent.Agent, req model.Request) (*model.Outcome, error) {
	mdl := e.models[active.Model()]

	var lastErr error
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.opts.RetryBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		callStart := time.Now()
		outcome, err := mdl.Complete(ctx, req)
		logger.LogLLMCall(mdl.Info().Name, time.Since(callStart), err == nil, err)
		if err == nil {
			return outcome, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
	}

	return nil, &InferenceError{
		Agent:    active.Name(),
		Model:    active.Model(),
		Attempts: e.opts.MaxRetries + 1,
		Err:      lastErr,
	}
}

// runToolCalls executes a batch of tool calls and returns one result message
// per call in issue order. Permission and argument failures never abort the
// turn; they come back as error results the agent can react to.
func (e *Engine) runToolCalls(ctx context.Context, logger *logging.SwarmLogger, active *agent.Agent, calls []core.ToolCall) []core.Message {
	return e.exec.execute(ctx, calls, func(ctx context.Context, call core.ToolCall) core.Message {
		def, ok := active.Tool(call.Name)
		if !ok {
			logger.Warn("engine.tool.denied agent=%s tool=%s", active.Name(), call.Name)
			return core.NewToolErrorMessage(call.ID, call.Name, fmt.Errorf("tool %q is not available to agent %q", call.Name, active.Name()))
		}

		var args map[string]any
		if len(call.Arguments) > 0 {
			if err := json.Unmarshal(call.Arguments, &args); err != nil {
				return core.NewToolErrorMessage(call.ID, call.Name, fmt.Errorf("malformed arguments: %v", err))
			}
		}
		if err := util.ValidateParameters(args, def.InputSchema); err != nil {
			return core.NewToolErrorMessage(call.ID, call.Name, err)
		}

		execStart := time.Now()
		raw, err := e.invoker.Invoke(ctx, call.Name, call.Arguments)
		logger.LogToolCall(e.toolServer(call.Name), call.Name, time.Since(execStart), err == nil, err)
		if err != nil {
			return core.NewToolErrorMessage(call.ID, call.Name, err)
		}
		return core.NewToolMessage(call.ID, call.Name, string(raw))
	})
}

func (e *Engine) resolveHandoff(active *agent.Agent, target string) (*agent.Agent, bool) {
	if !active.AllowsHandoff(target) {
		return nil, false
	}
	next, ok := e.registry.Get(target)
	if !ok {
		return nil, false
	}
	return next, true
}

func (e *Engine) toolServer(tool string) string {
	if resolver, ok := e.invoker.(serverResolver); ok {
		if server, found := resolver.Server(tool); found {
			return server
		}
	}
	return ""
}

func (e *Engine) convLock(conversationID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.convLocks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		e.convLocks[conversationID] = lock
	}
	return lock
}

// handoffArguments encodes the transfer call's argument payload for the
// transcript. An empty delta renders as an empty object.
func handoffArguments(delta map[string]any) json.RawMessage {
	if len(delta) == 0 {
		return json.RawMessage(`{}`)
	}
	raw, err := json.Marshal(map[string]any{"context_variables": delta})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

// resultVars extracts the optional context_variables object a tool result may
// carry. Non-JSON results and results without the field yield nil.
func resultVars(content string) map[string]any {
	var payload struct {
		ContextVariables map[string]any `json:"context_variables"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil
	}
	return payload.ContextVariables
}

// modelTools converts the agent's permitted tool definitions into the
// provider-neutral shape.
func modelTools(a *agent.Agent) []model.ToolDefinition {
	discovered := a.Tools()
	if len(discovered) == 0 {
		return nil
	}
	out := make([]model.ToolDefinition, len(discovered))
	for i, def := range discovered {
		out[i] = model.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.InputSchema,
		}
	}
	return out
}
