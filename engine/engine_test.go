package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentswarm/agent"
	"github.com/hupe1980/agentswarm/core"
	"github.com/hupe1980/agentswarm/logging"
	"github.com/hupe1980/agentswarm/mcp"
	"github.com/hupe1980/agentswarm/model"
)

// stubInvoker is an in-memory ToolInvoker with configurable latency per tool
// so ordering tests can make the first issued call finish last.
type stubInvoker struct {
	mu      sync.Mutex
	results map[string]string
	errs    map[string]error
	delays  map[string]time.Duration
	calls   []string
}

func newStubInvoker() *stubInvoker {
	return &stubInvoker{
		results: make(map[string]string),
		errs:    make(map[string]error),
		delays:  make(map[string]time.Duration),
	}
}

func (s *stubInvoker) Invoke(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls = append(s.calls, tool)
	delay := s.delays[tool]
	res, err := s.results[tool], s.errs[tool]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(res), nil
}

func (s *stubInvoker) Server(string) (string, bool) { return "stub", true }

// flakyModel fails a fixed number of times before answering.
type flakyModel struct {
	mu       sync.Mutex
	failures int
	outcome  *model.Outcome
	attempts int
}

func (f *flakyModel) Complete(context.Context, model.Request) (*model.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		return nil, fmt.Errorf("upstream unavailable")
	}
	return f.outcome, nil
}

func (f *flakyModel) Info() model.Info {
	return model.Info{Name: "flaky", Provider: "mock", SupportsTools: true}
}

func quietLogger() *logging.SwarmLogger {
	return logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelError, Output: io.Discard})
}

func universityRegistry(t *testing.T) *agent.Registry {
	t.Helper()

	discovered := map[string]mcp.ToolDefinition{
		"course_search": {
			Name:        "course_search",
			Description: "Search the course catalog",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"topic": map[string]any{"type": "string"}},
				"required":   []any{"topic"},
			},
		},
		"enroll": {
			Name:        "enroll",
			Description: "Enroll a student in a course",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
	}

	r, err := agent.NewRegistry([]agent.Definition{
		{
			Name:         "Triage",
			Instructions: "Route the student to the right advisor.",
			Model:        "default",
			Handoffs:     []string{"CourseAdvisor"},
		},
		{
			Name:         "CourseAdvisor",
			Instructions: "Help {{.student_name}} pick courses.",
			Model:        "default",
			Tools:        []string{"course_search", "enroll"},
			Handoffs:     []string{"Triage"},
		},
	}, discovered)
	require.NoError(t, err)
	return r
}

func newTestEngine(t *testing.T, mdl model.Model, invoker ToolInvoker, optFns ...func(o *Options)) *Engine {
	t.Helper()

	e, err := New(universityRegistry(t), invoker, map[string]model.Model{"default": mdl},
		append([]func(o *Options){func(o *Options) {
			o.EntryAgent = "Triage"
			o.Logger = quietLogger()
		}}, optFns...)...)
	require.NoError(t, err)
	return e
}

func TestProcessTurnHandoffToolsAndFinalAnswer(t *testing.T) {
	mdl := model.NewMockModel("scripted").Enqueue(
		&model.Outcome{Handoff: "CourseAdvisor"},
		&model.Outcome{ToolCalls: []core.ToolCall{
			{ID: "c1", Name: "course_search", Arguments: json.RawMessage(`{"topic":"algorithms"}`)},
		}},
		&model.Outcome{Content: "CS301 Algorithms fits your schedule."},
	)
	invoker := newStubInvoker()
	invoker.results["course_search"] = `{"courses":["CS301"]}`

	e := newTestEngine(t, mdl, invoker)

	history := []core.Message{core.NewUserMessage("I want an algorithms course")}
	res, err := e.ProcessTurn(context.Background(), "conv-1", history, core.Vars{"student_name": "Ada"})
	require.NoError(t, err)

	assert.Equal(t, "CourseAdvisor", res.ActiveAgent)
	assert.Equal(t, 3, res.Iterations)
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, Transition{From: "Triage", To: "CourseAdvisor", Iteration: 1}, res.Transitions[0])

	// The handoff lands in the transcript as a call/result pair attributed to
	// the transferring agent, followed by the tool round and the final answer.
	require.Len(t, res.Messages, 5)
	require.True(t, res.Messages[0].HasToolCalls())
	assert.Equal(t, "Triage", res.Messages[0].Sender)
	assert.Equal(t, "transfer_to_CourseAdvisor", res.Messages[0].ToolCalls[0].Name)
	assert.Equal(t, core.RoleTool, res.Messages[1].Role)
	assert.Equal(t, res.Messages[0].ToolCalls[0].ID, res.Messages[1].ToolCallID)
	assert.JSONEq(t, `{"assistant": "CourseAdvisor"}`, res.Messages[1].Content)
	assert.True(t, res.Messages[2].HasToolCalls())
	assert.Equal(t, "CourseAdvisor", res.Messages[2].Sender)
	assert.Equal(t, core.RoleTool, res.Messages[3].Role)
	assert.Equal(t, "c1", res.Messages[3].ToolCallID)
	assert.JSONEq(t, `{"courses":["CS301"]}`, res.Messages[3].Content)
	assert.Equal(t, "CS301 Algorithms fits your schedule.", res.FinalMessage.Content)
	assert.Equal(t, "CourseAdvisor", res.FinalMessage.Sender)

	activeVar, ok := res.Vars.ActiveAgent()
	require.True(t, ok)
	assert.Equal(t, "CourseAdvisor", activeVar)

	// The advisor's instructions were rendered against the context variables
	// and its permitted handoffs travelled with the request.
	reqs := mdl.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, []string{"CourseAdvisor"}, reqs[0].Handoffs)
	assert.Contains(t, reqs[1].Instructions, "Ada")
	require.Len(t, reqs[1].Tools, 2)
	assert.Equal(t, []string{"Triage"}, reqs[1].Handoffs)
}

func TestProcessTurnToolResultsKeepIssueOrder(t *testing.T) {
	mdl := model.NewMockModel("scripted").Enqueue(
		&model.Outcome{Handoff: "CourseAdvisor"},
		&model.Outcome{ToolCalls: []core.ToolCall{
			{ID: "slow", Name: "course_search", Arguments: json.RawMessage(`{"topic":"math"}`)},
			{ID: "fast", Name: "enroll", Arguments: json.RawMessage(`{}`)},
		}},
		&model.Outcome{Content: "done"},
	)
	invoker := newStubInvoker()
	invoker.results["course_search"] = `{"courses":[]}`
	invoker.results["enroll"] = `{"enrolled":true}`
	invoker.delays["course_search"] = 150 * time.Millisecond

	e := newTestEngine(t, mdl, invoker)

	res, err := e.ProcessTurn(context.Background(), "conv-1", []core.Message{core.NewUserMessage("enroll me")}, nil)
	require.NoError(t, err)

	// course_search finishes last but its result still lands first.
	require.Len(t, res.Messages, 6)
	assert.Equal(t, "slow", res.Messages[3].ToolCallID)
	assert.Equal(t, "fast", res.Messages[4].ToolCallID)
}

func TestProcessTurnMergesHandoffContextVariables(t *testing.T) {
	mdl := model.NewMockModel("scripted").Enqueue(
		&model.Outcome{
			Handoff:     "CourseAdvisor",
			HandoffVars: map[string]any{"student_name": "Grace", "department": "CS"},
		},
		&model.Outcome{Content: "Welcome to the CS department."},
	)
	e := newTestEngine(t, mdl, newStubInvoker())

	res, err := e.ProcessTurn(context.Background(), "conv-1",
		[]core.Message{core.NewUserMessage("hi")},
		core.Vars{"student_name": "Ada", "term": "fall"})
	require.NoError(t, err)

	// Updates overwrite existing keys, new keys land, untouched keys survive.
	assert.Equal(t, "Grace", res.Vars["student_name"])
	assert.Equal(t, "CS", res.Vars["department"])
	assert.Equal(t, "fall", res.Vars["term"])

	// The transfer call carries its updates in the transcript record.
	require.True(t, res.Messages[0].HasToolCalls())
	assert.JSONEq(t, `{"context_variables":{"student_name":"Grace","department":"CS"}}`,
		string(res.Messages[0].ToolCalls[0].Arguments))

	// The receiving agent's instructions render against the merged variables.
	reqs := mdl.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[1].Instructions, "Grace")
}

func TestProcessTurnMergesToolResultContextVariables(t *testing.T) {
	mdl := model.NewMockModel("scripted").Enqueue(
		&model.Outcome{Handoff: "CourseAdvisor"},
		&model.Outcome{ToolCalls: []core.ToolCall{
			{ID: "c1", Name: "enroll", Arguments: json.RawMessage(`{}`)},
		}},
		&model.Outcome{Content: "You are enrolled."},
	)
	invoker := newStubInvoker()
	invoker.results["enroll"] = `{"enrolled":true,"context_variables":{"enrolled_course":"CS101"}}`

	e := newTestEngine(t, mdl, invoker)

	res, err := e.ProcessTurn(context.Background(), "conv-1",
		[]core.Message{core.NewUserMessage("enroll me")},
		core.Vars{"student_name": "Ada"})
	require.NoError(t, err)

	assert.Equal(t, "CS101", res.Vars["enrolled_course"])
	assert.Equal(t, "Ada", res.Vars["student_name"])
}

func TestProcessTurnDeniedToolBecomesErrorResult(t *testing.T) {
	// Triage has no tools; a hallucinated call must produce an error result
	// the agent can recover from, not abort the turn.
	mdl := model.NewMockModel("scripted").Enqueue(
		&model.Outcome{ToolCalls: []core.ToolCall{{ID: "c1", Name: "course_search", Arguments: json.RawMessage(`{"topic":"x"}`)}}},
		&model.Outcome{Content: "Let me transfer you instead."},
	)
	invoker := newStubInvoker()

	e := newTestEngine(t, mdl, invoker)

	res, err := e.ProcessTurn(context.Background(), "conv-1", []core.Message{core.NewUserMessage("hi")}, nil)
	require.NoError(t, err)

	require.Len(t, res.Messages, 3)
	errMsg := res.Messages[1]
	assert.Equal(t, core.RoleTool, errMsg.Role)
	assert.True(t, errMsg.IsError)
	assert.Contains(t, errMsg.Content, "Error:")
	assert.Contains(t, errMsg.Content, "not available")
	assert.Empty(t, invoker.calls, "denied call never reaches the invoker")
}

func TestProcessTurnRejectsInvalidArguments(t *testing.T) {
	mdl := model.NewMockModel("scripted").Enqueue(
		&model.Outcome{Handoff: "CourseAdvisor"},
		&model.Outcome{ToolCalls: []core.ToolCall{
			{ID: "c1", Name: "course_search", Arguments: json.RawMessage(`{}`)}, // missing required topic
		}},
		&model.Outcome{Content: "sorry"},
	)
	invoker := newStubInvoker()

	e := newTestEngine(t, mdl, invoker)

	res, err := e.ProcessTurn(context.Background(), "conv-1", []core.Message{core.NewUserMessage("hi")}, nil)
	require.NoError(t, err)

	errMsg := res.Messages[3]
	assert.True(t, errMsg.IsError)
	assert.Contains(t, errMsg.Content, "topic")
	assert.Empty(t, invoker.calls)
}

func TestProcessTurnRejectedHandoffContinues(t *testing.T) {
	// CourseAdvisor may only transfer back to Triage; an invented target gets
	// rejected with a corrective note and the loop continues.
	mdl := model.NewMockModel("scripted").Enqueue(
		&model.Outcome{Handoff: "CourseAdvisor"},
		&model.Outcome{Handoff: "Registrar"},
		&model.Outcome{Content: "I can help with that myself."},
	)
	e := newTestEngine(t, mdl, newStubInvoker())

	res, err := e.ProcessTurn(context.Background(), "conv-1", []core.Message{core.NewUserMessage("hi")}, nil)
	require.NoError(t, err)

	require.Len(t, res.Messages, 4)
	assert.Equal(t, core.RoleSystem, res.Messages[2].Role)
	assert.Contains(t, res.Messages[2].Content, "Registrar")
	assert.Equal(t, "CourseAdvisor", res.ActiveAgent, "rejected handoff keeps the active agent")
	require.Len(t, res.Transitions, 1)
}

func TestProcessTurnIterationBudget(t *testing.T) {
	// Two agents bouncing the conversation back and forth never finish.
	mdl := model.NewMockModel("scripted").Enqueue(
		&model.Outcome{Handoff: "CourseAdvisor"},
		&model.Outcome{Handoff: "Triage"},
		&model.Outcome{Handoff: "CourseAdvisor"},
	)
	e := newTestEngine(t, mdl, newStubInvoker(), func(o *Options) { o.MaxIterations = 3 })

	_, err := e.ProcessTurn(context.Background(), "conv-1", []core.Message{core.NewUserMessage("hi")}, nil)
	require.Error(t, err)

	var budgetErr *TurnBudgetError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, 3, budgetErr.Limit)
	assert.Equal(t, "conv-1", budgetErr.ConversationID)
}

func TestProcessTurnRetriesInference(t *testing.T) {
	mdl := &flakyModel{failures: 2, outcome: &model.Outcome{Content: "recovered"}}
	e := newTestEngine(t, mdl, newStubInvoker(), func(o *Options) {
		o.MaxRetries = 2
		o.RetryBaseDelay = time.Millisecond
	})

	res, err := e.ProcessTurn(context.Background(), "conv-1", []core.Message{core.NewUserMessage("hi")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.FinalMessage.Content)
	assert.Equal(t, 3, mdl.attempts)
}

func TestProcessTurnRetryExhaustion(t *testing.T) {
	mdl := &flakyModel{failures: 10}
	e := newTestEngine(t, mdl, newStubInvoker(), func(o *Options) {
		o.MaxRetries = 1
		o.RetryBaseDelay = time.Millisecond
	})

	_, err := e.ProcessTurn(context.Background(), "conv-1", []core.Message{core.NewUserMessage("hi")}, nil)
	require.Error(t, err)

	var infErr *InferenceError
	require.ErrorAs(t, err, &infErr)
	assert.Equal(t, "Triage", infErr.Agent)
	assert.Equal(t, 2, infErr.Attempts)
	assert.Equal(t, 2, mdl.attempts)
}

func TestProcessTurnSerializesPerConversation(t *testing.T) {
	mdl := model.NewMockModel("scripted").Enqueue(
		&model.Outcome{Content: "first"},
		&model.Outcome{Content: "second"},
	)
	e := newTestEngine(t, mdl, newStubInvoker())

	var mu sync.Mutex
	var finished []string
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.ProcessTurn(context.Background(), "conv-1", []core.Message{core.NewUserMessage("hi")}, nil)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			finished = append(finished, res.FinalMessage.Content)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Both turns completed and each consumed exactly one scripted outcome.
	assert.ElementsMatch(t, []string{"first", "second"}, finished)
}

func TestProcessTurnResumesActiveAgentFromVars(t *testing.T) {
	mdl := model.NewMockModel("scripted").Enqueue(&model.Outcome{Content: "welcome back"})
	e := newTestEngine(t, mdl, newStubInvoker())

	vars := core.Vars{}
	vars.SetActiveAgent("CourseAdvisor")

	res, err := e.ProcessTurn(context.Background(), "conv-1", []core.Message{core.NewUserMessage("hi again")}, vars)
	require.NoError(t, err)
	assert.Equal(t, "CourseAdvisor", res.ActiveAgent)
	assert.Equal(t, "CourseAdvisor", res.FinalMessage.Sender)
}

func TestNewValidatesWiring(t *testing.T) {
	registry := universityRegistry(t)

	_, err := New(registry, newStubInvoker(), map[string]model.Model{}, func(o *Options) {
		o.Logger = quietLogger()
	})
	require.Error(t, err, "agents referencing unconfigured models are rejected")

	_, err = New(registry, newStubInvoker(), map[string]model.Model{"default": model.NewMockModel("m")}, func(o *Options) {
		o.EntryAgent = "Registrar"
		o.Logger = quietLogger()
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Registrar")
}
