package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/hupe1980/agentswarm/core"
)

// toolExecutor runs a batch of tool calls, possibly in parallel, and returns
// exactly one result message per call in the original issue order regardless
// of completion order. Workers must never panic the batch; panics are
// recovered and surfaced as error results.
type toolExecutor struct {
	maxParallel int
}

// execute dispatches each call to run and collects the results by index. The
// single-call fast path executes inline.
func (e *toolExecutor) execute(ctx context.Context, calls []core.ToolCall, run func(ctx context.Context, call core.ToolCall) core.Message) []core.Message {
	n := len(calls)
	if n == 0 {
		return nil
	}
	if n == 1 {
		return []core.Message{e.runSafe(ctx, calls[0], run)}
	}

	maxPar := e.maxParallel
	if maxPar <= 0 || maxPar > n {
		maxPar = n
	}

	results := make([]core.Message, n)
	sem := make(chan struct{}, maxPar)
	var wg sync.WaitGroup

	for i := range calls {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, call core.ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = e.runSafe(ctx, call, run)
		}(i, calls[i])
	}
	wg.Wait()

	return results
}

func (e *toolExecutor) runSafe(ctx context.Context, call core.ToolCall, run func(ctx context.Context, call core.ToolCall) core.Message) (msg core.Message) {
	defer func() {
		if r := recover(); r != nil {
			msg = core.NewToolErrorMessage(call.ID, call.Name, fmt.Errorf("panic in tool execution: %v\n%s", r, debug.Stack()))
		}
	}()
	return run(ctx, call)
}
