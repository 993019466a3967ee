package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/parleyhq/parley/pkg/agent"
)

// Dispatcher runs batches of tool calls through an Executor. Implements
// agent.ToolRunner.
type Dispatcher struct {
	executor     *Executor
	skipApproval bool
	logger       *slog.Logger
}

// NewDispatcher wraps an executor. skipApproval is propagated to every
// call (admin-enforced approvals still apply).
func NewDispatcher(executor *Executor, skipApproval bool) *Dispatcher {
	return &Dispatcher{
		executor:     executor,
		skipApproval: skipApproval,
		logger:       slog.Default(),
	}
}

// RunAll executes the calls concurrently and returns results in input
// order. A panicking execution becomes an unsuccessful result for its
// own slot; the rest of the batch is unaffected. There is no concurrency
// cap beyond the LLM's per-turn tool-call count.
func (d *Dispatcher) RunAll(ctx context.Context, calls []agent.ToolCall, turn *agent.TurnContext) []agent.ToolResult {
	switch len(calls) {
	case 0:
		return nil
	case 1:
		return []agent.ToolResult{d.runOne(ctx, calls[0], turn)}
	}

	results := make([]agent.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call agent.ToolCall) {
			defer wg.Done()
			results[i] = d.runOne(ctx, call, turn)
		}(i, call)
	}
	wg.Wait()
	return results
}

// runOne guards a single execution against panics.
func (d *Dispatcher) runOne(ctx context.Context, call agent.ToolCall, turn *agent.TurnContext) (result agent.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool execution panicked",
				"tool", call.Name, "tool_call_id", call.ID, "panic", r)
			result = agent.ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    fmt.Sprintf("tool execution failed: %v", r),
				Success:    false,
				Error:      fmt.Sprintf("tool execution failed: %v", r),
			}
		}
	}()
	return d.executor.Run(ctx, call, turn, d.skipApproval)
}
