package executor

import (
	"context"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/config"
)

func TestRunAllEmpty(t *testing.T) {
	exec, _ := newTestExecutor(&stubBackend{}, config.ApprovalConfig{}, config.TimeoutConfig{})
	d := NewDispatcher(exec, true)
	assert.Nil(t, d.RunAll(context.Background(), nil, execTurn(&eventRecorder{})))
}

func TestRunAllPreservesOrderDespiteTiming(t *testing.T) {
	// Earlier calls finish last; results must still come back in input
	// order.
	backend := &stubBackend{handler: func(tool string, _ map[string]any) (*mcpsdk.CallToolResult, error) {
		switch tool {
		case "slow":
			time.Sleep(50 * time.Millisecond)
		case "medium":
			time.Sleep(20 * time.Millisecond)
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: `{"results":"` + tool + `"}`}},
		}, nil
	}}
	exec, _ := newTestExecutor(backend, config.ApprovalConfig{}, config.TimeoutConfig{})
	d := NewDispatcher(exec, true)

	results := d.RunAll(context.Background(), []agent.ToolCall{
		{ID: "c1", Name: "srv_slow", Arguments: `{}`},
		{ID: "c2", Name: "srv_medium", Arguments: `{}`},
		{ID: "c3", Name: "srv_fast", Arguments: `{}`},
	}, execTurn(&eventRecorder{}))

	require.Len(t, results, 3)
	assert.Equal(t, "c1", results[0].ToolCallID)
	assert.Equal(t, "c2", results[1].ToolCallID)
	assert.Equal(t, "c3", results[2].ToolCallID)
	assert.Contains(t, results[0].Content, "slow")
	assert.Contains(t, results[2].Content, "fast")
}

func TestRunAllIsolatesFailures(t *testing.T) {
	backend := &stubBackend{handler: func(tool string, _ map[string]any) (*mcpsdk.CallToolResult, error) {
		if tool == "boom" {
			panic("backend exploded")
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: `{"results":"ok"}`}},
		}, nil
	}}
	exec, _ := newTestExecutor(backend, config.ApprovalConfig{}, config.TimeoutConfig{})
	d := NewDispatcher(exec, true)

	results := d.RunAll(context.Background(), []agent.ToolCall{
		{ID: "c1", Name: "srv_ok", Arguments: `{}`},
		{ID: "c2", Name: "srv_boom", Arguments: `{}`},
		{ID: "c3", Name: "srv_ok", Arguments: `{}`},
	}, execTurn(&eventRecorder{}))

	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "tool execution failed")
	assert.True(t, results[2].Success, "a panicking call does not take down the batch")
}

func TestRunAllSingleCallFastPath(t *testing.T) {
	exec, _ := newTestExecutor(&stubBackend{}, config.ApprovalConfig{}, config.TimeoutConfig{})
	d := NewDispatcher(exec, true)

	results := d.RunAll(context.Background(), []agent.ToolCall{
		{ID: "c1", Name: "srv_echo", Arguments: `{}`},
	}, execTurn(&eventRecorder{}))

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "c1", results[0].ToolCallID)
}
