package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/approval"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/events"
	"github.com/parleyhq/parley/pkg/mcp"
)

func mustSchema(raw json.RawMessage) *jsonschema.Schema {
	s := new(jsonschema.Schema)
	if err := json.Unmarshal(raw, s); err != nil {
		panic(err)
	}
	return s
}

// stubBackend is an in-memory Backend with a single "srv" server.
type stubBackend struct {
	mu      sync.Mutex
	gotArgs map[string]any
	schemas map[string]json.RawMessage
	handler func(tool string, args map[string]any) (*mcpsdk.CallToolResult, error)
}

func (b *stubBackend) ResolveTool(fullName string) (string, string, error) {
	server, tool, ok := strings.Cut(fullName, "_")
	if !ok || server != "srv" {
		return "", "", errors.New("unknown tool " + fullName)
	}
	return server, tool, nil
}

func (b *stubBackend) ToolSchema(server, tool string) *mcpsdk.Tool {
	raw, ok := b.schemas[tool]
	if !ok {
		return nil
	}
	return &mcpsdk.Tool{Name: tool, InputSchema: mustSchema(raw)}
}

func (b *stubBackend) ToolsByServer() map[string][]*mcpsdk.Tool {
	tools := make([]*mcpsdk.Tool, 0, len(b.schemas))
	for name, raw := range b.schemas {
		tools = append(tools, &mcpsdk.Tool{Name: name, InputSchema: mustSchema(raw)})
	}
	return map[string][]*mcpsdk.Tool{"srv": tools}
}

func (b *stubBackend) CallTool(_ context.Context, _, tool string, args map[string]any, _ string, _ *mcp.CallSinks) (*mcpsdk.CallToolResult, error) {
	b.mu.Lock()
	b.gotArgs = args
	b.mu.Unlock()
	if b.handler != nil {
		return b.handler(tool, args)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: `{"results":"ok"}`}},
	}, nil
}

func (b *stubBackend) args() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gotArgs
}

// eventRecorder captures emitted events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) emit(_ context.Context, ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newTestExecutor(backend *stubBackend, policy config.ApprovalConfig, timeouts config.TimeoutConfig) (*Executor, *approval.Broker) {
	broker := approval.NewBroker()
	registry := config.NewServerRegistry(map[string]*config.ServerConfig{
		"srv": {Command: "srv"},
	})
	return New(backend, broker, registry, policy, timeouts, nil, nil), broker
}

func execTurn(rec *eventRecorder) *agent.TurnContext {
	return &agent.TurnContext{
		SessionID: "sess-1",
		UserEmail: "alice@example.com",
		Emit:      rec.emit,
	}
}

func TestRunUnknownTool(t *testing.T) {
	rec := &eventRecorder{}
	exec, _ := newTestExecutor(&stubBackend{}, config.ApprovalConfig{}, config.TimeoutConfig{})

	result := exec.Run(context.Background(), agent.ToolCall{ID: "c1", Name: "nounderscore"}, execTurn(rec), true)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unknown tool")
	assert.Equal(t, []string{events.TypeToolError}, rec.types())
}

func TestRunSuccessWithSkipApproval(t *testing.T) {
	rec := &eventRecorder{}
	backend := &stubBackend{}
	exec, _ := newTestExecutor(backend, config.ApprovalConfig{}, config.TimeoutConfig{})

	result := exec.Run(context.Background(),
		agent.ToolCall{ID: "c1", Name: "srv_echo", Arguments: `{"q":"x"}`}, execTurn(rec), true)

	assert.True(t, result.Success)
	assert.Contains(t, result.Content, `"results":"ok"`)
	assert.Equal(t, []string{events.TypeToolStart, events.TypeToolComplete}, rec.types())

	// With no schema, the identity is injected.
	assert.Equal(t, "alice@example.com", backend.args()["username"])
	assert.Equal(t, "x", backend.args()["q"])
}

func TestRunApprovalApproved(t *testing.T) {
	rec := &eventRecorder{}
	exec, broker := newTestExecutor(&stubBackend{}, config.ApprovalConfig{}, config.TimeoutConfig{Approval: time.Second})

	done := make(chan agent.ToolResult, 1)
	go func() {
		done <- exec.Run(context.Background(),
			agent.ToolCall{ID: "c1", Name: "srv_echo", Arguments: `{}`}, execTurn(rec), false)
	}()

	waitForPending(t, broker, "c1")
	broker.RespondApproval("c1", approval.Response{Approved: true})

	result := <-done
	assert.True(t, result.Success)
	assert.Contains(t, rec.types(), events.TypeToolApprovalRequest)
}

func TestRunApprovalRejected(t *testing.T) {
	rec := &eventRecorder{}
	exec, broker := newTestExecutor(&stubBackend{}, config.ApprovalConfig{}, config.TimeoutConfig{Approval: time.Second})

	done := make(chan agent.ToolResult, 1)
	go func() {
		done <- exec.Run(context.Background(),
			agent.ToolCall{ID: "c1", Name: "srv_echo", Arguments: `{}`}, execTurn(rec), false)
	}()

	waitForPending(t, broker, "c1")
	broker.RespondApproval("c1", approval.Response{Approved: false, Reason: "not today"})

	result := <-done
	assert.False(t, result.Success)
	assert.Equal(t, "not today", result.Error)
	assert.Contains(t, rec.types(), events.TypeToolError)
	assert.NotContains(t, rec.types(), events.TypeToolStart, "rejected calls never start")
}

func TestRunApprovalTimeout(t *testing.T) {
	rec := &eventRecorder{}
	exec, _ := newTestExecutor(&stubBackend{}, config.ApprovalConfig{}, config.TimeoutConfig{Approval: 20 * time.Millisecond})

	result := exec.Run(context.Background(),
		agent.ToolCall{ID: "c1", Name: "srv_echo", Arguments: `{}`}, execTurn(rec), false)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not approved within the time limit")
}

func TestRunEditedApprovalReinjects(t *testing.T) {
	rec := &eventRecorder{}
	backend := &stubBackend{schemas: map[string]json.RawMessage{
		"echo": json.RawMessage(`{"type":"object","properties":{"username":{"type":"string"},"title":{"type":"string"}}}`),
	}}
	exec, broker := newTestExecutor(backend, config.ApprovalConfig{}, config.TimeoutConfig{Approval: time.Second})

	done := make(chan agent.ToolResult, 1)
	go func() {
		done <- exec.Run(context.Background(),
			agent.ToolCall{ID: "c1", Name: "srv_echo", Arguments: `{"title":"original"}`}, execTurn(rec), false)
	}()

	waitForPending(t, broker, "c1")
	// The edit drops username entirely; re-injection must restore it.
	broker.RespondApproval("c1", approval.Response{
		Approved:  true,
		Arguments: map[string]any{"title": "edited"},
	})

	result := <-done
	require.True(t, result.Success)
	assert.Equal(t, "edited", backend.args()["title"])
	assert.Equal(t, "alice@example.com", backend.args()["username"])
	assert.True(t, strings.HasPrefix(result.Content, "Note: the user edited the tool arguments"),
		"the LLM is told which arguments actually ran")
}

func TestRunGlobalForceIgnoresSkip(t *testing.T) {
	rec := &eventRecorder{}
	exec, _ := newTestExecutor(&stubBackend{},
		config.ApprovalConfig{GlobalForce: true},
		config.TimeoutConfig{Approval: 20 * time.Millisecond})

	result := exec.Run(context.Background(),
		agent.ToolCall{ID: "c1", Name: "srv_echo", Arguments: `{}`}, execTurn(rec), true)

	assert.False(t, result.Success, "admin-forced approval cannot be bypassed")
}

func TestRunToolExemptedByPolicy(t *testing.T) {
	rec := &eventRecorder{}
	exec, _ := newTestExecutor(&stubBackend{},
		config.ApprovalConfig{Tools: map[string]bool{"srv_echo": false}},
		config.TimeoutConfig{Approval: 20 * time.Millisecond})

	result := exec.Run(context.Background(),
		agent.ToolCall{ID: "c1", Name: "srv_echo", Arguments: `{}`}, execTurn(rec), false)

	assert.True(t, result.Success, "per-tool exemption runs without approval")
}

func TestRunAuthRequired(t *testing.T) {
	rec := &eventRecorder{}
	backend := &stubBackend{handler: func(string, map[string]any) (*mcpsdk.CallToolResult, error) {
		return nil, &agent.AuthRequiredError{
			ServerName:    "srv",
			AuthType:      "oauth",
			OAuthStartURL: "https://auth.example.com/start",
		}
	}}
	exec, _ := newTestExecutor(backend, config.ApprovalConfig{}, config.TimeoutConfig{})

	result := exec.Run(context.Background(),
		agent.ToolCall{ID: "c1", Name: "srv_echo", Arguments: `{}`}, execTurn(rec), true)

	assert.False(t, result.Success)
	assert.Equal(t, true, result.MetaData["auth_required"])
	assert.Equal(t, "https://auth.example.com/start", result.MetaData["oauth_start_url"])
	assert.Contains(t, rec.types(), events.TypeAuthRequired)
}

func TestRunServerReportedError(t *testing.T) {
	rec := &eventRecorder{}
	backend := &stubBackend{handler: func(string, map[string]any) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{
			IsError: true,
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "query failed"}},
		}, nil
	}}
	exec, _ := newTestExecutor(backend, config.ApprovalConfig{}, config.TimeoutConfig{})

	result := exec.Run(context.Background(),
		agent.ToolCall{ID: "c1", Name: "srv_echo", Arguments: `{}`}, execTurn(rec), true)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "query failed")
	assert.Contains(t, rec.types(), events.TypeToolError)
}

func TestRunSchemaFiltersUndeclaredArguments(t *testing.T) {
	rec := &eventRecorder{}
	backend := &stubBackend{schemas: map[string]json.RawMessage{
		"echo": json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`),
	}}
	exec, _ := newTestExecutor(backend, config.ApprovalConfig{}, config.TimeoutConfig{})

	result := exec.Run(context.Background(),
		agent.ToolCall{ID: "c1", Name: "srv_echo", Arguments: `{"q":"x","made_up":true}`}, execTurn(rec), true)

	require.True(t, result.Success)
	assert.Equal(t, map[string]any{"q": "x"}, backend.args(),
		"undeclared arguments, including username, never reach the server")
}

func waitForPending(t *testing.T, broker *approval.Broker, id string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, pending := range broker.PendingApprovals() {
			if pending == id {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("approval %s never registered", id)
}
