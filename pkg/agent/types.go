// Package agent provides the core domain types for the parley agent
// engine: tool calls and results, conversation messages, the LLM caller
// contract, and the loop state shared by the strategy drivers.
package agent

import (
	"context"

	"github.com/parleyhq/parley/pkg/events"
)

// Role values for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall identifies one requested tool invocation. Produced by the LLM
// in an assistant turn, consumed once by the executor, never mutated.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`      // fully qualified "server_tool"
	Arguments string `json:"arguments"` // raw JSON object text
}

// Artifact is a binary payload produced by a tool, surfaced to the UI
// out-of-band from the LLM-visible text.
type Artifact struct {
	Name        string `json:"name"`
	B64         string `json:"b64"`
	Mime        string `json:"mime"`
	Viewer      string `json:"viewer,omitempty"`
	Description string `json:"description,omitempty"`
}

// DisplayConfig hints the UI which artifact to open.
type DisplayConfig struct {
	PrimaryFile string `json:"primary_file"`
	OpenCanvas  bool   `json:"open_canvas"`
}

// ToolResult is the outcome of one tool invocation. Content is the
// JSON-serialized normalized payload for LLM consumption; artifact bytes
// never appear in it.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id"`
	Name       string         `json:"name"`
	Content    string         `json:"content"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Artifacts  []Artifact     `json:"artifacts,omitempty"`
	Display    *DisplayConfig `json:"display_config,omitempty"`
	MetaData   map[string]any `json:"meta_data,omitempty"`
}

// Message is one conversation element. Assistant messages may carry tool
// calls; tool messages carry the originating call ID.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// LLMResponse is one LLM return. A response either requests tools
// (ToolCalls non-empty) or terminates the turn (text only).
type LLMResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	ModelUsed string     `json:"model_used,omitempty"`
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Name             string `json:"name"` // fully qualified "server_tool"
	Description      string `json:"description,omitempty"`
	ParametersSchema string `json:"parameters,omitempty"` // JSON Schema
}

// FileRef identifies one file attached to the session.
type FileRef struct {
	Name string
	ID   string
	Mime string
	Size int64
}

// TurnContext carries the per-request immutables.
type TurnContext struct {
	SessionID      string
	UserEmail      string
	Files          []FileRef
	ConversationID string

	// Emit delivers UI events for this request. nil silences them.
	Emit events.EmitFunc
}

// FileByName returns the attached file matching name, or nil.
func (c *TurnContext) FileByName(name string) *FileRef {
	for i := range c.Files {
		if c.Files[i].Name == name {
			return &c.Files[i]
		}
	}
	return nil
}

// LoopResult is returned by a strategy run.
type LoopResult struct {
	FinalAnswer string
	Steps       int
	Metadata    map[string]any
}

// ToolRunner abstracts tool execution for the strategy drivers. RunAll
// executes every call concurrently and returns results in input order;
// failures become unsuccessful ToolResults, never Go errors.
type ToolRunner interface {
	RunAll(ctx context.Context, calls []ToolCall, turn *TurnContext) []ToolResult
}
