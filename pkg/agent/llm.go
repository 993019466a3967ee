package agent

import (
	"context"
	"errors"
)

// ToolChoice constrains how the provider may answer a tool-capable call.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
)

// ErrToolChoiceUnsupported is returned by Caller implementations whose
// provider rejects tool_choice=required. Strategies retry with auto.
var ErrToolChoiceUnsupported = errors.New("provider does not support required tool choice")

// CallInput is the common request shape for all Caller methods.
type CallInput struct {
	Model       string
	Messages    []Message
	Temperature float64

	// Tools and ToolChoice apply to the *WithTools variants only.
	Tools      []ToolDefinition
	ToolChoice ToolChoice

	// DataSources apply to the *WithRAG variants only.
	DataSources []string
}

// Caller is the narrow contract to the LLM provider layer. The
// implementation owns provider routing and credential resolution; the
// core treats it as a black box that may return errors classifiable by
// the taxonomy in errors.go.
//
// Stream variants return a channel of chunks closed when the stream
// completes. Text deltas arrive in source order; tool-call fragments are
// coalesced by the streaming adapter; the terminal state is derived by
// the adapter after the channel closes.
type Caller interface {
	CallPlain(ctx context.Context, in *CallInput) (*LLMResponse, error)
	CallWithTools(ctx context.Context, in *CallInput) (*LLMResponse, error)
	CallWithRAG(ctx context.Context, in *CallInput) (*LLMResponse, error)
	CallWithRAGAndTools(ctx context.Context, in *CallInput) (*LLMResponse, error)

	StreamPlain(ctx context.Context, in *CallInput) (<-chan Chunk, error)
	StreamWithTools(ctx context.Context, in *CallInput) (<-chan Chunk, error)
}

// Chunk is the interface for streaming chunk types.
type Chunk interface {
	chunkType() string
}

// TextChunk is a delta of the LLM's text response.
type TextChunk struct{ Content string }

// ToolCallChunk is one fragment of a tool call being assembled. Fragments
// for the same Index are concatenated by the streaming adapter; ID is set
// on the first fragment only.
type ToolCallChunk struct {
	Index     int
	ID        string
	NameDelta string
	ArgsDelta string
}

// UsageChunk reports token consumption for the call.
type UsageChunk struct{ InputTokens, OutputTokens, TotalTokens int }

// ErrorChunk signals a provider error mid-stream.
type ErrorChunk struct {
	Message   string
	Code      string
	Retryable bool
}

func (c *TextChunk) chunkType() string     { return "text" }
func (c *ToolCallChunk) chunkType() string { return "tool_call" }
func (c *UsageChunk) chunkType() string    { return "usage" }
func (c *ErrorChunk) chunkType() string    { return "error" }
