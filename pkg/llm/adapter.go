package llm

import (
	"context"
	"errors"
	"log/slog"
	"runtime"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/events"
	"github.com/parleyhq/parley/pkg/rag"
)

// yieldEvery is how many chunks are processed between cooperative
// yields, keeping one fast stream from starving the scheduler.
const yieldEvery = 50

// Adapter sits between the strategy drivers and the provider Caller.
// Non-streaming calls are dispatched to the right contract method;
// streaming calls get retrieval pre-queries, token forwarding, and
// fragment accumulation.
type Adapter struct {
	caller    agent.Caller
	retrieval rag.Service
	logger    *slog.Logger
}

// NewAdapter creates an adapter. retrieval may be nil when no RAG
// backends are configured.
func NewAdapter(caller agent.Caller, retrieval rag.Service) *Adapter {
	return &Adapter{
		caller:    caller,
		retrieval: retrieval,
		logger:    slog.Default(),
	}
}

// Call performs a non-streaming call, routed by the presence of tools
// and data sources. A failing retrieval layer falls back to the
// non-retrieval path for that call.
func (a *Adapter) Call(ctx context.Context, in *agent.CallInput) (*agent.LLMResponse, error) {
	hasTools := len(in.Tools) > 0
	hasRAG := len(in.DataSources) > 0

	switch {
	case hasRAG && hasTools:
		resp, err := a.caller.CallWithRAGAndTools(ctx, in)
		if err != nil && !isToolChoiceErr(err) {
			a.logger.Warn("retrieval-augmented call failed, retrying without retrieval", "error", err)
			return a.caller.CallWithTools(ctx, in)
		}
		return resp, err
	case hasRAG:
		resp, err := a.caller.CallWithRAG(ctx, in)
		if err != nil {
			a.logger.Warn("retrieval-augmented call failed, retrying without retrieval", "error", err)
			return a.caller.CallPlain(ctx, in)
		}
		return resp, nil
	case hasTools:
		return a.caller.CallWithTools(ctx, in)
	default:
		return a.caller.CallPlain(ctx, in)
	}
}

func isToolChoiceErr(err error) bool {
	return errors.Is(err, agent.ErrToolChoiceUnsupported)
}

// Stream performs a streaming call. Text deltas are forwarded to emit
// as token_stream events; tool-call fragments are accumulated and
// returned on the terminal response, which is produced strictly after
// every chunk has been processed.
//
// When data sources are selected, retrieval runs first (non-streaming)
// and the combined context is inserted as a system message immediately
// before the last user message. A single source may answer with a
// pre-formed completion, which is returned without calling the LLM.
func (a *Adapter) Stream(ctx context.Context, in *agent.CallInput, sessionID string, emit events.EmitFunc) (*agent.LLMResponse, error) {
	if emit == nil {
		emit = func(context.Context, events.Event) {}
	}

	if len(in.DataSources) > 0 && a.retrieval != nil {
		enriched, completion := a.applyRetrieval(ctx, in)
		if completion != nil {
			return completion, nil
		}
		in = enriched
	}

	var (
		chunks <-chan agent.Chunk
		err    error
	)
	if len(in.Tools) > 0 {
		chunks, err = a.caller.StreamWithTools(ctx, in)
	} else {
		chunks, err = a.caller.StreamPlain(ctx, in)
	}
	if err != nil {
		return nil, err
	}

	return a.consume(ctx, chunks, in.Model, sessionID, emit)
}

// applyRetrieval queries the selected sources and splices the combined
// context into the message history.
func (a *Adapter) applyRetrieval(ctx context.Context, in *agent.CallInput) (*agent.CallInput, *agent.LLMResponse) {
	query := lastUserContent(in.Messages)
	results := rag.QueryAll(ctx, a.retrieval, in.DataSources, query)
	contextBlock, completion := rag.Combine(results)
	if completion != nil {
		if completion.ModelUsed == "" {
			completion.ModelUsed = results[0].Source
		}
		return in, completion
	}
	if contextBlock == "" {
		return in, nil
	}

	enriched := *in
	enriched.Messages = insertBeforeLastUser(in.Messages, agent.Message{
		Role:    agent.RoleSystem,
		Content: contextBlock,
	})
	return &enriched, nil
}

// consume drains the chunk channel, forwarding text and folding
// fragments. Once a tool-call fragment appears, further text is no
// longer streamed to the client: the turn is going to tool execution,
// not a final answer.
func (a *Adapter) consume(ctx context.Context, chunks <-chan agent.Chunk, model, sessionID string, emit events.EmitFunc) (*agent.LLMResponse, error) {
	acc := newFragmentAccumulator()
	var content []byte
	streamedAny := false
	processed := 0

	for chunk := range chunks {
		processed++
		if processed%yieldEvery == 0 {
			runtime.Gosched()
		}

		switch c := chunk.(type) {
		case *agent.TextChunk:
			content = append(content, c.Content...)
			if acc.Empty() {
				emit(ctx, events.NewEvent(events.TypeTokenStream, sessionID, events.TokenStreamPayload{
					Token:   c.Content,
					IsFirst: !streamedAny,
				}))
				streamedAny = true
			}
		case *agent.ToolCallChunk:
			acc.Add(c)
		case *agent.ErrorChunk:
			return nil, &agent.ClassifiedError{
				Kind:    agent.ErrorKindUnexpected,
				Message: "The model stream failed. Please try again.",
				Cause:   errors.New(c.Message),
			}
		case *agent.UsageChunk:
			// Accounting only, not part of the response.
		}
	}

	if streamedAny {
		emit(ctx, events.NewEvent(events.TypeTokenStream, sessionID, events.TokenStreamPayload{
			IsLast: true,
		}))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &agent.LLMResponse{
		Content:   string(content),
		ToolCalls: acc.Finalize(),
		ModelUsed: model,
	}, nil
}

// lastUserContent returns the content of the last user message.
func lastUserContent(messages []agent.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == agent.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// insertBeforeLastUser returns a copy of messages with msg inserted
// immediately before the last user message (appended when there is
// none).
func insertBeforeLastUser(messages []agent.Message, msg agent.Message) []agent.Message {
	idx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == agent.RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		return append(append([]agent.Message(nil), messages...), msg)
	}
	out := make([]agent.Message, 0, len(messages)+1)
	out = append(out, messages[:idx]...)
	out = append(out, msg)
	out = append(out, messages[idx:]...)
	return out
}
