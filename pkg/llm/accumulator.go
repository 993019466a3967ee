// Package llm adapts the provider-facing Caller contract for the agent
// loops: it wires retrieval into call history, forwards streamed tokens
// to the event sink, and assembles tool calls from streaming fragments.
package llm

import (
	"sort"
	"strings"

	"github.com/parleyhq/parley/pkg/agent"
)

// fragmentAccumulator coalesces streaming tool-call fragments by delta
// index. A tool call is not complete until the stream ends.
type fragmentAccumulator struct {
	partials map[int]*partialCall
}

type partialCall struct {
	id   string
	name strings.Builder
	args strings.Builder
}

func newFragmentAccumulator() *fragmentAccumulator {
	return &fragmentAccumulator{partials: make(map[int]*partialCall)}
}

// Add folds one fragment in. The ID arrives on the first fragment of an
// index only; later fragments carry deltas.
func (a *fragmentAccumulator) Add(chunk *agent.ToolCallChunk) {
	p, ok := a.partials[chunk.Index]
	if !ok {
		p = &partialCall{}
		a.partials[chunk.Index] = p
	}
	if chunk.ID != "" {
		p.id = chunk.ID
	}
	p.name.WriteString(chunk.NameDelta)
	p.args.WriteString(chunk.ArgsDelta)
}

// Empty reports whether any fragments arrived.
func (a *fragmentAccumulator) Empty() bool {
	return len(a.partials) == 0
}

// Finalize returns the assembled tool calls ordered by index.
func (a *fragmentAccumulator) Finalize() []agent.ToolCall {
	if len(a.partials) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.partials))
	for i := range a.partials {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]agent.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		p := a.partials[i]
		args := p.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, agent.ToolCall{
			ID:        p.id,
			Name:      p.name.String(),
			Arguments: args,
		})
	}
	return calls
}
