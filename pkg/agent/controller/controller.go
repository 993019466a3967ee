// Package controller implements the four agent loop strategies and the
// factory that selects between them. All strategies share one contract:
// drive the model through at most MaxSteps decisions, dispatch tool
// calls through the runner, and emit the loop event protocol.
package controller

import (
	"context"
	"log/slog"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/events"
	"github.com/parleyhq/parley/pkg/llm"
)

// DefaultMaxSteps bounds a loop when the request does not specify one.
const DefaultMaxSteps = 10

// Request is one loop run. Messages arrive seeded with the system and
// user messages; the strategy appends to them in causal order.
type Request struct {
	Model       string
	Messages    []agent.Message
	Turn        *agent.TurnContext
	Tools       []agent.ToolDefinition
	DataSources []string
	MaxSteps    int
	Temperature float64
	Streaming   bool
	Emit        events.EmitFunc

	// Mailbox receives user replies for strategies that ask questions
	// mid-loop. Optional.
	Mailbox *agent.InputMailbox
}

func (r *Request) normalize() {
	if r.MaxSteps <= 0 {
		r.MaxSteps = DefaultMaxSteps
	}
	if r.Emit == nil {
		r.Emit = func(context.Context, events.Event) {}
	}
}

// Strategy is one loop driver.
type Strategy interface {
	Name() string
	Run(ctx context.Context, req *Request) (*agent.LoopResult, error)
}

// Deps are the immutable collaborators shared by all strategies.
type Deps struct {
	LLM      *llm.Adapter
	Runner   agent.ToolRunner
	Timeouts config.TimeoutConfig
	Logger   *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
