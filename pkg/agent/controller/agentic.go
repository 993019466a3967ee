package controller

import (
	"context"

	"github.com/parleyhq/parley/pkg/agent"
)

// agenticStrategy is the provider-native loop: no control tools, real
// tools with tool_choice=auto, text means done. When streaming, text
// tokens flow to the client as they arrive; a turn that turns out to be
// a tool-call turn stops streaming and goes to execution.
type agenticStrategy struct {
	deps *Deps
}

func newAgentic(deps *Deps) Strategy { return &agenticStrategy{deps: deps} }

func (s *agenticStrategy) Name() string { return "agentic" }

func (s *agenticStrategy) Run(ctx context.Context, req *Request) (*agent.LoopResult, error) {
	req.normalize()
	emitStart(ctx, req, s.Name())

	state := &agent.LoopState{MaxSteps: req.MaxSteps}
	messages := append([]agent.Message(nil), req.Messages...)
	modelUsed := ""

	for state.CurrentStep = 1; state.CurrentStep <= req.MaxSteps; state.CurrentStep++ {
		emitTurnStart(ctx, req, state.CurrentStep)

		resp, err := callModel(ctx, s.deps, req, state, &agent.CallInput{
			Model:       req.Model,
			Messages:    messages,
			Temperature: req.Temperature,
			Tools:       req.Tools,
			ToolChoice:  agent.ToolChoiceAuto,
			DataSources: req.DataSources,
		})
		if err != nil {
			if state.ShouldAbortOnTimeouts() {
				break
			}
			messages = append(messages, agent.Message{
				Role:    agent.RoleSystem,
				Content: "The previous model call failed: " + state.LastErrorMessage + ". Continue.",
			})
			continue
		}
		modelUsed = resp.ModelUsed

		if len(resp.ToolCalls) == 0 {
			result := &agent.LoopResult{FinalAnswer: resp.Content, Steps: state.CurrentStep}
			emitCompletion(ctx, req, s.Name(), result, modelUsed)
			return result, nil
		}

		messages, _ = runTools(ctx, s.deps, req, state, messages, resp.Content, resp.ToolCalls)
	}

	final := exhaustedAnswer(ctx, s.deps, req, state, messages)
	result := &agent.LoopResult{FinalAnswer: final, Steps: min(state.CurrentStep, req.MaxSteps)}
	emitCompletion(ctx, req, s.Name(), result, modelUsed)
	return result, nil
}
