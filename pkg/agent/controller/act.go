package controller

import (
	"context"
	"encoding/json"

	"github.com/parleyhq/parley/pkg/agent"
)

// finishedToolName is the reserved pseudo-tool the act strategy injects
// so the model has an explicit way to terminate.
const finishedToolName = "finished"

var finishedTool = agent.ToolDefinition{
	Name:        finishedToolName,
	Description: "Call this when you have the complete final answer for the user.",
	ParametersSchema: `{"type":"object","properties":{"final_answer":{"type":"string",` +
		`"description":"The complete final answer to present to the user."}},"required":["final_answer"]}`,
}

// actStrategy is the simplest tool loop: every step must produce tool
// calls (tool_choice=required), and termination is the finished
// pseudo-tool.
type actStrategy struct {
	deps *Deps
}

func newAct(deps *Deps) Strategy { return &actStrategy{deps: deps} }

func (s *actStrategy) Name() string { return "act" }

func (s *actStrategy) Run(ctx context.Context, req *Request) (*agent.LoopResult, error) {
	req.normalize()
	emitStart(ctx, req, s.Name())

	state := &agent.LoopState{MaxSteps: req.MaxSteps}
	messages := append([]agent.Message(nil), req.Messages...)
	tools := append(append([]agent.ToolDefinition(nil), req.Tools...), finishedTool)
	modelUsed := ""

	for state.CurrentStep = 1; state.CurrentStep <= req.MaxSteps; state.CurrentStep++ {
		emitTurnStart(ctx, req, state.CurrentStep)

		resp, err := callWithRequiredTools(ctx, s.deps, req, state, &agent.CallInput{
			Model:       req.Model,
			Messages:    messages,
			Temperature: req.Temperature,
			Tools:       tools,
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

		if answer, ok := finishedAnswer(resp.ToolCalls); ok {
			result := &agent.LoopResult{FinalAnswer: answer, Steps: state.CurrentStep}
			emitCompletion(ctx, req, s.Name(), result, modelUsed)
			return result, nil
		}

		// Under the auto fallback the model may answer in plain text.
		if len(resp.ToolCalls) == 0 {
			if resp.Content == "" {
				continue
			}
			result := &agent.LoopResult{FinalAnswer: resp.Content, Steps: state.CurrentStep}
			emitCompletion(ctx, req, s.Name(), result, modelUsed)
			return result, nil
		}

		calls := withoutFinished(resp.ToolCalls)
		if len(calls) == 0 {
			continue
		}
		messages, _ = runTools(ctx, s.deps, req, state, messages, resp.Content, calls)
	}

	final := exhaustedAnswer(ctx, s.deps, req, state, messages)
	result := &agent.LoopResult{FinalAnswer: final, Steps: req.MaxSteps}
	emitCompletion(ctx, req, s.Name(), result, modelUsed)
	return result, nil
}

// withoutFinished drops finished pseudo-calls that carried no answer.
func withoutFinished(calls []agent.ToolCall) []agent.ToolCall {
	out := calls[:0:0]
	for _, call := range calls {
		if call.Name != finishedToolName {
			out = append(out, call)
		}
	}
	return out
}

// finishedAnswer extracts the final answer when the model invoked the
// finished pseudo-tool.
func finishedAnswer(calls []agent.ToolCall) (string, bool) {
	for _, call := range calls {
		if call.Name != finishedToolName {
			continue
		}
		var args struct {
			FinalAnswer string `json:"final_answer"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err == nil && args.FinalAnswer != "" {
			return args.FinalAnswer, true
		}
		return "", false
	}
	return "", false
}
