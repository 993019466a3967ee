package controller

import (
	"context"
	"encoding/json"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/events"
)

const thinkToolName = "agent_think"

var thinkTool = agent.ToolDefinition{
	Name: thinkToolName,
	Description: "Think about the task: finish with a final answer or record what to do next. " +
		"Use this instead of a tool when no tool call is needed yet.",
	ParametersSchema: `{"type":"object","properties":{` +
		`"finish":{"type":"boolean"},` +
		`"final_answer":{"type":"string"},` +
		`"next_action_hint":{"type":"string"}}}`,
}

// thinkActStrategy interleaves explicit thinking with single tool
// actions. One initial think always runs; after that each step is
// either one tool call or another think, at the model's choice.
type thinkActStrategy struct {
	deps *Deps
}

func newThinkAct(deps *Deps) Strategy { return &thinkActStrategy{deps: deps} }

func (s *thinkActStrategy) Name() string { return "think-act" }

func (s *thinkActStrategy) Run(ctx context.Context, req *Request) (*agent.LoopResult, error) {
	req.normalize()
	emitStart(ctx, req, s.Name())

	state := &agent.LoopState{MaxSteps: req.MaxSteps}
	messages := append([]agent.Message(nil), req.Messages...)
	modelUsed := ""

	finish := func(answer string) (*agent.LoopResult, error) {
		result := &agent.LoopResult{FinalAnswer: answer, Steps: state.CurrentStep}
		emitCompletion(ctx, req, s.Name(), result, modelUsed)
		return result, nil
	}

	for state.CurrentStep = 1; state.CurrentStep <= req.MaxSteps; state.CurrentStep++ {
		emitTurnStart(ctx, req, state.CurrentStep)

		// The initial step presents only the think tool; later steps let
		// the model choose between acting and thinking again.
		tools := []agent.ToolDefinition{thinkTool}
		if state.CurrentStep > 1 {
			tools = append(append([]agent.ToolDefinition(nil), req.Tools...), thinkTool)
		}

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
			continue
		}
		modelUsed = resp.ModelUsed

		if thought, ok := thinkDecision(resp); ok {
			text := thought.NextActionHint
			if text == "" {
				text = resp.Content
			}
			if text != "" {
				req.Emit(ctx, events.NewEvent(events.TypeAgentReason, req.Turn.SessionID, events.AgentReasonPayload{
					Step: state.CurrentStep,
					Text: text,
				}))
				messages = append(messages, agent.Message{Role: agent.RoleAssistant, Content: text})
			}
			if thought.Finish {
				return finish(thought.FinalAnswer)
			}
			continue
		}

		if len(resp.ToolCalls) == 0 {
			if resp.Content != "" {
				return finish(resp.Content)
			}
			continue
		}

		messages, _ = runTools(ctx, s.deps, req, state, messages, resp.Content, resp.ToolCalls[:1])
	}

	final := exhaustedAnswer(ctx, s.deps, req, state, messages)
	result := &agent.LoopResult{FinalAnswer: final, Steps: min(state.CurrentStep, req.MaxSteps)}
	emitCompletion(ctx, req, s.Name(), result, modelUsed)
	return result, nil
}

type thinkOutput struct {
	Finish         bool   `json:"finish"`
	FinalAnswer    string `json:"final_answer"`
	NextActionHint string `json:"next_action_hint"`
}

// thinkDecision extracts an agent_think invocation from the response.
func thinkDecision(resp *agent.LLMResponse) (*thinkOutput, bool) {
	for _, call := range resp.ToolCalls {
		if call.Name != thinkToolName {
			continue
		}
		out := &thinkOutput{}
		if err := json.Unmarshal([]byte(call.Arguments), out); err != nil {
			return &thinkOutput{}, true
		}
		return out, true
	}
	return nil, false
}
