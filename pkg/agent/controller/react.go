package controller

import (
	"context"
	"errors"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/events"
)

// Control tool names for the react loop.
const (
	decideNextToolName    = "agent_decide_next"
	observeDecideToolName = "agent_observe_decide"
)

var decideNextTool = agent.ToolDefinition{
	Name: decideNextToolName,
	Description: "Decide what to do next: finish with a final answer, ask the user a question, " +
		"or plan the next tool action.",
	ParametersSchema: `{"type":"object","properties":{` +
		`"finish":{"type":"boolean"},` +
		`"final_answer":{"type":"string"},` +
		`"request_input":{"type":"object","properties":{"question":{"type":"string"}}},` +
		`"next_plan":{"type":"string"},` +
		`"tools_to_consider":{"type":"array","items":{"type":"string"}}}}`,
}

var observeDecideTool = agent.ToolDefinition{
	Name:        observeDecideToolName,
	Description: "Record what the tool results showed and decide whether to continue.",
	ParametersSchema: `{"type":"object","properties":{` +
		`"should_continue":{"type":"boolean"},` +
		`"final_answer":{"type":"string"},` +
		`"observation":{"type":"string"}},"required":["should_continue","observation"]}`,
}

// reactStrategy runs Reason-Act-Observe: three model calls per step,
// with an optional bounded wait for user input during Reason.
type reactStrategy struct {
	deps *Deps
}

func newReact(deps *Deps) Strategy { return &reactStrategy{deps: deps} }

func (s *reactStrategy) Name() string { return "react" }

func (s *reactStrategy) Run(ctx context.Context, req *Request) (*agent.LoopResult, error) {
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

		// Reason.
		resp, err := callWithRequiredTools(ctx, s.deps, req, state, &agent.CallInput{
			Model:       req.Model,
			Messages:    messages,
			Temperature: req.Temperature,
			Tools:       []agent.ToolDefinition{decideNextTool},
			DataSources: req.DataSources,
		})
		if err != nil {
			if state.ShouldAbortOnTimeouts() {
				break
			}
			continue
		}
		modelUsed = resp.ModelUsed

		decision := parseControl(resp, decideNextToolName)
		reasoning := resp.Content
		if decision != nil && decision.NextPlan != "" {
			reasoning = decision.NextPlan
		}
		if reasoning != "" {
			req.Emit(ctx, events.NewEvent(events.TypeAgentReason, req.Turn.SessionID, events.AgentReasonPayload{
				Step: state.CurrentStep,
				Text: reasoning,
			}))
			messages = append(messages, agent.Message{Role: agent.RoleAssistant, Content: reasoning})
		}

		if decision != nil {
			if decision.Finish {
				return finish(decision.FinalAnswer)
			}
			if decision.RequestInput != nil && decision.RequestInput.Question != "" {
				answered, stopped := s.awaitUserInput(ctx, req, state, decision.RequestInput.Question, &messages)
				if stopped {
					return finish("Stopped at your request.")
				}
				if answered {
					continue
				}
			}
		}

		// Act: only the first returned tool call runs, so Observe gets to
		// decide before anything else executes.
		actResp, err := callWithRequiredTools(ctx, s.deps, req, state, &agent.CallInput{
			Model:       req.Model,
			Messages:    messages,
			Temperature: req.Temperature,
			Tools:       req.Tools,
		})
		if err != nil {
			if state.ShouldAbortOnTimeouts() {
				break
			}
			continue
		}
		observation := actResp.Content
		if len(actResp.ToolCalls) > 0 {
			var results []agent.ToolResult
			messages, results = runTools(ctx, s.deps, req, state, messages, actResp.Content, actResp.ToolCalls[:1])
			observation = results[0].Content
		}

		// Observe.
		obsResp, err := callWithRequiredTools(ctx, s.deps, req, state, &agent.CallInput{
			Model:       req.Model,
			Messages:    messages,
			Temperature: req.Temperature,
			Tools:       []agent.ToolDefinition{observeDecideTool},
		})
		if err != nil {
			if state.ShouldAbortOnTimeouts() {
				break
			}
			continue
		}

		obs := parseControl(obsResp, observeDecideToolName)
		if obs == nil {
			continue
		}
		if obs.Observation != "" {
			observation = obs.Observation
		}
		shouldContinue := obs.ShouldContinue == nil || *obs.ShouldContinue

		req.Emit(ctx, events.NewEvent(events.TypeAgentObserve, req.Turn.SessionID, events.AgentObservePayload{
			Step:           state.CurrentStep,
			Observation:    observation,
			ShouldContinue: shouldContinue && obs.FinalAnswer == "",
		}))

		if obs.FinalAnswer != "" {
			return finish(obs.FinalAnswer)
		}
		if !shouldContinue {
			return finish(observation)
		}
		messages = append(messages, agent.Message{
			Role:    agent.RoleAssistant,
			Content: "Observation: " + observation,
		})
	}

	final := exhaustedAnswer(ctx, s.deps, req, state, messages)
	result := &agent.LoopResult{FinalAnswer: final, Steps: min(state.CurrentStep, req.MaxSteps)}
	emitCompletion(ctx, req, s.Name(), result, modelUsed)
	return result, nil
}

// awaitUserInput emits agent_request_input and blocks on the mailbox.
// Returns answered=true when a reply was incorporated, stopped=true on
// a stop control message.
func (s *reactStrategy) awaitUserInput(ctx context.Context, req *Request, state *agent.LoopState, question string, messages *[]agent.Message) (answered, stopped bool) {
	req.Emit(ctx, events.NewEvent(events.TypeAgentRequestInput, req.Turn.SessionID, events.AgentRequestInputPayload{
		Step:     state.CurrentStep,
		Question: question,
	}))

	if req.Mailbox == nil {
		*messages = append(*messages, agent.Message{
			Role:    agent.RoleSystem,
			Content: "No user input channel is available. Proceed with your best assumption.",
		})
		return false, false
	}

	msg, err := req.Mailbox.Wait(ctx, s.deps.Timeouts.WithDefaults().UserInput)
	if err != nil {
		if errors.Is(err, agent.ErrLoopStopped) {
			return false, true
		}
		*messages = append(*messages, agent.Message{
			Role:    agent.RoleSystem,
			Content: "The user did not respond in time. Proceed with your best assumption.",
		})
		return false, false
	}
	*messages = append(*messages, agent.Message{Role: agent.RoleUser, Content: msg.Content})
	return true, false
}
