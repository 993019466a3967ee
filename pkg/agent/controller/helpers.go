package controller

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/events"
	"github.com/parleyhq/parley/pkg/mcp"
)

// eventContentLimit bounds tool content inside agent_tool_results.
const eventContentLimit = 2000

// callModel performs one LLM interaction, streaming when the request
// asks for it, and maintains the loop failure state. Two consecutive
// timeouts abort the loop.
func callModel(ctx context.Context, d *Deps, req *Request, state *agent.LoopState, in *agent.CallInput) (*agent.LLMResponse, error) {
	var (
		resp *agent.LLMResponse
		err  error
	)
	if req.Streaming {
		resp, err = d.LLM.Stream(ctx, in, req.Turn.SessionID, req.Emit)
	} else {
		resp, err = d.LLM.Call(ctx, in)
	}
	if err != nil {
		classified := agent.Classify(err)
		state.RecordFailure(classified.Message, classified.Kind == agent.ErrorKindTimeout)
		return nil, err
	}
	state.RecordSuccess()
	return resp, nil
}

// callWithRequiredTools retries with tool_choice=auto when the provider
// rejects required.
func callWithRequiredTools(ctx context.Context, d *Deps, req *Request, state *agent.LoopState, in *agent.CallInput) (*agent.LLMResponse, error) {
	in.ToolChoice = agent.ToolChoiceRequired
	resp, err := callModel(ctx, d, req, state, in)
	if err != nil && errors.Is(err, agent.ErrToolChoiceUnsupported) {
		in.ToolChoice = agent.ToolChoiceAuto
		return callModel(ctx, d, req, state, in)
	}
	return resp, err
}

// runTools executes the calls and appends the assistant tool-call
// message plus one tool message per call, preserving call order. Emits
// agent_tool_results so the outer system ingests artifacts.
func runTools(ctx context.Context, d *Deps, req *Request, state *agent.LoopState, messages []agent.Message, assistantText string, calls []agent.ToolCall) ([]agent.Message, []agent.ToolResult) {
	messages = append(messages, agent.Message{
		Role:      agent.RoleAssistant,
		Content:   assistantText,
		ToolCalls: calls,
	})

	results := d.Runner.RunAll(ctx, calls, req.Turn)
	summaries := make([]events.ToolResultSummary, len(results))
	for i, res := range results {
		messages = append(messages, agent.Message{
			Role:       agent.RoleTool,
			Content:    res.Content,
			ToolCallID: res.ToolCallID,
			ToolName:   res.Name,
		})
		summaries[i] = events.ToolResultSummary{
			ToolCallID:    res.ToolCallID,
			Name:          res.Name,
			Success:       res.Success,
			Content:       mcp.TruncateResult(res.Content, eventContentLimit),
			ArtifactCount: len(res.Artifacts),
		}
	}

	req.Emit(ctx, events.NewEvent(events.TypeAgentToolResults, req.Turn.SessionID, events.AgentToolResultsPayload{
		Step:    state.CurrentStep,
		Results: summaries,
	}))
	return messages, results
}

// exhaustedAnswer makes the final plain call after step exhaustion so
// the user still gets an answer derived from the gathered context.
func exhaustedAnswer(ctx context.Context, d *Deps, req *Request, state *agent.LoopState, messages []agent.Message) string {
	messages = append(messages, agent.Message{
		Role:    agent.RoleUser,
		Content: "You have used all available steps. Give your best final answer from what you have gathered so far.",
	})
	resp, err := callModel(ctx, d, req, state, &agent.CallInput{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
	})
	if err != nil {
		d.logger().Error("final answer call failed after step exhaustion", "error", err)
		return "I ran out of steps before reaching a final answer."
	}
	return resp.Content
}

func emitStart(ctx context.Context, req *Request, strategy string) {
	req.Emit(ctx, events.NewEvent(events.TypeAgentStart, req.Turn.SessionID, events.AgentStartPayload{
		Strategy: strategy,
		MaxSteps: req.MaxSteps,
	}))
}

func emitTurnStart(ctx context.Context, req *Request, step int) {
	req.Emit(ctx, events.NewEvent(events.TypeAgentTurnStart, req.Turn.SessionID, events.AgentTurnStartPayload{
		Step: step,
	}))
}

func emitCompletion(ctx context.Context, req *Request, strategy string, result *agent.LoopResult, modelUsed string) {
	req.Emit(ctx, events.NewEvent(events.TypeAgentCompletion, req.Turn.SessionID, events.AgentCompletionPayload{
		Strategy:    strategy,
		FinalAnswer: result.FinalAnswer,
		Steps:       result.Steps,
		ModelUsed:   modelUsed,
	}))
}

// controlDecision is the parsed output of a control tool call, shared
// by the react and think-act control schemas.
type controlDecision struct {
	Finish         bool           `json:"finish,omitempty"`
	FinalAnswer    string         `json:"final_answer,omitempty"`
	RequestInput   *requestInput  `json:"request_input,omitempty"`
	NextPlan       string         `json:"next_plan,omitempty"`
	ToolsToUse     []string       `json:"tools_to_consider,omitempty"`
	NextActionHint string         `json:"next_action_hint,omitempty"`
	ShouldContinue *bool          `json:"should_continue,omitempty"`
	Observation    string         `json:"observation,omitempty"`
	Raw            map[string]any `json:"-"`
}

type requestInput struct {
	Question string `json:"question"`
}

// parseControl extracts a control decision from a response: the first
// tool call's arguments when the provider returned structured output,
// otherwise the last JSON object embedded in the text.
func parseControl(resp *agent.LLMResponse, controlName string) *controlDecision {
	var raw string
	for _, call := range resp.ToolCalls {
		if call.Name == controlName {
			raw = call.Arguments
			break
		}
	}
	if raw == "" {
		raw = lastJSONObject(resp.Content)
	}
	if raw == "" {
		return nil
	}

	decision := &controlDecision{}
	if err := json.Unmarshal([]byte(raw), decision); err != nil {
		return nil
	}
	_ = json.Unmarshal([]byte(raw), &decision.Raw)
	return decision
}

// lastJSONObject returns the last balanced {...} block in text, or "".
func lastJSONObject(text string) string {
	end := strings.LastIndex(text, "}")
	if end < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := end; i >= 0; i-- {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '}':
			depth++
		case c == '{':
			depth--
			if depth == 0 {
				candidate := text[i : end+1]
				if json.Valid([]byte(candidate)) {
					return candidate
				}
				return ""
			}
		}
	}
	return ""
}
