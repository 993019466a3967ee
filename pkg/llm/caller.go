package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/config"
)

// callerTimeout bounds one non-streaming provider round trip. Streaming
// reads are bounded by the request context instead.
const callerTimeout = 120 * time.Second

// HTTPCaller implements agent.Caller against OpenAI-compatible chat
// completion endpoints. Model routing and credential resolution follow
// the configured model records.
type HTTPCaller struct {
	models map[string]*config.ModelConfig
	client *http.Client
}

// NewHTTPCaller creates a caller over the configured models.
func NewHTTPCaller(models map[string]*config.ModelConfig) *HTTPCaller {
	return &HTTPCaller{
		models: models,
		client: &http.Client{},
	}
}

func (c *HTTPCaller) CallPlain(ctx context.Context, in *agent.CallInput) (*agent.LLMResponse, error) {
	return c.call(ctx, in, false, false)
}

func (c *HTTPCaller) CallWithTools(ctx context.Context, in *agent.CallInput) (*agent.LLMResponse, error) {
	return c.call(ctx, in, true, false)
}

func (c *HTTPCaller) CallWithRAG(ctx context.Context, in *agent.CallInput) (*agent.LLMResponse, error) {
	return c.call(ctx, in, false, true)
}

func (c *HTTPCaller) CallWithRAGAndTools(ctx context.Context, in *agent.CallInput) (*agent.LLMResponse, error) {
	return c.call(ctx, in, true, true)
}

func (c *HTTPCaller) StreamPlain(ctx context.Context, in *agent.CallInput) (<-chan agent.Chunk, error) {
	return c.stream(ctx, in, false)
}

func (c *HTTPCaller) StreamWithTools(ctx context.Context, in *agent.CallInput) (<-chan agent.Chunk, error) {
	return c.stream(ctx, in, true)
}

func (c *HTTPCaller) call(ctx context.Context, in *agent.CallInput, withTools, withRAG bool) (*agent.LLMResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, callerTimeout)
	defer cancel()

	resp, err := c.send(callCtx, in, withTools, withRAG, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding completion response: %w", err)
	}
	if len(body.Choices) == 0 {
		return nil, fmt.Errorf("completion response carried no choices")
	}

	msg := body.Choices[0].Message
	out := &agent.LLMResponse{
		Content:   msg.Content,
		ModelUsed: body.Model,
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, agent.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func (c *HTTPCaller) stream(ctx context.Context, in *agent.CallInput, withTools bool) (<-chan agent.Chunk, error) {
	resp, err := c.send(ctx, in, withTools, false, true)
	if err != nil {
		return nil, err
	}

	chunks := make(chan agent.Chunk, 16)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var delta streamResponse
			if err := json.Unmarshal([]byte(data), &delta); err != nil {
				continue
			}
			if delta.Error != nil {
				chunks <- &agent.ErrorChunk{Message: delta.Error.Message, Code: delta.Error.Code}
				return
			}
			if delta.Usage != nil {
				chunks <- &agent.UsageChunk{
					InputTokens:  delta.Usage.PromptTokens,
					OutputTokens: delta.Usage.CompletionTokens,
					TotalTokens:  delta.Usage.TotalTokens,
				}
			}
			if len(delta.Choices) == 0 {
				continue
			}
			d := delta.Choices[0].Delta
			if d.Content != "" {
				chunks <- &agent.TextChunk{Content: d.Content}
			}
			for _, tc := range d.ToolCalls {
				chunks <- &agent.ToolCallChunk{
					Index:     tc.Index,
					ID:        tc.ID,
					NameDelta: tc.Function.Name,
					ArgsDelta: tc.Function.Arguments,
				}
			}
		}
		if err := scanner.Err(); err != nil {
			chunks <- &agent.ErrorChunk{Message: err.Error(), Retryable: true}
		}
	}()
	return chunks, nil
}

// send builds and performs the HTTP request, mapping provider failures
// to classifiable errors.
func (c *HTTPCaller) send(ctx context.Context, in *agent.CallInput, withTools, withRAG, streaming bool) (*http.Response, error) {
	model, ok := c.models[in.Model]
	if !ok {
		return nil, fmt.Errorf("%w: %q", config.ErrModelNotFound, in.Model)
	}
	if model.KeySource == config.KeySourceUser {
		return nil, &agent.ClassifiedError{
			Kind:    agent.ErrorKindAuthentication,
			Message: fmt.Sprintf("Model %s requires a user-provided API key.", in.Model),
		}
	}

	payload := completionRequest{
		Model:       model.Name,
		Messages:    wireMessages(in.Messages),
		Temperature: in.Temperature,
		Stream:      streaming,
	}
	if withTools {
		for _, t := range in.Tools {
			payload.Tools = append(payload.Tools, wireTool{
				Type: "function",
				Function: wireToolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  json.RawMessage(orEmptySchema(t.ParametersSchema)),
				},
			})
		}
		if in.ToolChoice != "" {
			payload.ToolChoice = string(in.ToolChoice)
		}
	}
	if withRAG {
		payload.DataSources = in.DataSources
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, model.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := apiKeyFor(in.Model); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for name, value := range model.ExtraHeaders {
		expanded, err := config.ExpandEnvValue(value)
		if err != nil {
			return nil, fmt.Errorf("resolving header %q for model %s: %w", name, in.Model, err)
		}
		req.Header.Set(name, expanded)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling model %s: %w", in.Model, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusBadRequest &&
			in.ToolChoice == agent.ToolChoiceRequired &&
			bytes.Contains(raw, []byte("tool_choice")) {
			return nil, fmt.Errorf("%w: %s", agent.ErrToolChoiceUnsupported, raw)
		}
		return nil, fmt.Errorf("model %s returned status %d: %s", in.Model, resp.StatusCode, raw)
	}
	return resp, nil
}

// apiKeyFor resolves the system API key for a model: a model-specific
// env var first, then the shared one.
func apiKeyFor(model string) string {
	specific := "LLM_API_KEY_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(model))
	if key := os.Getenv(specific); key != "" {
		return key
	}
	return os.Getenv("LLM_API_KEY")
}

func orEmptySchema(schema string) string {
	if strings.TrimSpace(schema) == "" {
		return `{"type":"object","properties":{}}`
	}
	return schema
}

// wireMessages converts conversation messages to the provider format.
func wireMessages(messages []agent.Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireCallFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

// Wire types for the OpenAI-compatible chat completion protocol.

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	DataSources []string      `json:"data_sources,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireCallFunction `json:"function"`
}

type wireCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

type streamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}
