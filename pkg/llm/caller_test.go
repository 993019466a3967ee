package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/config"
)

func callerFor(endpoint string) *HTTPCaller {
	return NewHTTPCaller(map[string]*config.ModelConfig{
		"test-model": {Name: "test-model", Endpoint: endpoint, KeySource: config.KeySourceSystem},
	})
}

func TestCallPlain(t *testing.T) {
	t.Setenv("LLM_API_KEY", "sk-test")

	var gotAuth string
	var gotReq completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model-20260801",
			"choices": []map[string]any{{
				"message": map[string]any{"content": "hi there"},
			}},
		})
	}))
	defer srv.Close()

	resp, err := callerFor(srv.URL).CallPlain(context.Background(), &agent.CallInput{
		Model:       "test-model",
		Messages:    []agent.Message{{Role: agent.RoleUser, Content: "hello"}},
		Temperature: 0.5,
	})
	require.NoError(t, err)

	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, "test-model-20260801", resp.ModelUsed)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "test-model", gotReq.Model)
	assert.False(t, gotReq.Stream)
	assert.Empty(t, gotReq.Tools)
}

func TestCallWithToolsReturnsToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "srv_search", req.Tools[0].Function.Name)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model",
			"choices": []map[string]any{{
				"message": map[string]any{
					"content": "",
					"tool_calls": []map[string]any{{
						"id":   "call-1",
						"type": "function",
						"function": map[string]any{
							"name":      "srv_search",
							"arguments": `{"q":"x"}`,
						},
					}},
				},
			}},
		})
	}))
	defer srv.Close()

	resp, err := callerFor(srv.URL).CallWithTools(context.Background(), &agent.CallInput{
		Model: "test-model",
		Tools: []agent.ToolDefinition{{Name: "srv_search"}},
	})
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, agent.ToolCall{ID: "call-1", Name: "srv_search", Arguments: `{"q":"x"}`}, resp.ToolCalls[0])
}

func TestStreamParsesSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
			``,
			`data: {"choices":[{"delta":{"content":"lo"}}]}`,
			``,
			`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"srv_go","arguments":"{}"}}]}}]}`,
			``,
			`data: {"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
			``,
			`data: [DONE]`,
			`data: {"choices":[{"delta":{"content":"after done, never seen"}}]}`,
		}
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n"))
		}
	}))
	defer srv.Close()

	chunks, err := callerFor(srv.URL).StreamWithTools(context.Background(), &agent.CallInput{Model: "test-model"})
	require.NoError(t, err)

	var texts []string
	var calls []*agent.ToolCallChunk
	var usage *agent.UsageChunk
	for chunk := range chunks {
		switch c := chunk.(type) {
		case *agent.TextChunk:
			texts = append(texts, c.Content)
		case *agent.ToolCallChunk:
			calls = append(calls, c)
		case *agent.UsageChunk:
			usage = c
		}
	}

	assert.Equal(t, []string{"Hel", "lo"}, texts)
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].ID)
	assert.Equal(t, "srv_go", calls[0].NameDelta)
	require.NotNil(t, usage)
	assert.Equal(t, 15, usage.TotalTokens)
}

func TestStreamSurfacesProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`data: {"error":{"message":"overloaded","code":"503"}}` + "\n"))
	}))
	defer srv.Close()

	chunks, err := callerFor(srv.URL).StreamPlain(context.Background(), &agent.CallInput{Model: "test-model"})
	require.NoError(t, err)

	var errChunk *agent.ErrorChunk
	for chunk := range chunks {
		if c, ok := chunk.(*agent.ErrorChunk); ok {
			errChunk = c
		}
	}
	require.NotNil(t, errChunk)
	assert.Equal(t, "overloaded", errChunk.Message)
}

func TestUnknownModel(t *testing.T) {
	_, err := callerFor("http://unused").CallPlain(context.Background(), &agent.CallInput{Model: "nope"})
	assert.ErrorIs(t, err, config.ErrModelNotFound)
}

func TestUserKeyModelRefused(t *testing.T) {
	c := NewHTTPCaller(map[string]*config.ModelConfig{
		"byok": {Name: "byok", Endpoint: "http://unused", KeySource: config.KeySourceUser},
	})
	_, err := c.CallPlain(context.Background(), &agent.CallInput{Model: "byok"})

	var ce *agent.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, agent.ErrorKindAuthentication, ce.Kind)
}

func TestToolChoiceUnsupportedMapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"tool_choice is not supported"}}`))
	}))
	defer srv.Close()

	_, err := callerFor(srv.URL).CallWithTools(context.Background(), &agent.CallInput{
		Model:      "test-model",
		Tools:      []agent.ToolDefinition{{Name: "srv_search"}},
		ToolChoice: agent.ToolChoiceRequired,
	})
	assert.ErrorIs(t, err, agent.ErrToolChoiceUnsupported)
}

func TestModelSpecificAPIKeyWins(t *testing.T) {
	t.Setenv("LLM_API_KEY", "shared")
	t.Setenv("LLM_API_KEY_TEST_MODEL", "specific")
	assert.Equal(t, "specific", apiKeyFor("test-model"))
	assert.Equal(t, "shared", apiKeyFor("other-model"))
}
