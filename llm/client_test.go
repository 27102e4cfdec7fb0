package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/docflow/config"
)

func testLLMConfig(endpoint string) config.LLMConfig {
	temp := 0.2
	return config.LLMConfig{
		Provider: "openai",
		Endpoint: endpoint,
		Timeout:  5 * time.Second,
		Tasks: map[string]config.LLMTaskConfig{
			"summarize_opportunity": {Model: "test-model", Temperature: &temp, MaxTokens: 512},
		},
	}
}

func fastRetry() Retry {
	return Retry{Attempts: 3, Base: time.Millisecond, Cap: time.Millisecond}
}

func openAIReply(content string) map[string]any {
	return map[string]any{
		"model": "test-model",
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]any{"total_tokens": 42},
	}
}

func TestCompleteTaskUsesTaskModel(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		_ = json.NewEncoder(w).Encode(openAIReply("a summary"))
	}))
	defer srv.Close()

	client, err := NewClient(testLLMConfig(srv.URL + "/v1"))
	require.NoError(t, err)

	resp, err := client.CompleteTask(context.Background(), "summarize_opportunity", []Message{
		{Role: "user", Content: "summarize this"},
	})
	require.NoError(t, err)

	assert.Equal(t, "a summary", resp.Content)
	assert.Equal(t, 42, resp.TokensUsed)
	assert.Equal(t, "stop", resp.FinishReason)

	assert.Equal(t, "test-model", got.Model)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.2, *got.Temperature, 1e-9)
	require.NotNil(t, got.MaxTokens)
	assert.Equal(t, 512, *got.MaxTokens)
}

func TestCompleteTaskRejectsUnconfiguredTask(t *testing.T) {
	client, err := NewClient(testLLMConfig("http://localhost:0/v1"))
	require.NoError(t, err)

	_, err = client.CompleteTask(context.Background(), "translate", []Message{{Role: "user", Content: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no model configured")
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(openAIReply("recovered"))
	}))
	defer srv.Close()

	client, err := NewClient(testLLMConfig(srv.URL+"/v1"), WithRetry(fastRetry()))
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), "test-model",
		[]Message{{Role: "user", Content: "x"}}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, 3, attempts)
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(testLLMConfig(srv.URL+"/v1"), WithRetry(fastRetry()))
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "test-model",
		[]Message{{Role: "user", Content: "x"}}, nil, 0)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, attempts)
}

func TestNewClientRejectsUnknownProvider(t *testing.T) {
	_, err := NewClient(config.LLMConfig{Provider: "bedrock"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown llm provider")
}

func TestAnthropicProviderHoistsSystemMessage(t *testing.T) {
	p := &AnthropicProvider{}
	body, err := p.BuildRequestBody("claude-test", []Message{
		{Role: "system", Content: "you summarize"},
		{Role: "user", Content: "hello"},
	}, nil, 0)
	require.NoError(t, err)

	var req anthropicRequest
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "you summarize", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, defaultAnthropicMaxTokens, req.MaxTokens)
}

func TestOpenAIParseResponseErrors(t *testing.T) {
	p := &OpenAIProvider{name: "openai"}

	_, err := p.ParseResponse([]byte(`{"error":{"message":"model not found"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")

	_, err = p.ParseResponse([]byte(`{"choices":[]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}
