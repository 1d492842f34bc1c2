package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/swarm/pkg/llm"
)

func TestAnthropicComplete(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_1",
			"model": "claude-sonnet-4-20250514",
			"stop_reason": "tool_use",
			"content": [
				{"type": "text", "text": "Reading the file."},
				{"type": "tool_use", "id": "tu_1", "name": "read_file", "input": {"path": "main.go"}}
			],
			"usage": {"input_tokens": 12, "output_tokens": 7}
		}`))
	}))
	defer server.Close()

	a := NewAnthropic("test-key", server.URL+"/", server.Client())
	resp, err := a.Complete(context.Background(), &llm.Request{
		Model:       "claude-sonnet-4-20250514",
		System:      "You are a coder.",
		Messages:    []llm.Message{llm.UserText("read main.go")},
		Tools:       []llm.Tool{{Name: "read_file", Description: "Read a file", InputSchema: map[string]any{"type": "object"}}},
		Temperature: llm.Float(0.2),
	})
	require.NoError(t, err)

	assert.Equal(t, float64(4096), got["max_tokens"])
	assert.Equal(t, "You are a coder.", got["system"])
	assert.Equal(t, 0.2, got["temperature"])
	assert.Len(t, got["tools"], 1)

	assert.Equal(t, llm.StopToolUse, resp.StopReason)
	assert.Equal(t, "Reading the file.", resp.Text())
	calls := resp.ToolCalls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"path":"main.go"}`, string(calls[0].Input))
	assert.Equal(t, 7, resp.Usage.OutputTokens)
}

func TestAnthropicOmitsUnsetTemperature(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, has := got["temperature"]
		assert.False(t, has)
		w.Write([]byte(`{"stop_reason":"end_turn","content":[{"type":"text","text":"ok"}]}`))
	}))
	defer server.Close()

	resp, err := NewAnthropic("k", server.URL, nil).Complete(context.Background(), &llm.Request{Model: "m", MaxTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text())
}

func TestAnthropicErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
	}))
	defer server.Close()

	_, err := NewAnthropic("k", server.URL, nil).Complete(context.Background(), &llm.Request{Model: "m"})
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "rate_limit_error")
}

func TestAnthropicRequiresKey(t *testing.T) {
	_, err := NewAnthropic("", "", nil).Complete(context.Background(), &llm.Request{})
	assert.True(t, errors.Is(err, ErrNoAPIKey))
}

func TestAnthropicBadBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer server.Close()

	_, err := NewAnthropic("k", server.URL, nil).Complete(context.Background(), &llm.Request{Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}
