// Package provider adapts hosted completion APIs to llm.Completer.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/joss/swarm/pkg/llm"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

// ErrNoAPIKey is returned when Complete is called without credentials.
var ErrNoAPIKey = errors.New("anthropic API key not set")

// APIError is a non-200 response from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anthropic API error %d: %s", e.StatusCode, e.Body)
}

// Anthropic calls the Messages API without streaming.
type Anthropic struct {
	apiKey  string
	baseURL string
	client  HTTPClient
}

// NewAnthropic creates an adapter. An empty baseURL uses the public endpoint;
// a nil client uses an http.Client with a generous timeout.
func NewAnthropic(apiKey, baseURL string, client HTTPClient) *Anthropic {
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Anthropic{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

var _ llm.Completer = (*Anthropic)(nil)

type anthropicRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []llm.Message `json:"messages"`
	Tools       []llm.Tool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []llm.ContentBlock `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      llm.Usage          `json:"usage"`
}

// Complete sends one request and decodes the full response.
func (a *Anthropic) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if a.apiKey == "" {
		return nil, ErrNoAPIKey
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Messages:    req.Messages,
		Tools:       req.Tools,
		Temperature: req.Temperature,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &llm.Response{
		ID:         out.ID,
		Model:      out.Model,
		Content:    out.Content,
		StopReason: llm.StopReason(out.StopReason),
		Usage:      out.Usage,
	}, nil
}
