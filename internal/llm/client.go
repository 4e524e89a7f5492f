// Package llm is a minimal client for OpenAI-compatible chat completion APIs.
// The coordinator uses it for intent classification and field extraction, so
// the surface is single-turn, non-streaming, optionally JSON-mode.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Request is a single completion call.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	JSONMode    bool // ask the API for a guaranteed-JSON object response
}

// Usage tracks token consumption per call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the completion result.
type Response struct {
	Content      string
	FinishReason string
	Usage        *Usage
}

// Client talks to one OpenAI-compatible endpoint.
type Client struct {
	apiKey      string
	apiBase     string
	model       string
	client      *http.Client
	retryConfig RetryConfig
}

// New builds a client. apiBase defaults to the OpenAI endpoint; timeout is
// the per-request HTTP budget.
func New(apiKey, apiBase, model string, timeout time.Duration) *Client {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	apiBase = strings.TrimRight(apiBase, "/")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		apiKey:      apiKey,
		apiBase:     apiBase,
		model:       model,
		client:      &http.Client{Timeout: timeout},
		retryConfig: DefaultRetryConfig(),
	}
}

func (c *Client) Model() string { return c.model }

// Complete sends one chat completion request and returns the first choice.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	body := map[string]any{
		"model":    c.model,
		"messages": req.Messages,
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.JSONMode {
		body["response_format"] = map[string]any{"type": "json_object"}
	}

	return RetryDo(ctx, c.retryConfig, func() (*Response, error) {
		respBody, err := c.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var raw struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage *Usage `json:"usage"`
		}
		if err := json.NewDecoder(respBody).Decode(&raw); err != nil {
			return nil, fmt.Errorf("llm: decode response: %w", err)
		}
		if len(raw.Choices) == 0 {
			return nil, fmt.Errorf("llm: empty choices")
		}

		return &Response{
			Content:      raw.Choices[0].Message.Content,
			FinishReason: raw.Choices[0].FinishReason,
			Usage:        raw.Usage,
		}, nil
	})
}

func (c *Client) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}
