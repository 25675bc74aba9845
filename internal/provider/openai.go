package provider

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

// OpenAI talks to any OpenAI-compatible /chat/completions endpoint, which is
// also the shape 0G compute providers serve.
type OpenAI struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewOpenAI(baseURL, apiKey string, timeout time.Duration) *OpenAI {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAI{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Seed        *int64    `json:"seed,omitempty"`
}

// samplingParams are the agent parameters forwarded to the provider.
type samplingParams struct {
	Temperature *float64 `json:"temperature"`
	TopP        *float64 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Seed        *int64   `json:"seed"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *OpenAI) Complete(ctx context.Context, req Request) (Result, error) {
	body := chatRequest{Model: req.Model, Messages: req.Messages}
	if len(req.Parameters) > 0 {
		var p samplingParams
		// Unknown or mistyped agent parameters are ignored rather than failing the call.
		if err := json.Unmarshal(req.Parameters, &p); err == nil {
			body.Temperature, body.TopP, body.MaxTokens, body.Seed = p.Temperature, p.TopP, p.MaxTokens, p.Seed
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("openai: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return Result{}, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("openai: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("openai: read response: %w", err)
	}

	var out chatResponse
	decodeErr := json.Unmarshal(b, &out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("provider returned status %d", resp.StatusCode)
		if decodeErr == nil && out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return Result{}, &Error{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return Result{}, &Error{StatusCode: resp.StatusCode, Message: "provider returned malformed response"}
	}
	if out.Error != nil && out.Error.Message != "" {
		return Result{}, &Error{StatusCode: resp.StatusCode, Message: out.Error.Message}
	}
	if len(out.Choices) == 0 {
		return Result{}, &Error{StatusCode: resp.StatusCode, Message: "provider returned no choices"}
	}
	return Result{Content: out.Choices[0].Message.Content, ChatID: out.ID}, nil
}
