// Package contentmodel calls the external language model that rewrites
// long content into platform-sized thread segments.
//
// The client speaks the OpenAI-compatible chat completions API so any
// conforming provider (or a local server) can back it. It performs no
// retries: split requests sit on a user-facing path and retry policy
// belongs to the caller.
package contentmodel

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
)

// Stable provider error codes.
const (
	CodeAuth          = "model_auth"
	CodeRateLimited   = "model_rate_limited"
	CodeQuota         = "model_quota"
	CodeUnavailable   = "model_unavailable"
	CodeMalformed     = "model_malformed_output"
	CodeEmptyResponse = "model_empty_response"
)

// ProviderError wraps a model-provider failure with a stable code while
// preserving the original message for diagnostics.
type ProviderError struct {
	Code       string
	HTTPStatus int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s (http %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsProviderError unwraps err into a *ProviderError if possible.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// SplitOutput is the model's answer to one split request. Segments may
// arrive as a JSON array or a single string; the caller normalizes.
type SplitOutput struct {
	Segments  json.RawMessage `json:"segments"`
	Reasoning string          `json:"reasoning"`
}

// Model generates a split for one platform. Implemented by Client;
// faked in tests.
type Model interface {
	GenerateSplit(ctx context.Context, systemPrompt, userContent string) (SplitOutput, error)
}

type Config struct {
	APIURL  string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type Client struct {
	client *http.Client
	apiURL string
	apiKey string
	model  string
}

func New(cfg Config) *Client {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.openai.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		client: &http.Client{Timeout: timeout},
		apiURL: apiURL,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (c *Client) GenerateSplit(ctx context.Context, systemPrompt, userContent string) (SplitOutput, error) {
	if c.model == "" {
		return SplitOutput{}, &ProviderError{Code: CodeUnavailable, Message: "model name is not configured"}
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userContent},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return SplitOutput{}, &ProviderError{Code: CodeMalformed, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return SplitOutput{}, &ProviderError{Code: CodeUnavailable, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return SplitOutput{}, &ProviderError{Code: CodeUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return SplitOutput{}, providerError(resp)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return SplitOutput{}, &ProviderError{Code: CodeMalformed, HTTPStatus: resp.StatusCode, Message: err.Error()}
	}
	if len(chat.Choices) == 0 || strings.TrimSpace(chat.Choices[0].Message.Content) == "" {
		return SplitOutput{}, &ProviderError{Code: CodeEmptyResponse, HTTPStatus: resp.StatusCode, Message: "no completion returned"}
	}

	var out SplitOutput
	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), &out); err != nil {
		return SplitOutput{}, &ProviderError{Code: CodeMalformed, HTTPStatus: resp.StatusCode, Message: fmt.Sprintf("completion is not a split object: %v", err)}
	}
	return out, nil
}

func providerError(resp *http.Response) *ProviderError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	var body apiErrorBody
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		msg = body.Error.Message
	}

	code := CodeUnavailable
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		code = CodeAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		code = CodeRateLimited
		// Providers report exhausted quota through 429 with a distinct code.
		if c, ok := body.Error.Code.(string); ok && strings.Contains(c, "quota") {
			code = CodeQuota
		}
	case resp.StatusCode == http.StatusPaymentRequired:
		code = CodeQuota
	}
	return &ProviderError{Code: code, HTTPStatus: resp.StatusCode, Message: msg}
}
