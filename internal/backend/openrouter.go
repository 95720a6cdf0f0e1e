// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// BACKEND: Cloud inference through OpenRouter with retry and backoff
package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenRouter configuration constants.
const (
	// DefaultOpenRouterURL is the base URL for the OpenRouter API.
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

	// DefaultOpenRouterModel lets OpenRouter pick the cheapest adequate model.
	DefaultOpenRouterModel = "openrouter/auto"

	// DefaultOpenRouterTimeout bounds a single completion call.
	DefaultOpenRouterTimeout = 30 * time.Second

	// defaultMaxRetries is the retry budget for transient errors.
	defaultMaxRetries = 3

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay caps the backoff delay.
	retryMaxDelay = 10 * time.Second

	// maxResponseSize limits response bodies to prevent memory exhaustion.
	maxResponseSize = 10 * 1024 * 1024
)

// OpenRouterConfig holds configuration for the cloud backend.
type OpenRouterConfig struct {
	// APIKey is the OpenRouter key ("sk-or-...").
	APIKey string
	// BaseURL overrides the API base URL (tests, proxies).
	BaseURL string
	// Model is the model identifier; empty means auto-routing.
	Model string
	// Timeout bounds each request.
	Timeout time.Duration
	// MaxRetries is the retry budget for transient errors.
	MaxRetries int
}

// OpenRouterClient is the cloud Completer implementation.
// Thread-safe for concurrent use.
type OpenRouterClient struct {
	config     OpenRouterConfig
	httpClient *http.Client
}

// NewOpenRouterClient creates a cloud backend client, filling zero config
// fields with defaults. An empty API key is allowed; Complete then fails
// with ErrNotConfigured.
func NewOpenRouterClient(config OpenRouterConfig) *OpenRouterClient {
	config.APIKey = strings.TrimSpace(config.APIKey)
	if config.BaseURL == "" {
		config.BaseURL = DefaultOpenRouterURL
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	if config.Model == "" {
		config.Model = DefaultOpenRouterModel
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultOpenRouterTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaultMaxRetries
	}
	return &OpenRouterClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// IsConfigured reports whether an API key is present.
func (c *OpenRouterClient) IsConfigured() bool {
	return c.config.APIKey != ""
}

// KeyFingerprint returns a short SHA-256 fingerprint of the API key for
// logging. The key itself is never logged, not even a prefix.
func (c *OpenRouterClient) KeyFingerprint() string {
	if c.config.APIKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.config.APIKey))
	return hex.EncodeToString(h[:4])
}

// chatMessage is a single message in a chat request.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the chat completions request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

// chatResponse is the chat completions response body.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// apiErrorResponse is the provider's error envelope.
type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// completionSystemPrompt instructs the model to emit raw code only.
const completionSystemPrompt = "You are an inline code completion engine. " +
	"Continue the code at the cursor. Output only raw code, no markdown fences, no prose."

// Complete implements Completer against the chat completions endpoint,
// retrying transient errors with exponential backoff.
func (c *OpenRouterClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if !c.IsConfigured() {
		return CompletionResponse{}, ErrNotConfigured
	}

	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return CompletionResponse{}, mapTransportError(ctx.Err())
			case <-time.After(backoffDelay(attempt)):
			}
		}

		resp, err := c.doRequest(ctx, req)
		if err != nil {
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return CompletionResponse{}, err
		}

		resp.Latency = time.Since(start)
		return resp, nil
	}

	return CompletionResponse{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// doRequest performs a single completion request.
func (c *OpenRouterClient) doRequest(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: completionSystemPrompt},
			{Role: "user", Content: req.Prompt},
		},
		Stream:      false,
		MaxTokens:   req.MaxTokens,
		Temperature: 0.1,
	})
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "rigrun-assist/0.1.0")

	resp, err := c.httpClient.Do(httpReq)

	// Clear the Authorization header immediately after the request so it can
	// never end up in logs.
	httpReq.Header.Del("Authorization")

	if err != nil {
		return CompletionResponse{}, mapTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return CompletionResponse{}, mapStatusError(resp.StatusCode, respBody)
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return CompletionResponse{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return CompletionResponse{}, fmt.Errorf("%w: empty choices", ErrUnavailable)
	}

	return CompletionResponse{
		Text:  chat.Choices[0].Message.Content,
		Model: chat.Model,
	}, nil
}

// mapStatusError converts HTTP error statuses to the backend taxonomy.
func mapStatusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}

	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrNotConfigured, msg)
	case http.StatusPaymentRequired, http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrQuota, msg)
	default:
		if status >= 500 {
			return fmt.Errorf("%w: status %d: %s", ErrUnavailable, status, msg)
		}
		return fmt.Errorf("openrouter error (HTTP %d): %s", status, msg)
	}
}

// isRetryable reports whether a failed attempt is worth retrying.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrQuota) || errors.Is(err, ErrUnavailable)
}

// backoffDelay returns the exponential backoff delay for an attempt.
func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
