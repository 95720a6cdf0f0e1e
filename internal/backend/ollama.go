// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// BACKEND: Local inference over the Ollama HTTP API
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Ollama defaults.
const (
	// DefaultOllamaURL uses the explicit IPv4 loopback to avoid IPv6
	// resolution issues on Windows.
	DefaultOllamaURL = "http://127.0.0.1:11434"

	// DefaultOllamaModel is a small code-completion model.
	DefaultOllamaModel = "qwen2.5-coder:7b"

	// DefaultOllamaTimeout bounds a single generate call.
	DefaultOllamaTimeout = 15 * time.Second

	// maxOllamaResponse limits response body size.
	maxOllamaResponse = 4 * 1024 * 1024
)

// OllamaConfig holds configuration for the local backend.
type OllamaConfig struct {
	// BaseURL is the Ollama API base URL.
	BaseURL string
	// Model is the model name passed to /api/generate.
	Model string
	// Timeout bounds each request.
	Timeout time.Duration
}

// OllamaClient is the local Completer implementation.
// Thread-safe for concurrent use.
type OllamaClient struct {
	config     OllamaConfig
	httpClient *http.Client
}

// NewOllamaClient creates a local backend client, filling zero config fields
// with defaults.
func NewOllamaClient(config OllamaConfig) *OllamaClient {
	if config.BaseURL == "" {
		config.BaseURL = DefaultOllamaURL
	}
	if config.Model == "" {
		config.Model = DefaultOllamaModel
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultOllamaTimeout
	}
	return &OllamaClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Model returns the configured model name.
func (c *OllamaClient) Model() string {
	return c.config.Model
}

// generateRequest is the /api/generate request body.
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

// generateOptions carries sampling options.
type generateOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature"`
}

// generateResponse is the /api/generate response body.
type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Complete implements Completer against /api/generate.
// Completions use a low temperature: inline suggestions should be
// conservative, not creative.
func (c *OllamaClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	start := time.Now()

	body, err := json.Marshal(generateRequest{
		Model:  c.config.Model,
		Prompt: req.Prompt,
		Stream: false,
		Options: generateOptions{
			NumPredict:  req.MaxTokens,
			Temperature: 0.1,
		},
	})
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return CompletionResponse{}, mapTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxOllamaResponse))
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return CompletionResponse{}, fmt.Errorf("%w: model %q", ErrUnavailable, c.config.Model)
		}
		return CompletionResponse{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var gen generateResponse
	if err := json.Unmarshal(respBody, &gen); err != nil {
		return CompletionResponse{}, fmt.Errorf("failed to parse response: %w", err)
	}

	return CompletionResponse{
		Text:    gen.Response,
		Model:   gen.Model,
		Latency: time.Since(start),
	}, nil
}

// mapTransportError converts net/http transport failures to the backend
// error taxonomy.
func mapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
