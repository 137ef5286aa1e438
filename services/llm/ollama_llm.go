// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// --- Wire Types ---

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	NumCtx      *int     `json:"num_ctx,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaChatRequest struct {
	Model     string              `json:"model"`
	Messages  []ollamaChatMessage `json:"messages"`
	Stream    bool                `json:"stream"`
	KeepAlive string              `json:"keep_alive,omitempty"`
	Options   *ollamaOptions      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model   string            `json:"model"`
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error,omitempty"`
}

// --- Client Implementation ---

// OllamaClient is the request/response chat client for a local Ollama
// endpoint. One Chat call is made per orchestration round.
//
// Description:
//
//	Calls POST {baseURL}/api/chat with stream disabled. Transport failures
//	are classified into the fatal-error taxonomy (UnreachableError,
//	ModelMissingError) at the point where the raw signal is still
//	available: status codes first, response text only as a fallback.
//
// Thread Safety: OllamaClient is safe for concurrent use. SetModel may be
// called while requests are in flight (config reload).
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string

	mu    sync.RWMutex
	model string
}

// NewOllamaClientWithConfig creates an OllamaClient with explicit
// configuration. Useful for testing with mock servers or when configuration
// comes from a source other than environment variables.
func NewOllamaClientWithConfig(baseURL, model string, timeout time.Duration) *OllamaClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
	}
}

// NewOllamaClient creates an OllamaClient from the environment.
//
// Inputs (environment):
//   - OLLAMA_BASE_URL: Endpoint base URL. Defaults to http://localhost:11434.
//   - OLLAMA_MODEL: Model name. Required.
//
// Outputs:
//   - *OllamaClient: The configured client.
//   - error: Non-nil if OLLAMA_MODEL is missing.
func NewOllamaClient() (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
		slog.Info("OLLAMA_BASE_URL not set, defaulting to", "base_url", baseURL)
	}
	model := os.Getenv("OLLAMA_MODEL")
	if model == "" {
		return nil, fmt.Errorf("ollama: model is missing (OLLAMA_MODEL)")
	}
	return NewOllamaClientWithConfig(baseURL, model, 0), nil
}

// Model returns the model the client is currently configured for.
func (c *OllamaClient) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// SetModel switches the model used by subsequent Chat calls. In-flight
// requests keep the model they started with.
func (c *OllamaClient) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

// BaseURL returns the endpoint base URL.
func (c *OllamaClient) BaseURL() string { return c.baseURL }

// Chat implements ChatClient against the Ollama /api/chat endpoint.
//
// Description:
//
//	Converts messages to the Ollama wire format (tool-role messages are
//	skipped defensively; the orchestrator already filters them out of the
//	history it sends) and performs one blocking request. The context is
//	honored for cancellation and deadline.
//
// Outputs:
//   - string: The assistant's response text.
//   - error: *UnreachableError for transport failures, *ModelMissingError
//     when the endpoint reports the model absent, *EmptyResponseError for
//     blank completions, a plain error otherwise.
func (c *OllamaClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	model := c.Model()
	if model == "" {
		return "", fmt.Errorf("ollama: no model configured")
	}

	apiMessages := make([]ollamaChatMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleTool {
			continue
		}
		apiMessages = append(apiMessages, ollamaChatMessage{Role: msg.Role, Content: msg.Content})
	}

	reqPayload := ollamaChatRequest{
		Model:     model,
		Messages:  apiMessages,
		Stream:    false,
		KeepAlive: params.KeepAlive,
	}
	if params.Temperature != nil || params.MaxTokens != nil || params.NumCtx != nil || len(params.Stop) > 0 {
		reqPayload.Options = &ollamaOptions{
			Temperature: params.Temperature,
			NumPredict:  params.MaxTokens,
			NumCtx:      params.NumCtx,
			Stop:        params.Stop,
		}
	}

	reqBodyBytes, err := json.Marshal(reqPayload)
	if err != nil {
		return "", fmt.Errorf("ollama: marshaling request: %w", err)
	}

	url := c.baseURL + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return "", fmt.Errorf("ollama: creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	slog.Debug("Sending chat request to Ollama",
		slog.String("model", model),
		slog.Int("message_count", len(apiMessages)),
	)

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// No HTTP response at all: the endpoint itself is unreachable.
		return "", &UnreachableError{Endpoint: c.baseURL, Err: err}
	}
	defer resp.Body.Close()

	bodyBytes, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return "", fmt.Errorf("ollama: reading response body (status %d): %w", resp.StatusCode, readErr)
	}

	slog.Info("Ollama response received",
		slog.Int("status", resp.StatusCode),
		slog.Int("body_length", len(bodyBytes)),
		slog.String("model", model),
		slog.Duration("duration", time.Since(startTime)),
	)

	if resp.StatusCode != http.StatusOK {
		if isModelMissingResponse(resp.StatusCode, bodyBytes) {
			return "", &ModelMissingError{Model: model, Endpoint: c.baseURL}
		}
		return "", fmt.Errorf("ollama: API returned status %d: %s",
			resp.StatusCode, SafeLogString(string(bodyBytes)))
	}

	var apiResp ollamaChatResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return "", fmt.Errorf("ollama: parsing response JSON: %w", err)
	}
	if apiResp.Error != "" {
		return "", fmt.Errorf("ollama: API error: %s", SafeLogString(apiResp.Error))
	}

	content := apiResp.Message.Content
	if len(strings.TrimSpace(content)) == 0 {
		return "", &EmptyResponseError{
			Model:        model,
			MessageCount: len(apiMessages),
			Duration:     time.Since(startTime),
		}
	}
	return content, nil
}

// isModelMissingResponse decides whether a non-200 response means the
// requested model is absent.
//
// Status-first: Ollama answers 404 for unknown models. The body check is a
// fallback for builds that report it at 500 with an explanatory message.
func isModelMissingResponse(status int, body []byte) bool {
	lower := strings.ToLower(string(body))
	if status == http.StatusNotFound {
		return strings.Contains(lower, "model")
	}
	return strings.Contains(lower, "model") && strings.Contains(lower, "not found")
}
