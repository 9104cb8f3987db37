// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/jeranaias/rigrun-router/internal/gateway"
	"github.com/jeranaias/rigrun-router/internal/router"
)

const providerName = "ollama"

// doneReasonLength is reported when generation stopped at num_predict.
const doneReasonLength = "length"

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the Ollama client.
type ClientConfig struct {
	// BaseURL is the Ollama API base URL (default: http://127.0.0.1:11434)
	// Explicit IPv4 avoids IPv6 localhost resolution on Windows.
	BaseURL string

	// Timeout for a whole request (default: 120s). The gateway's per-call
	// timeout is normally shorter and wins.
	Timeout time.Duration

	// DefaultModel is used when a descriptor names none.
	DefaultModel string
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:      "http://127.0.0.1:11434",
		Timeout:      120 * time.Second,
		DefaultModel: "qwen2.5:7b",
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the Ollama HTTP API. It is safe for concurrent use.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
}

// NewClient creates a client with the default configuration.
func NewClient() *Client {
	return NewClientWithConfig(DefaultConfig())
}

// NewClientWithConfig creates a client, filling zero fields with defaults.
func NewClientWithConfig(config *ClientConfig) *Client {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	cfg := *config
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = def.DefaultModel
	}
	return &Client{
		config:     &cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// BaseURL returns the configured endpoint.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// Check implements gateway.Checker by listing installed models.
func (c *Client) Check(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// ListModels returns the models installed on the server.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, gateway.NewError(gateway.KindUnknown, providerName, "failed to create request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var result ListModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, gateway.NewError(gateway.KindInvalidResponse, providerName, "failed to decode response", err)
	}
	return result.Models, nil
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate implements gateway.Provider with a non-streaming /api/generate
// call.
func (c *Client) Generate(ctx context.Context, desc router.ModelDescriptor, greq gateway.Request) (gateway.Response, error) {
	modelName := desc.Model
	if modelName == "" {
		modelName = c.config.DefaultModel
	}
	baseURL := c.config.BaseURL
	if desc.Endpoint != "" {
		baseURL = desc.Endpoint
	}

	reqBody := GenerateRequest{
		Model:  modelName,
		Prompt: gateway.RenderPrompt(greq),
		System: greq.System,
		Stream: false,
	}
	if greq.MaxTokens > 0 || greq.Temperature > 0 || desc.ContextWindow > 0 {
		reqBody.Options = &Options{
			Temperature: greq.Temperature,
			NumPredict:  greq.MaxTokens,
			NumCtx:      desc.ContextWindow,
		}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return gateway.Response{}, gateway.NewError(gateway.KindUnknown, providerName, "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return gateway.Response{}, gateway.NewError(gateway.KindUnknown, providerName, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gateway.Response{}, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return gateway.Response{}, statusError(resp)
	}

	var result GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return gateway.Response{}, gateway.NewError(gateway.KindInvalidResponse, providerName, "failed to decode response", err)
	}
	if !result.Done {
		return gateway.Response{}, gateway.Errorf(gateway.KindInvalidResponse, providerName, "generation did not complete")
	}

	return gateway.Response{
		Text:         result.Response,
		Model:        result.Model,
		InputTokens:  result.PromptEvalCount,
		OutputTokens: result.EvalCount,
		Truncated:    result.DoneReason == doneReasonLength,
	}, nil
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func transportError(err error) *gateway.Error {
	kind := gateway.KindOf(err)
	if kind == gateway.KindUnknown {
		// Anything that kept us from getting a response means the server is
		// not reachable.
		kind = gateway.KindUnavailable
	}
	return gateway.NewError(kind, providerName, "request failed", err)
}

func statusError(resp *http.Response) *gateway.Error {
	kind := gateway.KindFromStatus(resp.StatusCode)
	var ollamaErr OllamaError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &ollamaErr); err == nil && ollamaErr.Error != "" {
		return gateway.Errorf(kind, providerName, "%s (%s)", ollamaErr.Error, resp.Status)
	}
	return gateway.Errorf(kind, providerName, "request failed: %s", resp.Status)
}
