// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-router/internal/gateway"
	"github.com/jeranaias/rigrun-router/internal/logging"
	"github.com/jeranaias/rigrun-router/internal/router"
)

// Configuration constants for OpenRouter API.
const (
	// DefaultOpenRouterURL is the base URL for OpenRouter API.
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

	// DefaultTimeout is the default timeout for API requests.
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	MaxResponseSize = 10 * 1024 * 1024

	// DefaultModel is OpenRouter's automatic model router.
	DefaultModel = "openrouter/auto"

	finishReasonLength = "length"
)

// sharedTransport pools connections across all cloud clients.
var sharedTransport = &http.Transport{
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
	TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
}

// OpenRouterError represents an error body from the OpenRouter API.
type OpenRouterError struct {
	Code    string
	Message string
	Status  int
}

// Error implements the error interface.
func (e *OpenRouterError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("OpenRouter error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("OpenRouter error (HTTP %d): %s", e.Status, e.Message)
}

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"` // "user", "assistant", or "system"
	Content string `json:"content"`
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) ChatMessage {
	return ChatMessage{Role: "system", Content: content}
}

// ChatRequest represents a request to the chat completions endpoint.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatChoice is one completion alternative.
type ChatChoice struct {
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage reports token counts.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse represents a response from the chat completions endpoint.
type ChatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// GetContent returns the content of the first choice, or empty string if none.
func (r *ChatResponse) GetContent() string {
	if len(r.Choices) > 0 {
		return r.Choices[0].Message.Content
	}
	return ""
}

type apiErrorResponse struct {
	Error struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// OpenRouterClient calls the OpenRouter chat completions API. It is safe
// for concurrent use.
type OpenRouterClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	siteURL    string
	siteName   string
	logger     logging.Logger
}

// NewOpenRouterClient creates a client with the given API key. An empty key
// still yields a client; every call then fails as unavailable.
func NewOpenRouterClient(apiKey string) *OpenRouterClient {
	return &OpenRouterClient{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    DefaultOpenRouterURL,
		httpClient: &http.Client{Timeout: DefaultTimeout, Transport: sharedTransport},
		siteURL:    "https://rigrun.local",
		siteName:   "rigrun",
		logger:     logging.Nop(),
	}
}

// WithBaseURL sets a custom base URL for the API.
func (c *OpenRouterClient) WithBaseURL(url string) *OpenRouterClient {
	if url != "" {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
	return c
}

// WithHTTPClient replaces the HTTP client.
func (c *OpenRouterClient) WithHTTPClient(hc *http.Client) *OpenRouterClient {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// WithLogger sets the request logger.
func (c *OpenRouterClient) WithLogger(l logging.Logger) *OpenRouterClient {
	if l != nil {
		c.logger = l
	}
	return c
}

// IsConfigured reports whether an API key is set.
func (c *OpenRouterClient) IsConfigured() bool {
	return c.apiKey != ""
}

// KeyFingerprint returns a short SHA-256 fingerprint of the API key for
// logs.
func (c *OpenRouterClient) KeyFingerprint() string {
	return keyFingerprint(c.apiKey)
}

func keyFingerprint(key string) string {
	if key == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:4])
}

// Generate implements gateway.Provider.
func (c *OpenRouterClient) Generate(ctx context.Context, desc router.ModelDescriptor, req gateway.Request) (gateway.Response, error) {
	apiKey := c.apiKey
	if desc.APIKey != "" {
		apiKey = desc.APIKey
	}
	if apiKey == "" {
		return gateway.Response{}, gateway.Errorf(gateway.KindUnavailable, desc.ID, "no API key configured")
	}
	baseURL := c.baseURL
	if desc.Endpoint != "" {
		baseURL = strings.TrimSuffix(desc.Endpoint, "/")
	}
	modelName := desc.Model
	if modelName == "" {
		modelName = DefaultModel
	}

	messages := make([]ChatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, NewSystemMessage(req.System))
	}
	messages = append(messages, NewUserMessage(gateway.RenderPrompt(req)))

	resp, err := c.Chat(ctx, baseURL, apiKey, ChatRequest{
		Model:       modelName,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return gateway.Response{}, err
	}
	if len(resp.Choices) == 0 {
		return gateway.Response{}, gateway.Errorf(gateway.KindInvalidResponse, desc.ID, "no choices in response")
	}
	return gateway.Response{
		Text:         resp.GetContent(),
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Truncated:    resp.Choices[0].FinishReason == finishReasonLength,
	}, nil
}

// Chat performs one chat completion request. Failures are *gateway.Error.
func (c *OpenRouterClient) Chat(ctx context.Context, baseURL, apiKey string, reqBody ChatRequest) (*ChatResponse, error) {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, gateway.NewError(gateway.KindUnknown, "openrouter", "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, gateway.NewError(gateway.KindUnknown, "openrouter", "failed to create request", err)
	}
	c.setHeaders(req, apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	// Drop the credential so nothing downstream can log it.
	req.Header.Del("Authorization")
	if err != nil {
		kind := gateway.KindOf(err)
		if kind == gateway.KindUnknown {
			kind = gateway.KindUnavailable
		}
		return nil, gateway.NewError(kind, "openrouter", "request failed", err)
	}
	defer resp.Body.Close()
	c.logger.Debug("openrouter response", "status", resp.StatusCode, "model", reqBody.Model,
		"key", keyFingerprint(apiKey), "duration", time.Since(start))

	body, err := readResponse(resp)
	if err != nil {
		return nil, gateway.NewError(gateway.KindInvalidResponse, "openrouter", "failed to read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, handleErrorResponse(resp.StatusCode, body)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, gateway.NewError(gateway.KindInvalidResponse, "openrouter", "failed to parse response", err)
	}
	return &chatResp, nil
}

// Check implements gateway.Checker. OpenRouter has no free health route, so
// a configured key is taken as reachable.
func (c *OpenRouterClient) Check(context.Context) error {
	if !c.IsConfigured() {
		return gateway.Errorf(gateway.KindUnavailable, "openrouter", "no API key configured")
	}
	return nil
}

func (c *OpenRouterClient) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "rigrun-router/1.0")
	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.siteName != "" {
		req.Header.Set("X-Title", c.siteName)
	}
}

// readResponse reads the body up to MaxResponseSize.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// handleErrorResponse maps an error status and body to a normalized error.
func handleErrorResponse(statusCode int, body []byte) error {
	orErr := &OpenRouterError{Status: statusCode, Message: strings.TrimSpace(string(body))}
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		orErr.Message = apiErr.Error.Message
		orErr.Code = strings.Trim(string(apiErr.Error.Code), `"`)
	}
	if len(orErr.Message) > 200 {
		orErr.Message = orErr.Message[:200]
	}
	return gateway.NewError(gateway.KindFromStatus(statusCode), "openrouter", "", orErr)
}
