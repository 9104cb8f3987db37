// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/jeranaias/rigrun-router/internal/gateway"
	"github.com/jeranaias/rigrun-router/internal/router"
)

// Provider names served by LangChainProvider.
const (
	ProviderOpenAI = "openai"
	ProviderGroq   = "groq"
)

// GroqBaseURL is Groq's OpenAI-compatible endpoint.
const GroqBaseURL = "https://api.groq.com/openai/v1"

// LangChainProvider serves one model through langchaingo's OpenAI client.
type LangChainProvider struct {
	id    string
	model llms.Model
}

// NewLangChainProvider builds the client for desc. desc.Provider selects
// the default endpoint; desc.Endpoint overrides it. hc may be nil.
func NewLangChainProvider(desc router.ModelDescriptor, hc *http.Client) (*LangChainProvider, error) {
	opts := []openai.Option{openai.WithModel(desc.Model)}
	baseURL := desc.Endpoint
	switch desc.Provider {
	case ProviderGroq:
		if baseURL == "" {
			baseURL = GroqBaseURL
		}
	case ProviderOpenAI:
	default:
		return nil, fmt.Errorf("langchain provider: unsupported provider %q", desc.Provider)
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	if desc.APIKey != "" {
		opts = append(opts, openai.WithToken(desc.APIKey))
	}
	if hc != nil {
		opts = append(opts, openai.WithHTTPClient(hc))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain provider %s: %w", desc.ID, err)
	}
	return NewLangChainProviderFromModel(desc.ID, llm), nil
}

// NewLangChainProviderFromModel wraps an existing langchaingo model.
func NewLangChainProviderFromModel(id string, model llms.Model) *LangChainProvider {
	return &LangChainProvider{id: id, model: model}
}

// Generate implements gateway.Provider.
func (p *LangChainProvider) Generate(ctx context.Context, desc router.ModelDescriptor, req gateway.Request) (gateway.Response, error) {
	messages := make([]llms.MessageContent, 0, 2)
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, gateway.RenderPrompt(req)))

	var opts []llms.CallOption
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	opts = append(opts, llms.WithTemperature(req.Temperature))

	resp, err := p.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return gateway.Response{}, gateway.NewError(langchainKind(err), p.id, "", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return gateway.Response{}, gateway.Errorf(gateway.KindInvalidResponse, p.id, "no choices in response")
	}
	choice := resp.Choices[0]
	return gateway.Response{
		Text:         choice.Content,
		Model:        desc.Model,
		InputTokens:  intInfo(choice.GenerationInfo, "PromptTokens"),
		OutputTokens: intInfo(choice.GenerationInfo, "CompletionTokens"),
		Truncated:    choice.StopReason == finishReasonLength,
	}, nil
}

var statusPattern = regexp.MustCompile(`status code: (\d{3})`)

// langchainKind recovers the HTTP status langchaingo folds into its error
// text.
func langchainKind(err error) gateway.FailureKind {
	if k := gateway.KindOf(err); k != gateway.KindUnknown {
		return k
	}
	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return gateway.KindFromStatus(code)
	}
	return gateway.KindUnknown
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
