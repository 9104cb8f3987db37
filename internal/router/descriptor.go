// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"fmt"
	"strings"
)

// ============================================================================
// LATENCY CLASS
// ============================================================================

// LatencyClass is a coarse latency bucket for a model.
type LatencyClass string

const (
	LatencyFast   LatencyClass = "fast"
	LatencyMedium LatencyClass = "medium"
	LatencySlow   LatencyClass = "slow"
)

// TypicalMs returns a representative latency for the class, used when a
// descriptor has no explicit latency estimate.
func (c LatencyClass) TypicalMs() int {
	switch c {
	case LatencyFast:
		return 500
	case LatencySlow:
		return 3000
	default:
		return 1500
	}
}

// ============================================================================
// MODEL DESCRIPTOR
// ============================================================================

// ModelDescriptor is the static description of one configured model. It is
// loaded once at startup and is read-only afterwards; availability lives in
// the fallback policy.
type ModelDescriptor struct {
	// ID is the unique identifier used in logs and responses.
	ID string `json:"id" toml:"id"`
	// Tier is the provider class this model serves.
	Tier Tier `json:"tier" toml:"tier"`
	// Provider selects the gateway implementation: ollama, openrouter,
	// openai or groq.
	Provider string `json:"provider" toml:"provider"`
	// Model is the provider-side model name.
	Model string `json:"model" toml:"model"`
	// Endpoint overrides the provider base URL.
	Endpoint string `json:"endpoint,omitempty" toml:"endpoint"`
	// APIKey authenticates hosted providers.
	APIKey string `json:"-" toml:"api_key"`
	// CostPerCall is a flat cost in USD charged per request.
	CostPerCall float64 `json:"cost_per_call" toml:"cost_per_call"`
	// CostPer1KTokens is the USD cost per thousand tokens (input + output).
	CostPer1KTokens float64 `json:"cost_per_1k_tokens" toml:"cost_per_1k_tokens"`
	// LatencyClass buckets the expected latency.
	LatencyClass LatencyClass `json:"latency_class" toml:"latency_class"`
	// LatencyMs is the expected latency; zero falls back to the class.
	LatencyMs int `json:"latency_ms" toml:"latency_ms"`
	// ContextWindow is the model context size in tokens.
	ContextWindow int `json:"context_window,omitempty" toml:"context_window"`
	// MaxConcurrency bounds in-flight calls to this model. Zero is unbounded.
	MaxConcurrency int `json:"max_concurrency" toml:"max_concurrency"`
	// RequestsPerSecond limits the call rate. Zero is unlimited.
	RequestsPerSecond float64 `json:"requests_per_second" toml:"requests_per_second"`
}

// ExpectedLatencyMs returns LatencyMs, or the class default when unset.
func (d ModelDescriptor) ExpectedLatencyMs() int {
	if d.LatencyMs > 0 {
		return d.LatencyMs
	}
	return d.LatencyClass.TypicalMs()
}

// EstimateCost returns the USD cost of a call with the given token counts.
func (d ModelDescriptor) EstimateCost(inputTokens, outputTokens int) float64 {
	tokens := float64(inputTokens + outputTokens)
	return d.CostPerCall + tokens/1000.0*d.CostPer1KTokens
}

// Validate checks the descriptor fields that routing depends on.
func (d ModelDescriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("model descriptor: id is required")
	}
	if !d.Tier.Valid() {
		return fmt.Errorf("model %s: invalid tier %d", d.ID, int(d.Tier))
	}
	if d.CostPerCall < 0 || d.CostPer1KTokens < 0 {
		return fmt.Errorf("model %s: costs must be non-negative", d.ID)
	}
	if d.MaxConcurrency < 0 || d.RequestsPerSecond < 0 {
		return fmt.Errorf("model %s: limits must be non-negative", d.ID)
	}
	switch d.LatencyClass {
	case "", LatencyFast, LatencyMedium, LatencySlow:
	default:
		return fmt.Errorf("model %s: unknown latency class %q", d.ID, d.LatencyClass)
	}
	return nil
}

// Catalog maps each tier to its model. One model per tier.
type Catalog map[Tier]ModelDescriptor

// NewCatalog indexes descriptors by tier and rejects duplicates.
func NewCatalog(descriptors []ModelDescriptor) (Catalog, error) {
	c := make(Catalog, len(descriptors))
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if prev, ok := c[d.Tier]; ok {
			return nil, fmt.Errorf("tier %s configured twice (%s, %s)", d.Tier, prev.ID, d.ID)
		}
		c[d.Tier] = d
	}
	return c, nil
}

// Has reports whether a model is configured for t.
func (c Catalog) Has(t Tier) bool {
	_, ok := c[t]
	return ok
}

// Tiers returns the configured tiers in escalation order.
func (c Catalog) Tiers() []Tier {
	out := make([]Tier, 0, len(c))
	for _, t := range AllTiers {
		if c.Has(t) {
			out = append(out, t)
		}
	}
	return out
}
