// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import "time"

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Options holds model parameters for generation.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"` // 0.0-2.0
	NumCtx      int     `json:"num_ctx,omitempty"`     // context window size
	NumPredict  int     `json:"num_predict,omitempty"` // max tokens to generate
	Seed        int     `json:"seed,omitempty"`
}

// GenerateRequest is the request body for /api/generate.
type GenerateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Stream  bool     `json:"stream"`
	System  string   `json:"system,omitempty"`
	Options *Options `json:"options,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// GenerateResponse is the response from /api/generate.
type GenerateResponse struct {
	Model              string    `json:"model"`
	CreatedAt          time.Time `json:"created_at"`
	Response           string    `json:"response"`
	Done               bool      `json:"done"`
	DoneReason         string    `json:"done_reason,omitempty"`
	TotalDuration      int64     `json:"total_duration,omitempty"` // nanoseconds
	PromptEvalCount    int       `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64     `json:"prompt_eval_duration,omitempty"`
	EvalCount          int       `json:"eval_count,omitempty"`
	EvalDuration       int64     `json:"eval_duration,omitempty"`
}

// ModelInfo contains information about an installed model.
type ModelInfo struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
}

// ListModelsResponse is the response from /api/tags.
type ListModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// OllamaError is the error body Ollama returns with non-200 statuses.
type OllamaError struct {
	Error string `json:"error"`
}

// TokensPerSecond returns the generation speed, or 0 if unknown.
func (r *GenerateResponse) TokensPerSecond() float64 {
	if r.EvalDuration <= 0 || r.EvalCount == 0 {
		return 0
	}
	return float64(r.EvalCount) / (float64(r.EvalDuration) / float64(time.Second))
}
