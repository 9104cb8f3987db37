// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package judge scores candidate answers with an LLM call routed through the
// model gateway.
//
// The gate is fail-closed: if the judge call fails or its verdict cannot be
// parsed, the answer does not pass.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-router/internal/gateway"
	"github.com/jeranaias/rigrun-router/internal/logging"
	"github.com/jeranaias/rigrun-router/internal/model"
	"github.com/jeranaias/rigrun-router/internal/router"
	"github.com/jeranaias/rigrun-router/internal/util"
)

const (
	// DefaultThreshold is the minimum passing score.
	DefaultThreshold = 7.0
	// MaxScore is the top of the scale.
	MaxScore = 10.0

	contextPassages   = 3
	passageRunes      = 500
	judgeMaxTokens    = 400
	// DefaultTimeout bounds one judge call.
	DefaultTimeout = 30 * time.Second
)

// ErrVerdict is returned when the judge output is not a usable verdict.
var ErrVerdict = errors.New("unparseable judge verdict")

// Generator is the subset of the gateway the judge needs.
type Generator interface {
	Generate(ctx context.Context, tier router.Tier, req gateway.Request) (gateway.Result, error)
}

// Evaluation is a parsed judge verdict.
type Evaluation struct {
	Score    float64            `json:"score"`
	Reasons  []string           `json:"reasons,omitempty"`
	Criteria map[string]float64 `json:"criteria,omitempty"`
	Model    string             `json:"model,omitempty"`
	Passed   bool               `json:"passed"`
	// Error is the failure kind of a judge call that did not produce a
	// verdict. The underlying error is logged, never stored.
	Error string `json:"error,omitempty"`
}

// Config configures a Judge.
type Config struct {
	Tier      router.Tier
	Threshold float64
	Timeout   time.Duration
}

// Judge is stateless and safe for concurrent use.
type Judge struct {
	gen       Generator
	tier      router.Tier
	threshold float64
	timeout   time.Duration
	logger    logging.Logger
}

// New creates a judge. A zero threshold uses DefaultThreshold.
func New(gen Generator, cfg Config, logger logging.Logger) *Judge {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Judge{gen: gen, tier: cfg.Tier, threshold: cfg.Threshold, timeout: cfg.Timeout, logger: logger}
}

// Threshold returns the passing score.
func (j *Judge) Threshold() float64 {
	return j.threshold
}

// Evaluate scores answer for query given the retrieved passages. The
// returned Evaluation has Passed set. On error the Evaluation is
// zero-scored and not passed.
func (j *Judge) Evaluate(ctx context.Context, query string, passages []model.Passage, answer string) (Evaluation, error) {
	callCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	res, err := j.gen.Generate(callCtx, j.tier, gateway.Request{
		Prompt:      BuildPrompt(query, passages, answer),
		System:      systemPrompt,
		MaxTokens:   judgeMaxTokens,
		Temperature: 0,
	})
	if err != nil {
		j.logger.Warn("judge call failed, failing closed", "tier", j.tier.String(), "err", err)
		return Evaluation{Error: gateway.KindOf(err).String()}, fmt.Errorf("judge: %w", err)
	}

	ev, err := ParseVerdict(res.Text)
	if err != nil {
		j.logger.Warn("judge verdict unparseable, failing closed", "tier", j.tier.String(), "err", err)
		return Evaluation{Error: gateway.KindInvalidResponse.String(), Model: res.ModelID}, fmt.Errorf("judge: %w",
			gateway.NewError(gateway.KindInvalidResponse, res.ModelID, "bad verdict", err))
	}
	ev.Model = res.ModelID
	ev.Passed = ev.Score >= j.threshold
	return ev, nil
}

// =============================================================================
// PROMPT
// =============================================================================

const systemPrompt = "You are a strict evaluator of answer quality. Respond with JSON only."

// BuildPrompt renders the judge prompt. At most three passages are
// included, each truncated to 500 characters.
func BuildPrompt(query string, passages []model.Passage, answer string) string {
	var b strings.Builder
	b.WriteString("Evaluate the answer to the question below.\n\n")
	b.WriteString("QUESTION:\n")
	b.WriteString(query)
	b.WriteString("\n\nCONTEXT:\n")
	if len(passages) == 0 {
		b.WriteString("(no context retrieved)\n")
	}
	for i, p := range passages {
		if i == contextPassages {
			break
		}
		fmt.Fprintf(&b, "[%d] %s\n", i+1, util.TruncateRunes(p.Content, passageRunes))
	}
	b.WriteString("\nANSWER:\n")
	b.WriteString(answer)
	b.WriteString("\n\nScore the answer from 0 to 10 on correctness, relevance, completeness, clarity and use of the context.\n")
	b.WriteString(`Reply with exactly one JSON object: {"score": <0-10>, "reasons": ["..."], `)
	b.WriteString(`"criteria": {"correctness": <0-10>, "relevance": <0-10>, "completeness": <0-10>, "clarity": <0-10>, "citations": <0-10>}}`)
	return b.String()
}

// =============================================================================
// VERDICT PARSING
// =============================================================================

type rawVerdict struct {
	Score    *float64           `json:"score"`
	Reasons  json.RawMessage    `json:"reasons"`
	Criteria map[string]float64 `json:"criteria"`
}

// ParseVerdict extracts an Evaluation from judge output. Markdown fences
// and surrounding prose are tolerated. The score is clamped to [0,10].
func ParseVerdict(text string) (Evaluation, error) {
	body := util.StripCodeFence(text)
	if start, end := strings.IndexByte(body, '{'), strings.LastIndexByte(body, '}'); start >= 0 && end > start {
		body = body[start : end+1]
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return Evaluation{}, fmt.Errorf("%w: %v", ErrVerdict, err)
	}
	if raw.Score == nil {
		return Evaluation{}, fmt.Errorf("%w: missing score", ErrVerdict)
	}
	if math.IsNaN(*raw.Score) {
		return Evaluation{}, fmt.Errorf("%w: score is NaN", ErrVerdict)
	}

	ev := Evaluation{Score: clamp(*raw.Score), Reasons: parseReasons(raw.Reasons)}
	if len(raw.Criteria) > 0 {
		ev.Criteria = make(map[string]float64, len(raw.Criteria))
		for k, v := range raw.Criteria {
			ev.Criteria[k] = clamp(v)
		}
	}
	return ev, nil
}

// parseReasons accepts either a list of strings or a single string.
func parseReasons(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil && one != "" {
		return []string{one}
	}
	return nil
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(v, MaxScore))
}
