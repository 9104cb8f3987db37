// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"fmt"
	"math"
	"strings"
	"unicode"
)

// ============================================================================
// FEATURE WEIGHTS
// ============================================================================

const (
	lengthWordsForMax = 50.0
	lengthScoreMax    = 0.3

	reasoningWeight = 0.15
	reasoningMax    = 0.3

	technicalWeight = 0.1

	structureWeight = 0.1
	structureMax    = 0.2

	multiStepWeight = 0.1
)

var reasoningKeywords = []string{"why", "how", "explain", "reason", "analyze", "compare"}

var technicalKeywords = []string{"code", "debug", "function", "api", "error"}

var multiStepMarkers = []string{"step by step", "step-by-step", "first,", "and then", "finally,"}

// wordsOf lowercases s and splits it on anything that is not a letter,
// digit, apostrophe or hyphen.
func wordsOf(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '-'
	})
}

// ============================================================================
// CLASSIFY
// ============================================================================

// Classify scores query complexity in [0,1]. It is deterministic and has no
// side effects. Scores are rounded to four decimal places so threshold
// comparisons are exact.
func Classify(query string) float64 {
	return Analyze(query).Score
}

// Features holds the per-feature contributions to a score.
type Features struct {
	Length    float64 `json:"length"`
	Reasoning float64 `json:"reasoning"`
	Technical float64 `json:"technical"`
	Structure float64 `json:"structure"`
	MultiStep float64 `json:"multi_step"`
}

// Difficulty is the coarse complexity label.
type Difficulty string

const (
	DifficultySimple  Difficulty = "simple"
	DifficultyMedium  Difficulty = "medium"
	DifficultyComplex Difficulty = "complex"
)

// Analysis is the full classifier output.
type Analysis struct {
	Score              float64    `json:"score"`
	Difficulty         Difficulty `json:"difficulty"`
	WordCount          int        `json:"word_count"`
	EstimatedTokensOut int        `json:"estimated_tokens_out"`
	Features           Features   `json:"features"`
}

// Analyze classifies query and reports the feature breakdown.
func Analyze(query string) Analysis {
	words := wordsOf(query)
	lower := strings.ToLower(query)

	wordSet := make(map[string]struct{}, len(words))
	for _, w := range words {
		wordSet[w] = struct{}{}
	}

	var f Features
	f.Length = math.Min(float64(len(words))/lengthWordsForMax, lengthScoreMax)

	hits := 0
	for _, kw := range reasoningKeywords {
		if _, ok := wordSet[kw]; ok {
			hits++
		}
	}
	f.Reasoning = math.Min(float64(hits)*reasoningWeight, reasoningMax)

	for _, kw := range technicalKeywords {
		if _, ok := wordSet[kw]; ok {
			f.Technical = technicalWeight
			break
		}
	}

	f.Structure = math.Min(float64(structuralCues(query))*structureWeight, structureMax)

	for _, m := range multiStepMarkers {
		if strings.Contains(lower, m) {
			f.MultiStep = multiStepWeight
			break
		}
	}

	score := f.Length + f.Reasoning + f.Technical + f.Structure + f.MultiStep
	score = roundScore(math.Max(0, math.Min(score, 1)))

	tokensOut := len(words) * 5
	if tokensOut < 100 {
		tokensOut = 100
	}

	return Analysis{
		Score:              score,
		Difficulty:         DefaultThresholds().Difficulty(score),
		WordCount:          len(words),
		EstimatedTokensOut: tokensOut,
		Features:           f,
	}
}

// structuralCues counts extra question marks beyond the first and
// enumerated lines.
func structuralCues(query string) int {
	cues := 0
	if q := strings.Count(query, "?"); q > 1 {
		cues += q - 1
	}
	for _, line := range strings.Split(query, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 2 {
			continue
		}
		if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
			cues++
			continue
		}
		if line[0] >= '0' && line[0] <= '9' && (line[1] == '.' || line[1] == ')') {
			cues++
		}
	}
	return cues
}

func roundScore(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// ============================================================================
// THRESHOLDS
// ============================================================================

// Thresholds maps complexity scores to tiers. Boundary scores go to the
// cheaper tier: score <= LocalMax routes local, score <= FastMax routes
// cloud_fast, anything above routes cloud_premium.
type Thresholds struct {
	LocalMax float64 `json:"local_max" toml:"local_max"`
	FastMax  float64 `json:"fast_max" toml:"fast_max"`
}

// DefaultThresholds returns 0.3 / 0.6.
func DefaultThresholds() Thresholds {
	return Thresholds{LocalMax: 0.3, FastMax: 0.6}
}

// Validate checks 0 <= LocalMax <= FastMax <= 1.
func (th Thresholds) Validate() error {
	if th.LocalMax < 0 || th.FastMax > 1 || th.LocalMax > th.FastMax {
		return fmt.Errorf("classifier thresholds must satisfy 0 <= local_max <= fast_max <= 1 (got %.2f, %.2f)",
			th.LocalMax, th.FastMax)
	}
	return nil
}

// TierFor maps a score to a tier.
func (th Thresholds) TierFor(score float64) Tier {
	switch {
	case score <= th.LocalMax:
		return TierLocal
	case score <= th.FastMax:
		return TierCloudFast
	default:
		return TierCloudPremium
	}
}

// Difficulty maps a score to its label using the same boundaries as TierFor.
func (th Thresholds) Difficulty(score float64) Difficulty {
	switch th.TierFor(score) {
	case TierLocal:
		return DifficultySimple
	case TierCloudFast:
		return DifficultyMedium
	default:
		return DifficultyComplex
	}
}
