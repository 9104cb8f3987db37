// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"fmt"

	"github.com/jeranaias/rigrun-router/internal/model"
)

// ============================================================================
// ROUTING DECISION
// ============================================================================

// Decision is the starting tier chosen for a smart query and why.
type Decision struct {
	Tier       Tier              `json:"tier"`
	Objective  model.OptimizeFor `json:"optimize_for"`
	Complexity float64           `json:"complexity_score"`
	Difficulty Difficulty        `json:"difficulty"`
	Reason     string            `json:"reason"`
}

// String returns a one-line summary of the decision.
func (d Decision) String() string {
	return fmt.Sprintf("%s (optimize_for=%s, complexity=%.2f): %s",
		d.Tier, d.Objective, d.Complexity, d.Reason)
}

// AvailabilityFunc reports whether a tier should be tried for a new request.
type AvailabilityFunc func(Tier) bool

// LatencyFunc reports the observed latency of a tier in milliseconds, or
// false when nothing has been observed yet.
type LatencyFunc func(Tier) (int, bool)

// Selector picks the starting tier for a request.
type Selector struct {
	catalog    Catalog
	thresholds Thresholds
	observed   LatencyFunc
}

// NewSelector creates a selector over catalog.
func NewSelector(catalog Catalog, thresholds Thresholds) *Selector {
	return &Selector{catalog: catalog, thresholds: thresholds}
}

// WithObservedLatency returns a copy of s that ranks tiers for the speed
// objective by fn, falling back to the descriptor latency for tiers fn has
// no sample for.
func (s *Selector) WithObservedLatency(fn LatencyFunc) *Selector {
	c := *s
	c.observed = fn
	return &c
}

// Thresholds returns the configured classifier thresholds.
func (s *Selector) Thresholds() Thresholds {
	return s.thresholds
}

// Select chooses a starting tier for a query with the given complexity
// score. available may be nil, in which case every configured tier counts
// as available. The chosen tier is not guaranteed to be configured or
// available; the fallback policy resolves that.
func (s *Selector) Select(score float64, objective model.OptimizeFor, available AvailabilityFunc) Decision {
	if available == nil {
		available = func(Tier) bool { return true }
	}
	d := Decision{
		Objective:  objective,
		Complexity: score,
		Difficulty: s.thresholds.Difficulty(score),
	}

	switch objective {
	case model.OptimizeCost:
		d.Tier = TierLocal
		d.Reason = "cost objective starts at the cheapest tier"
	case model.OptimizeQuality:
		d.Tier = TierCloudPremium
		d.Reason = "quality objective starts at the premium tier"
	case model.OptimizeSpeed:
		var ms int
		var observed bool
		d.Tier, ms, observed = s.fastest(available)
		source := "expected"
		if observed {
			source = "observed"
		}
		d.Reason = fmt.Sprintf("speed objective picked the lowest-latency available tier (%dms %s)", ms, source)
	default:
		d.Objective = model.OptimizeBalanced
		d.Tier = s.thresholds.TierFor(score)
		d.Reason = fmt.Sprintf("%s query (complexity %.2f) mapped by thresholds %.2f/%.2f",
			d.Difficulty, score, s.thresholds.LocalMax, s.thresholds.FastMax)
	}
	return d
}

// fastest returns the available configured tier with the lowest latency,
// observed when a sample exists and expected otherwise. Ties go to the
// cheaper tier. With nothing available it returns TierLocal.
func (s *Selector) fastest(available AvailabilityFunc) (Tier, int, bool) {
	best, bestMs, bestObserved := TierLocal, -1, false
	for _, t := range s.catalog.Tiers() {
		if !available(t) {
			continue
		}
		ms, observed := s.latencyMs(t)
		if bestMs < 0 || ms < bestMs {
			best, bestMs, bestObserved = t, ms, observed
		}
	}
	if bestMs < 0 {
		bestMs, bestObserved = s.latencyMs(best)
	}
	return best, bestMs, bestObserved
}

func (s *Selector) latencyMs(t Tier) (int, bool) {
	if s.observed != nil {
		if ms, ok := s.observed(t); ok {
			return ms, true
		}
	}
	return s.catalog[t].ExpectedLatencyMs(), false
}
