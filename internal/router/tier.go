// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"fmt"
	"strings"
)

// ============================================================================
// TIER TYPE
// ============================================================================

// Tier is an inference provider class. Lower values are cheaper.
type Tier int

const (
	// TierLocal is a locally hosted model (Ollama). Free, usually fastest.
	TierLocal Tier = iota
	// TierCloudFast is an inexpensive hosted model.
	TierCloudFast
	// TierCloudPremium is the most capable and most expensive hosted model.
	TierCloudPremium
)

// AllTiers lists every tier in escalation order.
var AllTiers = []Tier{TierLocal, TierCloudFast, TierCloudPremium}

// String returns the configuration name of the tier.
func (t Tier) String() string {
	switch t {
	case TierLocal:
		return "local"
	case TierCloudFast:
		return "cloud_fast"
	case TierCloudPremium:
		return "cloud_premium"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// Order returns the numeric order of the tier for comparison.
func (t Tier) Order() int {
	return int(t)
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t >= TierLocal && t <= TierCloudPremium
}

// IsPaid reports whether the tier incurs API costs.
func (t Tier) IsPaid() bool {
	return t > TierLocal
}

// ParseTier parses a tier name. "fast" and "premium" are accepted as short
// forms.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local":
		return TierLocal, nil
	case "cloud_fast", "fast", "cloud-fast":
		return TierCloudFast, nil
	case "cloud_premium", "premium", "cloud-premium":
		return TierCloudPremium, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", s)
	}
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
