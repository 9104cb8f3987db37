// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package fallback encodes the escalation order and attempt bounds shared by
// the graph and smart pipelines.
//
// Escalation is a total order over configured tiers. A provider failure or a
// sub-threshold judge score moves a request to the next tier; there is no
// same-tier retry unless RetryLastTierOnJudgeFail is enabled, and the
// number of attempts per request never exceeds the number of tiers.
package fallback

import (
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/rigrun-router/internal/router"
)

const (
	// DefaultFailureThreshold is the consecutive failure count that starts a
	// cooldown.
	DefaultFailureThreshold = 3
	// DefaultCooldown is how long a tripped tier is skipped by new requests.
	DefaultCooldown = 30 * time.Second
)

// ErrExhausted is returned when no higher tier remains.
var ErrExhausted = errors.New("escalation exhausted")

// Trigger is the reason a request leaves its current tier.
type Trigger int

const (
	// TriggerProviderFailure is any gateway FailureKind.
	TriggerProviderFailure Trigger = iota
	// TriggerLowScore is a judge score below threshold, including a failed
	// judge call.
	TriggerLowScore
)

// String returns the trigger name.
func (t Trigger) String() string {
	if t == TriggerLowScore {
		return "low_score"
	}
	return "provider_failure"
}

// Config holds the policy settings.
type Config struct {
	// Order is the escalation order. It must be strictly increasing in tier
	// order. Empty means all tiers.
	Order []router.Tier
	// RetryLastTierOnJudgeFail allows one same-tier retry at the top tier
	// after a low score. Attempts stay bounded by len(Order).
	RetryLastTierOnJudgeFail bool
}

// Policy is safe for concurrent use. Its availability table is the only
// mutable state.
type Policy struct {
	order         []router.Tier
	retryLastTier bool
	avail         *Availability
}

// NewPolicy creates a policy. A nil availability table gets defaults.
func NewPolicy(cfg Config, avail *Availability) (*Policy, error) {
	order := cfg.Order
	if len(order) == 0 {
		order = router.AllTiers
	}
	for i, t := range order {
		if !t.Valid() {
			return nil, fmt.Errorf("fallback: invalid tier %d in order", int(t))
		}
		if i > 0 && t.Order() <= order[i-1].Order() {
			return nil, fmt.Errorf("fallback: order must be strictly increasing (%s after %s)", t, order[i-1])
		}
	}
	if avail == nil {
		avail = NewAvailability(0, 0, nil)
	}
	cp := make([]router.Tier, len(order))
	copy(cp, order)
	return &Policy{order: cp, retryLastTier: cfg.RetryLastTierOnJudgeFail, avail: avail}, nil
}

// Order returns a copy of the escalation order.
func (p *Policy) Order() []router.Tier {
	out := make([]router.Tier, len(p.order))
	copy(out, p.order)
	return out
}

// MaxAttempts is the per-request generation bound.
func (p *Policy) MaxAttempts() int {
	return len(p.order)
}

// Availability returns the policy's availability table.
func (p *Policy) Availability() *Availability {
	return p.avail
}

// Top returns the highest tier in the order.
func (p *Policy) Top() router.Tier {
	return p.order[len(p.order)-1]
}

// Next returns the tier after current in escalation order. Tiers in
// cooldown are skipped. It returns ErrExhausted at the top.
func (p *Policy) Next(current router.Tier, trigger Trigger) (router.Tier, error) {
	for _, t := range p.order {
		if t.Order() <= current.Order() {
			continue
		}
		if p.avail.Available(t) {
			return t, nil
		}
	}
	return current, fmt.Errorf("%w: no tier above %s (%s)", ErrExhausted, current, trigger)
}

// Start picks the first tier for a new request: preferred if it is in the
// order and available, otherwise the next available tier above it. When
// everything at or above preferred is cooling down, the first configured
// tier at or above preferred is probed anyway so that the request is still
// answered; when preferred is above every configured tier, the top tier is
// used.
func (p *Policy) Start(preferred router.Tier) router.Tier {
	first := -1
	for i, t := range p.order {
		if t.Order() < preferred.Order() {
			continue
		}
		if first < 0 {
			first = i
		}
		if p.avail.Available(t) {
			return t
		}
	}
	if first >= 0 {
		return p.order[first]
	}
	return p.Top()
}

// Begin starts tracking the escalation of one request.
func (p *Policy) Begin(preferred router.Tier) *Escalation {
	return &Escalation{policy: p, current: p.Start(preferred)}
}

// RecordFailure notes a provider failure at t.
func (p *Policy) RecordFailure(t router.Tier, kind string) { p.avail.RecordFailure(t, kind) }

// RecordSuccess clears t's failure streak.
func (p *Policy) RecordSuccess(t router.Tier) { p.avail.RecordSuccess(t) }

// Status returns availability snapshots for every tier in the order.
func (p *Policy) Status() []TierStatus {
	out := make([]TierStatus, 0, len(p.order))
	for _, t := range p.order {
		out = append(out, p.avail.Status(t))
	}
	return out
}

// =============================================================================
// ESCALATION
// =============================================================================

// Escalation is the per-request escalation cursor. It is not safe for
// concurrent use; each run owns one.
type Escalation struct {
	policy      *Policy
	current     router.Tier
	attempts    int
	retriedLast bool
	visited     []router.Tier
}

// Tier returns the tier for the next attempt.
func (e *Escalation) Tier() router.Tier {
	return e.current
}

// Attempts returns how many attempts have been started.
func (e *Escalation) Attempts() int {
	return e.attempts
}

// Visited returns the tiers attempted so far, in order.
func (e *Escalation) Visited() []router.Tier {
	out := make([]router.Tier, len(e.visited))
	copy(out, e.visited)
	return out
}

// Attempt claims the next attempt at Tier. It fails with ErrExhausted once
// the bound is reached.
func (e *Escalation) Attempt() (router.Tier, error) {
	if e.attempts >= e.policy.MaxAttempts() {
		return e.current, fmt.Errorf("%w: %d attempts used", ErrExhausted, e.attempts)
	}
	e.attempts++
	e.visited = append(e.visited, e.current)
	return e.current, nil
}

// Advance moves past the current tier after trigger. A provider failure is
// also recorded against the tier's availability.
func (e *Escalation) Advance(trigger Trigger, failureKind string) (router.Tier, error) {
	if trigger == TriggerProviderFailure {
		e.policy.RecordFailure(e.current, failureKind)
	}
	if e.attempts >= e.policy.MaxAttempts() {
		return e.current, fmt.Errorf("%w: %d attempts used", ErrExhausted, e.attempts)
	}
	next, err := e.policy.Next(e.current, trigger)
	if err == nil {
		e.current = next
		return next, nil
	}
	if trigger == TriggerLowScore && e.policy.retryLastTier && !e.retriedLast && e.current == e.policy.Top() {
		e.retriedLast = true
		return e.current, nil
	}
	return e.current, err
}

// Succeeded records a successful provider call at the current tier.
func (e *Escalation) Succeeded() {
	e.policy.RecordSuccess(e.current)
}
