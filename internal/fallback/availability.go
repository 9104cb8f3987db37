// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package fallback

import (
	"sync"
	"time"

	"github.com/jeranaias/rigrun-router/internal/router"
)

// Clock supplies the current time. Tests inject a fake.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock uses time.Now.
var SystemClock Clock = ClockFunc(time.Now)

// TierStatus is a snapshot of one tier's availability.
type TierStatus struct {
	Tier                router.Tier `json:"tier"`
	Available           bool        `json:"available"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	CooldownUntil       time.Time   `json:"cooldown_until,omitzero"`
	LastFailure         string      `json:"last_failure,omitempty"`
	LastFailureAt       time.Time   `json:"last_failure_at,omitzero"`
}

type tierState struct {
	consecutive   int
	cooldownUntil time.Time
	lastKind      string
	lastAt        time.Time
}

// Availability tracks recent failures per tier. After Threshold consecutive
// failures a tier cools down for Cooldown; once the window passes it is
// tried again, and another failure reopens the window immediately.
//
// Updates race benignly: two requests may both observe a tier as available
// just before it trips.
type Availability struct {
	threshold int
	cooldown  time.Duration
	clock     Clock

	mu    sync.Mutex
	tiers map[router.Tier]*tierState
}

// NewAvailability creates a table. Non-positive arguments take defaults of
// 3 failures and 30 seconds; a nil clock uses SystemClock.
func NewAvailability(threshold int, cooldown time.Duration, clock Clock) *Availability {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Availability{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock,
		tiers:     make(map[router.Tier]*tierState),
	}
}

func (a *Availability) state(t router.Tier) *tierState {
	s, ok := a.tiers[t]
	if !ok {
		s = &tierState{}
		a.tiers[t] = s
	}
	return s
}

// Available reports whether t is outside its cooldown window.
func (a *Availability) Available(t router.Tier) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.tiers[t]
	if !ok {
		return true
	}
	return !a.clock.Now().Before(s.cooldownUntil)
}

// RecordFailure notes a provider failure of the given kind at t.
func (a *Availability) RecordFailure(t router.Tier, kind string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()
	s := a.state(t)
	s.consecutive++
	s.lastKind = kind
	s.lastAt = now
	if s.consecutive >= a.threshold {
		s.cooldownUntil = now.Add(a.cooldown)
	}
}

// RecordSuccess clears the failure streak for t.
func (a *Availability) RecordSuccess(t router.Tier) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.state(t)
	s.consecutive = 0
	s.cooldownUntil = time.Time{}
}

// Trip puts t into cooldown immediately, as if it had just crossed the
// failure threshold.
func (a *Availability) Trip(t router.Tier) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()
	s := a.state(t)
	if s.consecutive < a.threshold {
		s.consecutive = a.threshold
	}
	s.cooldownUntil = now.Add(a.cooldown)
	s.lastAt = now
}

// Status returns a snapshot for t.
func (a *Availability) Status(t router.Tier) TierStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := TierStatus{Tier: t, Available: true}
	s, ok := a.tiers[t]
	if !ok {
		return st
	}
	now := a.clock.Now()
	st.Available = !now.Before(s.cooldownUntil)
	st.ConsecutiveFailures = s.consecutive
	st.LastFailure = s.lastKind
	st.LastFailureAt = s.lastAt
	if !st.Available {
		st.CooldownUntil = s.cooldownUntil
	}
	return st
}
