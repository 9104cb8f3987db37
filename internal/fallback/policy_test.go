// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package fallback

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-router/internal/router"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newPolicy(t *testing.T, cfg Config, avail *Availability) *Policy {
	t.Helper()
	p, err := NewPolicy(cfg, avail)
	require.NoError(t, err)
	return p
}

func TestNewPolicyValidatesOrder(t *testing.T) {
	_, err := NewPolicy(Config{Order: []router.Tier{router.TierCloudFast, router.TierLocal}}, nil)
	assert.Error(t, err)

	_, err = NewPolicy(Config{Order: []router.Tier{router.TierLocal, router.TierLocal}}, nil)
	assert.Error(t, err)

	p, err := NewPolicy(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, router.AllTiers, p.Order())
	assert.Equal(t, 3, p.MaxAttempts())
}

func TestPolicyNext(t *testing.T) {
	p := newPolicy(t, Config{}, nil)

	next, err := p.Next(router.TierLocal, TriggerProviderFailure)
	require.NoError(t, err)
	assert.Equal(t, router.TierCloudFast, next)

	next, err = p.Next(router.TierCloudFast, TriggerLowScore)
	require.NoError(t, err)
	assert.Equal(t, router.TierCloudPremium, next)

	_, err = p.Next(router.TierCloudPremium, TriggerLowScore)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestPolicyNextWithPartialOrder(t *testing.T) {
	p := newPolicy(t, Config{Order: []router.Tier{router.TierLocal, router.TierCloudPremium}}, nil)

	next, err := p.Next(router.TierLocal, TriggerProviderFailure)
	require.NoError(t, err)
	assert.Equal(t, router.TierCloudPremium, next)

	// A tier outside the order continues from the first tier above it.
	next, err = p.Next(router.TierCloudFast, TriggerProviderFailure)
	require.NoError(t, err)
	assert.Equal(t, router.TierCloudPremium, next)
	assert.Equal(t, router.TierCloudPremium, p.Start(router.TierCloudFast))
}

func TestEscalationBound(t *testing.T) {
	for _, retry := range []bool{false, true} {
		for _, start := range router.AllTiers {
			p := newPolicy(t, Config{RetryLastTierOnJudgeFail: retry}, nil)
			esc := p.Begin(start)
			for i := 0; i < 10; i++ {
				if _, err := esc.Attempt(); err != nil {
					break
				}
				trigger := TriggerLowScore
				if i%2 == 0 {
					trigger = TriggerProviderFailure
				}
				if _, err := esc.Advance(trigger, "unavailable"); err != nil {
					break
				}
			}
			assert.LessOrEqual(t, esc.Attempts(), p.MaxAttempts(), "retry=%v start=%s", retry, start)
		}
	}
}

func TestEscalationFullChain(t *testing.T) {
	p := newPolicy(t, Config{}, nil)
	esc := p.Begin(router.TierLocal)

	var tiers []router.Tier
	for {
		tier, err := esc.Attempt()
		require.NoError(t, err)
		tiers = append(tiers, tier)
		if _, err := esc.Advance(TriggerProviderFailure, "unavailable"); err != nil {
			assert.True(t, errors.Is(err, ErrExhausted))
			break
		}
	}
	assert.Equal(t, []router.Tier{router.TierLocal, router.TierCloudFast, router.TierCloudPremium}, tiers)
	assert.Equal(t, tiers, esc.Visited())
}

func TestRetryLastTierOnJudgeFail(t *testing.T) {
	t.Run("Should not retry the top tier by default", func(t *testing.T) {
		esc := newPolicy(t, Config{}, nil).Begin(router.TierCloudPremium)
		_, err := esc.Attempt()
		require.NoError(t, err)
		_, err = esc.Advance(TriggerLowScore, "")
		assert.ErrorIs(t, err, ErrExhausted)
	})

	t.Run("Should retry the top tier once when enabled", func(t *testing.T) {
		esc := newPolicy(t, Config{RetryLastTierOnJudgeFail: true}, nil).Begin(router.TierCloudPremium)
		_, err := esc.Attempt()
		require.NoError(t, err)

		tier, err := esc.Advance(TriggerLowScore, "")
		require.NoError(t, err)
		assert.Equal(t, router.TierCloudPremium, tier)

		_, err = esc.Attempt()
		require.NoError(t, err)
		_, err = esc.Advance(TriggerLowScore, "")
		assert.ErrorIs(t, err, ErrExhausted)
		assert.Equal(t, 2, esc.Attempts())
	})

	t.Run("Should not retry after a provider failure", func(t *testing.T) {
		esc := newPolicy(t, Config{RetryLastTierOnJudgeFail: true}, nil).Begin(router.TierCloudPremium)
		_, err := esc.Attempt()
		require.NoError(t, err)
		_, err = esc.Advance(TriggerProviderFailure, "timeout")
		assert.ErrorIs(t, err, ErrExhausted)
	})
}

func TestAvailabilityCooldown(t *testing.T) {
	clock := newFakeClock()
	avail := NewAvailability(2, time.Minute, clock)
	p := newPolicy(t, Config{}, avail)

	p.RecordFailure(router.TierLocal, "unavailable")
	assert.True(t, avail.Available(router.TierLocal), "one failure is below threshold")
	assert.Equal(t, router.TierLocal, p.Start(router.TierLocal))

	p.RecordFailure(router.TierLocal, "unavailable")
	assert.False(t, avail.Available(router.TierLocal))
	assert.Equal(t, router.TierCloudFast, p.Start(router.TierLocal), "new requests skip the cooling tier")

	st := avail.Status(router.TierLocal)
	assert.False(t, st.Available)
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.Equal(t, "unavailable", st.LastFailure)
	assert.Equal(t, clock.Now().Add(time.Minute), st.CooldownUntil)

	clock.Advance(time.Minute)
	assert.True(t, avail.Available(router.TierLocal), "cooldown expired")
	assert.Equal(t, router.TierLocal, p.Start(router.TierLocal))

	// Still past the threshold, so one more failure reopens the window.
	p.RecordFailure(router.TierLocal, "timeout")
	assert.False(t, avail.Available(router.TierLocal))

	p.RecordSuccess(router.TierLocal)
	assert.True(t, avail.Available(router.TierLocal))
	assert.Equal(t, 0, avail.Status(router.TierLocal).ConsecutiveFailures)
}

func TestCooldownDoesNotAffectRunningEscalation(t *testing.T) {
	avail := NewAvailability(1, time.Minute, newFakeClock())
	p := newPolicy(t, Config{}, avail)

	esc := p.Begin(router.TierLocal)
	_, err := esc.Attempt()
	require.NoError(t, err)
	next, err := esc.Advance(TriggerProviderFailure, "unavailable")
	require.NoError(t, err)
	assert.Equal(t, router.TierCloudFast, next)
	assert.False(t, avail.Available(router.TierLocal))

	// The request already past local carries on at cloud_fast.
	tier, err := esc.Attempt()
	require.NoError(t, err)
	assert.Equal(t, router.TierCloudFast, tier)
}

func TestStartProbesWhenEverythingIsCooling(t *testing.T) {
	avail := NewAvailability(1, time.Minute, newFakeClock())
	for _, tier := range router.AllTiers {
		avail.Trip(tier)
	}
	p := newPolicy(t, Config{}, avail)
	assert.Equal(t, router.TierCloudFast, p.Start(router.TierCloudFast))

	esc := p.Begin(router.TierLocal)
	_, err := esc.Attempt()
	require.NoError(t, err)
	_, err = esc.Advance(TriggerProviderFailure, "unavailable")
	assert.ErrorIs(t, err, ErrExhausted, "cooling tiers are skipped during escalation")
}

func TestNextSkipsCoolingTiers(t *testing.T) {
	avail := NewAvailability(1, time.Minute, newFakeClock())
	avail.Trip(router.TierCloudFast)
	p := newPolicy(t, Config{}, avail)

	next, err := p.Next(router.TierLocal, TriggerProviderFailure)
	require.NoError(t, err)
	assert.Equal(t, router.TierCloudPremium, next)

	statuses := p.Status()
	require.Len(t, statuses, 3)
	assert.False(t, statuses[1].Available)
}
