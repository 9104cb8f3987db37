// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"sync"
	"time"

	"github.com/jeranaias/rigrun-router/internal/router"
)

// DefaultLatencyWeight is the weight of the newest sample in the moving
// average.
const DefaultLatencyWeight = 0.3

// LatencyTracker keeps an exponentially weighted moving average of
// successful call latency per tier.
type LatencyTracker struct {
	weight float64

	mu      sync.Mutex
	average map[router.Tier]float64
	samples map[router.Tier]int64
}

// NewLatencyTracker creates a tracker. A weight outside (0,1] uses
// DefaultLatencyWeight.
func NewLatencyTracker(weight float64) *LatencyTracker {
	if weight <= 0 || weight > 1 {
		weight = DefaultLatencyWeight
	}
	return &LatencyTracker{
		weight:  weight,
		average: make(map[router.Tier]float64),
		samples: make(map[router.Tier]int64),
	}
}

// Observe adds one sample for t. The first sample seeds the average.
func (l *LatencyTracker) Observe(t router.Tier, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.samples[t] == 0 {
		l.average[t] = ms
	} else {
		l.average[t] = l.weight*ms + (1-l.weight)*l.average[t]
	}
	l.samples[t]++
}

// Latency returns the average for t in milliseconds, or false before the
// first sample. Its signature matches router.LatencyFunc.
func (l *LatencyTracker) Latency(t router.Tier) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.samples[t] == 0 {
		return 0, false
	}
	return int(l.average[t] + 0.5), true
}

// Samples returns how many calls at t have been observed.
func (l *LatencyTracker) Samples(t router.Tier) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.samples[t]
}
