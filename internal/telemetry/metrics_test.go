// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-router/internal/cache"
	"github.com/jeranaias/rigrun-router/internal/gateway"
	"github.com/jeranaias/rigrun-router/internal/orchestrator"
)

var (
	_ gateway.Recorder      = (*Metrics)(nil)
	_ cache.Recorder        = (*Metrics)(nil)
	_ orchestrator.Recorder = (*Metrics)(nil)
)

func TestMetrics(t *testing.T) {
	t.Run("Should count generations by tier and outcome", func(t *testing.T) {
		m := NewMetrics()
		m.ObserveGeneration("local", "ok", 20*time.Millisecond)
		m.ObserveGeneration("local", "ok", 30*time.Millisecond)
		m.ObserveGeneration("local", "timeout", time.Second)

		assert.Equal(t, 2.0, testutil.ToFloat64(m.generations.WithLabelValues("local", "ok")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.generations.WithLabelValues("local", "timeout")))
	})

	t.Run("Should track usage and availability", func(t *testing.T) {
		m := NewMetrics()
		m.ObserveUsage(Usage{Tier: "cloud_fast", InputTokens: 10, OutputTokens: 4, CostUSD: 0.5})
		m.ObserveUsage(Usage{Tier: "local", InputTokens: 3})
		m.SetTierAvailable("local", false)
		m.ObserveCache("L1", "hit")
		m.ObserveRun("smart", "accepted", 2, time.Second)

		assert.Equal(t, 0.5, testutil.ToFloat64(m.costUSD.WithLabelValues("cloud_fast")))
		assert.Equal(t, 4.0, testutil.ToFloat64(m.tokens.WithLabelValues("cloud_fast", "output")))
		assert.Equal(t, 0.0, testutil.ToFloat64(m.tierAvailable.WithLabelValues("local")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("L1", "hit")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("smart", "accepted")))
	})

	t.Run("Should serve the exposition format", func(t *testing.T) {
		m := NewMetrics()
		m.ObserveRun("graph", "cached", 0, time.Millisecond)

		srv := httptest.NewServer(m.Handler())
		defer srv.Close()
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, strings.Contains(string(body), `rigrun_runs_total{outcome="cached",pipeline="graph"} 1`))
	})
}
