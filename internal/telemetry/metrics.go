// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rigrun"

// =============================================================================
// METRICS
// =============================================================================

// Metrics holds the process collectors. Each Metrics owns its registry, so
// tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	generations       *prometheus.CounterVec
	generationLatency *prometheus.HistogramVec
	cacheLookups      *prometheus.CounterVec
	runs              *prometheus.CounterVec
	runLatency        *prometheus.HistogramVec
	runAttempts       *prometheus.HistogramVec
	costUSD           *prometheus.CounterVec
	tokens            *prometheus.CounterVec
	tierAvailable     *prometheus.GaugeVec
}

// NewMetrics creates and registers every collector, plus the Go runtime
// and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Model generation calls by tier and outcome.",
		}, []string{"tier", "outcome"}),
		generationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Model generation latency by tier.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"tier"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by level and result.",
		}, []string{"level", "result"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Orchestration runs by pipeline and outcome.",
		}, []string{"pipeline", "outcome"}),
		runLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "End-to-end run latency by pipeline.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pipeline"}),
		runAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_attempts",
			Help:      "Generation attempts per run.",
			Buckets:   []float64{0, 1, 2, 3, 4},
		}, []string{"pipeline"}),
		costUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Estimated spend in USD by tier.",
		}, []string{"tier"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens by tier and direction.",
		}, []string{"tier", "direction"}),
		tierAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tier_available",
			Help:      "1 when the tier accepts new requests, 0 while cooling down.",
		}, []string{"tier"}),
	}
	m.registry.MustRegister(
		m.generations, m.generationLatency, m.cacheLookups,
		m.runs, m.runLatency, m.runAttempts,
		m.costUSD, m.tokens, m.tierAvailable,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveGeneration records one gateway call.
func (m *Metrics) ObserveGeneration(tier, outcome string, d time.Duration) {
	m.generations.WithLabelValues(tier, outcome).Inc()
	m.generationLatency.WithLabelValues(tier).Observe(d.Seconds())
}

// ObserveCache records one cache lookup.
func (m *Metrics) ObserveCache(level, result string) {
	m.cacheLookups.WithLabelValues(level, result).Inc()
}

// ObserveRun records one finished orchestration run.
func (m *Metrics) ObserveRun(pipeline, outcome string, attempts int, d time.Duration) {
	m.runs.WithLabelValues(pipeline, outcome).Inc()
	m.runLatency.WithLabelValues(pipeline).Observe(d.Seconds())
	m.runAttempts.WithLabelValues(pipeline).Observe(float64(attempts))
}

// ObserveUsage records the tokens and spend of an answered query.
func (m *Metrics) ObserveUsage(u Usage) {
	m.tokens.WithLabelValues(u.Tier, "input").Add(float64(u.InputTokens))
	m.tokens.WithLabelValues(u.Tier, "output").Add(float64(u.OutputTokens))
	if u.CostUSD > 0 {
		m.costUSD.WithLabelValues(u.Tier).Add(u.CostUSD)
	}
}

// SetTierAvailable publishes a tier's availability.
func (m *Metrics) SetTierAvailable(tier string, available bool) {
	v := 0.0
	if available {
		v = 1
	}
	m.tierAvailable.WithLabelValues(tier).Set(v)
}
