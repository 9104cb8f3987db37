// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/rigrun-router/internal/cache"
	"github.com/jeranaias/rigrun-router/internal/fallback"
	"github.com/jeranaias/rigrun-router/internal/gateway"
	"github.com/jeranaias/rigrun-router/internal/model"
	"github.com/jeranaias/rigrun-router/internal/orchestrator"
	"github.com/jeranaias/rigrun-router/internal/router"
	"github.com/jeranaias/rigrun-router/internal/telemetry"
)

// HealthCheckTimeout bounds each provider probe.
const HealthCheckTimeout = 5 * time.Second

// Health statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// =============================================================================
// QUERIES
// =============================================================================

// HandleGraphQuery answers q with the conversational pipeline.
func (e *Engine) HandleGraphQuery(ctx context.Context, q model.QueryContext) (*orchestrator.GraphResponse, error) {
	resp, err := e.graph.Run(ctx, q)
	if err != nil {
		return nil, err
	}
	e.recordUsage(q, resp.ModelUsed, resp.CacheHit, resp.InputTokens, resp.OutputTokens, resp.CostUSD,
		time.Duration(resp.ProcessingTime*float64(time.Second)))
	return resp, nil
}

// HandleSmartQuery answers q with the cost-aware router.
func (e *Engine) HandleSmartQuery(ctx context.Context, q model.QueryContext) (*orchestrator.SmartResponse, error) {
	resp, err := e.smart.Run(ctx, q)
	if err != nil {
		return nil, err
	}
	e.recordUsage(q, resp.ModelUsed, resp.CacheHit, resp.InputTokens, resp.OutputTokens, resp.CostUSD,
		time.Duration(resp.LatencyMs)*time.Millisecond)
	return resp, nil
}

func (e *Engine) recordUsage(q model.QueryContext, tier string, cacheHit bool, in, out int, cost float64, d time.Duration) {
	if cacheHit {
		tier = telemetry.TierCache
	}
	if tier == "" {
		return
	}
	u := telemetry.Usage{
		Tier:         tier,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      cost,
		Duration:     d,
		Prompt:       q.Query,
	}
	e.metrics.ObserveUsage(u)
	if e.costs != nil {
		e.costs.Record(u)
	}
}

// =============================================================================
// CACHE
// =============================================================================

// ClearCache empties both cache levels.
func (e *Engine) ClearCache(ctx context.Context) error {
	return e.cache.Clear(ctx)
}

// CacheStats reports cache counters and entry counts.
func (e *Engine) CacheStats(ctx context.Context) cache.Stats {
	return e.cache.Stats(ctx)
}

// =============================================================================
// EVALUATION
// =============================================================================

// ErrEvaluationDisabled is returned by EvaluationSummary when [evaluation]
// is off.
var ErrEvaluationDisabled = errors.New("engine: evaluation log disabled")

// EvaluationSummary averages the newest n run evaluations. n <= 0 uses
// evaluation.summary_window.
func (e *Engine) EvaluationSummary(n int) (telemetry.EvaluationSummary, error) {
	if e.evals == nil {
		return telemetry.EvaluationSummary{}, ErrEvaluationDisabled
	}
	if n <= 0 {
		n = e.cfg.Evaluation.SummaryWindow
	}
	return e.evals.Summary(n)
}

// evaluationRecorder scores finished runs into the evaluation log.
type evaluationRecorder struct {
	log *telemetry.EvaluationLog
}

func (r evaluationRecorder) LogRun(rec orchestrator.RunRecord) error {
	in := telemetry.EvaluationInput{
		RunID:       rec.RunID,
		Pipeline:    rec.Pipeline,
		Outcome:     rec.Outcome,
		SessionID:   rec.SessionID,
		Query:       rec.Query,
		Answer:      rec.Answer,
		Model:       rec.Model,
		Passages:    rec.Passages,
		Latency:     rec.Latency,
		CostUSD:     rec.CostUSD,
		Attempts:    rec.Attempts,
		CompletedAt: rec.At,
	}
	if ev := rec.Evaluation; ev != nil && ev.Error == "" {
		in.Judged = true
		in.JudgeScore = ev.Score
		in.Criteria = ev.Criteria
		in.Reasons = ev.Reasons
		in.Passed = ev.Passed
	}
	_, err := r.log.Record(in)
	return err
}

// =============================================================================
// HEALTH
// =============================================================================

// TierHealth is the probe result and availability of one tier.
type TierHealth struct {
	Tier      router.Tier `json:"tier"`
	ModelID   string      `json:"model_id"`
	Provider  string      `json:"provider"`
	Model     string      `json:"model"`
	Reachable bool        `json:"reachable"`
	Error     string      `json:"error,omitempty"`
	InFlight  int64       `json:"in_flight"`

	fallback.TierStatus
}

// HealthReport summarizes every tier, the cache and memory.
type HealthReport struct {
	Status   string       `json:"status"`
	Tiers    []TierHealth `json:"tiers"`
	Cache    cache.Stats  `json:"cache"`
	Sessions int          `json:"sessions"`
	Checked  time.Time    `json:"checked_at"`
}

// Health probes every tier in parallel. The report is "ok" when every tier
// is reachable and not cooling down, "down" when none is, and "degraded"
// otherwise.
func (e *Engine) Health(ctx context.Context) HealthReport {
	tiers := e.catalog.Tiers()
	report := HealthReport{Tiers: make([]TierHealth, len(tiers)), Checked: time.Now()}

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tiers {
		desc := e.catalog[t]
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(gctx, HealthCheckTimeout)
			defer cancel()

			th := TierHealth{
				Tier:       t,
				ModelID:    desc.ID,
				Provider:   desc.Provider,
				Model:      desc.Model,
				InFlight:   e.gateway.InFlight(t),
				TierStatus: e.policy.Availability().Status(t),
			}
			if err := e.gateway.Check(checkCtx, t); err != nil {
				e.logger.Warn("tier health check failed", "tier", t.String(), "err", err)
				th.Error = gateway.KindOf(err).String()
			} else {
				th.Reachable = true
			}
			report.Tiers[i] = th
			return nil
		})
	}
	_ = g.Wait()

	healthy := 0
	for _, th := range report.Tiers {
		ok := th.Reachable && th.Available
		e.metrics.SetTierAvailable(th.Tier.String(), ok)
		if ok {
			healthy++
		}
	}
	switch {
	case healthy == len(report.Tiers):
		report.Status = StatusOK
	case healthy == 0:
		report.Status = StatusDown
	default:
		report.Status = StatusDegraded
	}

	report.Cache = e.cache.Stats(ctx)
	report.Sessions = e.memory.Sessions()
	return report
}
