// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine assembles the router from configuration and exposes the
// operations the HTTP server and the CLI call: HandleGraphQuery,
// HandleSmartQuery, ClearCache, CacheStats, EvaluationSummary and Health.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jeranaias/rigrun-router/internal/cache"
	"github.com/jeranaias/rigrun-router/internal/config"
	"github.com/jeranaias/rigrun-router/internal/fallback"
	"github.com/jeranaias/rigrun-router/internal/gateway"
	"github.com/jeranaias/rigrun-router/internal/judge"
	"github.com/jeranaias/rigrun-router/internal/logging"
	"github.com/jeranaias/rigrun-router/internal/memory"
	"github.com/jeranaias/rigrun-router/internal/model"
	"github.com/jeranaias/rigrun-router/internal/orchestrator"
	"github.com/jeranaias/rigrun-router/internal/retrieval"
	"github.com/jeranaias/rigrun-router/internal/router"
	"github.com/jeranaias/rigrun-router/internal/storage"
	"github.com/jeranaias/rigrun-router/internal/telemetry"
)

// =============================================================================
// OPTIONS
// =============================================================================

// Option customizes how New builds an Engine.
type Option func(*options)

type options struct {
	logger     logging.Logger
	providers  map[router.Tier]gateway.Provider
	retriever  retrieval.Retriever
	longTerm   storage.LongTermStore
	httpClient *http.Client
	metrics    *telemetry.Metrics
	now        func() time.Time
}

// WithLogger sets the logger. The default is logging.Default().
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithProviders replaces the providers built from [[tiers]]. Tiers missing
// from the map are still built from configuration.
func WithProviders(p map[router.Tier]gateway.Provider) Option {
	return func(o *options) { o.providers = p }
}

// WithRetriever replaces the retriever selected by [retrieval].
func WithRetriever(r retrieval.Retriever) Option {
	return func(o *options) { o.retriever = r }
}

// WithLongTermStore replaces the store selected by memory.long_term_driver.
// The engine takes ownership and closes it.
func WithLongTermStore(s storage.LongTermStore) Option {
	return func(o *options) { o.longTerm = s }
}

// WithHTTPClient sets the client used by hosted providers and the HTTP
// retriever.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithMetrics shares an existing metrics registry.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides the time source of fallback cooldowns, pipelines and
// cache expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine owns every long-lived component. It is safe for concurrent use.
type Engine struct {
	cfg      *config.Config
	logger   logging.Logger
	catalog  router.Catalog
	gateway  *gateway.Gateway
	policy   *fallback.Policy
	cache    *cache.Tiered
	memory   *memory.Manager
	selector *router.Selector
	graph    *orchestrator.Graph
	smart    *orchestrator.Smart
	metrics  *telemetry.Metrics
	costs    *telemetry.CostTracker
	evals    *telemetry.EvaluationLog

	closers []io.Closer
}

// New builds an Engine from cfg. cfg must already be valid; on error
// everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Engine, err error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Default()
	}
	if o.metrics == nil {
		o.metrics = telemetry.NewMetrics()
	}

	e := &Engine{cfg: cfg, logger: o.logger.With("component", "engine"), metrics: o.metrics}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	if e.catalog, err = cfg.Catalog(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	order, err := cfg.FallbackOrder()
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	providers, err := buildProviders(e.catalog, o)
	if err != nil {
		return nil, err
	}
	e.gateway, err = gateway.New(e.catalog, providers,
		gateway.WithTimeout(cfg.Generation.Timeout.Duration),
		gateway.WithLogger(o.logger),
		gateway.WithRecorder(o.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	avail := fallback.NewAvailability(cfg.Fallback.FailureThreshold, cfg.Fallback.Cooldown.Duration, fallback.ClockFunc(o.now))
	e.policy, err = fallback.NewPolicy(fallback.Config{
		Order:                    order,
		RetryLastTierOnJudgeFail: cfg.Fallback.RetryLastTierOnJudgeFail,
	}, avail)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	if e.cache, err = e.buildCache(ctx, o); err != nil {
		return nil, err
	}
	e.closers = append(e.closers, e.cache)

	long := o.longTerm
	if long == nil {
		if long, err = buildLongTerm(cfg.Memory, o.logger); err != nil {
			return nil, err
		}
	}
	e.memory = memory.NewManager(memory.Config{
		ShortTermMaxTurns: cfg.Memory.ShortTermMaxTurns,
		MaxSessions:       cfg.Memory.MaxSessions,
	}, long, o.logger)
	e.closers = append(e.closers, e.memory)

	retriever := o.retriever
	if retriever == nil {
		if retriever, err = e.buildRetriever(o); err != nil {
			return nil, err
		}
	}

	if cfg.Cost.Enabled {
		baseline := e.catalog[e.policy.Top()]
		if e.costs, err = telemetry.NewCostTracker(cfg.Cost.Dir, baseline); err != nil {
			return nil, fmt.Errorf("engine: cost tracker: %w", err)
		}
	}

	if cfg.Evaluation.Enabled {
		var path string
		if path, err = dataPath(cfg.Evaluation.Path, "evaluations.jsonl"); err == nil {
			e.evals, err = telemetry.NewEvaluationLog(path)
		}
		if err != nil {
			return nil, fmt.Errorf("engine: evaluation log: %w", err)
		}
	}

	deps := orchestrator.Deps{
		Gateway: e.gateway,
		Judge: judge.New(e.gateway, judge.Config{
			Tier:      cfg.JudgeTier(),
			Threshold: cfg.Quality.Threshold,
			Timeout:   cfg.Quality.JudgeTimeout.Duration,
		}, o.logger.With("component", "judge")),
		Policy:    e.policy,
		Cache:     e.cache,
		Memory:    e.memory,
		Retriever: retriever,
		Logger:    o.logger,
		Recorder:  o.metrics,
		Now:       o.now,
	}
	if e.evals != nil {
		deps.RunLog = evaluationRecorder{log: e.evals}
	}
	orchOpts := orchestrator.Options{
		GraphTopK:        cfg.Generation.GraphTopK,
		SmartTopK:        cfg.Generation.SmartTopK,
		HistoryTurns:     cfg.Generation.HistoryTurns,
		MaxTokens:        cfg.Generation.MaxTokens,
		Apology:          cfg.Generation.Apology,
		RetrievalTimeout: cfg.Retrieval.Timeout.Duration,
	}
	if e.graph, err = orchestrator.NewGraph(deps, orchOpts); err != nil {
		return nil, err
	}
	e.selector = router.NewSelector(e.catalog, cfg.Thresholds()).WithObservedLatency(e.gateway.ObservedLatency)
	if e.smart, err = orchestrator.NewSmart(deps, e.selector, orchOpts); err != nil {
		return nil, err
	}

	for _, t := range e.catalog.Tiers() {
		e.metrics.SetTierAvailable(t.String(), true)
	}
	e.logger.Info("engine ready",
		"tiers", len(e.catalog),
		"cache", e.cache.Enabled(),
		"l1", cfg.Cache.L1Driver,
		"l2", cfg.Cache.L2Driver,
		"long_term", cfg.Memory.LongTermDriver,
		"retrieval", cfg.Retrieval.Driver,
	)
	return e, nil
}

// Config returns the configuration the engine was built from.
func (e *Engine) Config() *config.Config { return e.cfg }

// Metrics returns the metrics registry.
func (e *Engine) Metrics() *telemetry.Metrics { return e.metrics }

// Costs returns the cost tracker, or nil when [cost] is disabled.
func (e *Engine) Costs() *telemetry.CostTracker { return e.costs }

// Evaluations returns the evaluation log, or nil when [evaluation] is
// disabled.
func (e *Engine) Evaluations() *telemetry.EvaluationLog { return e.evals }

// Route classifies a query and reports the tier the smart router would
// start at, without generating.
func (e *Engine) Route(q model.QueryContext) (router.Analysis, router.Decision) {
	return e.smart.Route(q)
}

// Close persists the cost session and closes every backend.
func (e *Engine) Close() error {
	var errs []error
	if e.costs != nil {
		if err := e.costs.Save(); err != nil {
			errs = append(errs, fmt.Errorf("save cost session: %w", err))
		}
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
