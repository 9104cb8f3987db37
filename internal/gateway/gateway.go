// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gateway exposes a uniform generate capability over heterogeneous
// inference providers.
//
// Every provider failure is normalized into a FailureKind so the
// orchestration layer never branches on provider identity. A successful
// call always carries complete text; empty or truncated output is reported
// as KindInvalidResponse.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-router/internal/logging"
	"github.com/jeranaias/rigrun-router/internal/model"
	"github.com/jeranaias/rigrun-router/internal/router"
	"github.com/jeranaias/rigrun-router/internal/util"
)

// DefaultTimeout bounds a single generation call.
const DefaultTimeout = 60 * time.Second

// =============================================================================
// PROVIDER CONTRACT
// =============================================================================

// Request is the provider-neutral generation input.
type Request struct {
	Prompt      string
	Passages    []model.Passage
	System      string
	MaxTokens   int
	Temperature float64
}

// Response is what a provider returns on success.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	// Truncated is set when the provider stopped early (length limit).
	Truncated bool
}

// Provider is implemented by each inference backend.
type Provider interface {
	Generate(ctx context.Context, desc router.ModelDescriptor, req Request) (Response, error)
}

// Checker is optionally implemented by providers that support a cheap
// reachability probe.
type Checker interface {
	Check(ctx context.Context) error
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, desc router.ModelDescriptor, req Request) (Response, error)

// Generate calls f.
func (f ProviderFunc) Generate(ctx context.Context, desc router.ModelDescriptor, req Request) (Response, error) {
	return f(ctx, desc, req)
}

// Recorder receives per-call observations.
type Recorder interface {
	ObserveGeneration(tier, outcome string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveGeneration(string, string, time.Duration) {}

// =============================================================================
// GATEWAY
// =============================================================================

// Result is a successful generation.
type Result struct {
	Text         string        `json:"text"`
	Tier         router.Tier   `json:"tier"`
	ModelID      string        `json:"model_id"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	CostUSD      float64       `json:"cost_usd"`
	Latency      time.Duration `json:"latency"`
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(g *Gateway) {
		if r != nil {
			g.recorder = r
		}
	}
}

// WithLatencyTracker sets the tracker fed with each successful call's
// provider latency.
func WithLatencyTracker(l *LatencyTracker) Option {
	return func(g *Gateway) {
		if l != nil {
			g.latency = l
		}
	}
}

// Gateway routes generation requests to the provider configured for a tier.
// It is safe for concurrent use.
type Gateway struct {
	catalog   router.Catalog
	providers map[router.Tier]Provider
	limiters  map[router.Tier]*limiter
	timeout   time.Duration
	logger    logging.Logger
	recorder  Recorder
	latency   *LatencyTracker
}

// New creates a gateway. Every tier in catalog must have a provider.
func New(catalog router.Catalog, providers map[router.Tier]Provider, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		catalog:   catalog,
		providers: make(map[router.Tier]Provider, len(providers)),
		limiters:  make(map[router.Tier]*limiter, len(catalog)),
		timeout:   DefaultTimeout,
		logger:    logging.Nop(),
		recorder:  nopRecorder{},
		latency:   NewLatencyTracker(DefaultLatencyWeight),
	}
	for _, opt := range opts {
		opt(g)
	}
	for tier, desc := range catalog {
		p, ok := providers[tier]
		if !ok || p == nil {
			return nil, fmt.Errorf("gateway: no provider for tier %s", tier)
		}
		g.providers[tier] = p
		g.limiters[tier] = newLimiter(desc.MaxConcurrency, desc.RequestsPerSecond)
	}
	return g, nil
}

// Catalog returns the configured models.
func (g *Gateway) Catalog() router.Catalog {
	return g.catalog
}

// Descriptor returns the model configured for tier.
func (g *Gateway) Descriptor(tier router.Tier) (router.ModelDescriptor, bool) {
	d, ok := g.catalog[tier]
	return d, ok
}

// Generate runs one generation at tier. The call is bounded by the gateway
// timeout and by the tier's concurrency and rate limits. Any failure is
// returned as *Error.
func (g *Gateway) Generate(ctx context.Context, tier router.Tier, req Request) (Result, error) {
	desc, ok := g.catalog[tier]
	if !ok {
		return Result{}, Errorf(KindUnavailable, tier.String(), "no model configured")
	}
	provider := g.providers[tier]
	lim := g.limiters[tier]

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	release, err := lim.acquire(callCtx)
	if err != nil {
		gwErr := Normalize(desc.ID, err)
		g.observe(tier, gwErr, time.Since(start))
		return Result{}, gwErr
	}
	defer release()

	callStart := time.Now()
	resp, err := provider.Generate(callCtx, desc, req)
	latency := time.Since(start)
	if err == nil {
		err = validate(desc.ID, resp)
	}
	if err != nil {
		gwErr := Normalize(desc.ID, err)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			// Our own per-call timeout fired, whatever the provider said.
			gwErr = NewError(KindTimeout, desc.ID, fmt.Sprintf("no response within %s", g.timeout), err)
		}
		g.observe(tier, gwErr, latency)
		g.logger.Debug("generation failed", "tier", tier.String(), "model", desc.ID,
			"kind", gwErr.Kind.String(), "err", gwErr)
		return Result{}, gwErr
	}

	in, out := resp.InputTokens, resp.OutputTokens
	if in == 0 {
		in = estimateTokens(req)
	}
	if out == 0 {
		out = util.EstimateTokens(resp.Text)
	}
	modelName := resp.Model
	if modelName == "" {
		modelName = desc.Model
	}
	g.observe(tier, nil, latency)
	g.latency.Observe(tier, time.Since(callStart))
	return Result{
		Text:         resp.Text,
		Tier:         tier,
		ModelID:      desc.ID,
		Model:        modelName,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      desc.EstimateCost(in, out),
		Latency:      latency,
	}, nil
}

// Check probes the provider for tier. Providers without a Checker are
// assumed reachable.
func (g *Gateway) Check(ctx context.Context, tier router.Tier) error {
	desc, ok := g.catalog[tier]
	if !ok {
		return Errorf(KindUnavailable, tier.String(), "no model configured")
	}
	c, ok := g.providers[tier].(Checker)
	if !ok {
		return nil
	}
	if err := c.Check(ctx); err != nil {
		return Normalize(desc.ID, err)
	}
	return nil
}

// ObservedLatency returns the moving average provider latency at tier in
// milliseconds, or false before the first successful call.
func (g *Gateway) ObservedLatency(tier router.Tier) (int, bool) {
	return g.latency.Latency(tier)
}

// InFlight returns the number of calls currently holding a slot at tier.
func (g *Gateway) InFlight(tier router.Tier) int64 {
	if lim, ok := g.limiters[tier]; ok {
		return lim.inFlight()
	}
	return 0
}

func (g *Gateway) observe(tier router.Tier, err *Error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = err.Kind.String()
	}
	g.recorder.ObserveGeneration(tier.String(), outcome, d)
}

func validate(provider string, resp Response) error {
	if resp.Truncated {
		return Errorf(KindInvalidResponse, provider, "response truncated")
	}
	if strings.TrimSpace(resp.Text) == "" {
		return Errorf(KindInvalidResponse, provider, "empty response")
	}
	return nil
}

func estimateTokens(req Request) int {
	n := util.EstimateTokens(req.Prompt) + util.EstimateTokens(req.System)
	for _, p := range req.Passages {
		n += util.EstimateTokens(p.Content)
	}
	return n
}
