// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jeranaias/rigrun-router/internal/cache"
	"github.com/jeranaias/rigrun-router/internal/fallback"
	"github.com/jeranaias/rigrun-router/internal/gateway"
	"github.com/jeranaias/rigrun-router/internal/judge"
	"github.com/jeranaias/rigrun-router/internal/memory"
	"github.com/jeranaias/rigrun-router/internal/model"
	"github.com/jeranaias/rigrun-router/internal/retrieval"
	"github.com/jeranaias/rigrun-router/internal/router"
	"github.com/jeranaias/rigrun-router/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// FIXTURES
// =============================================================================

type tierScript struct {
	calls atomic.Int64
	mu    sync.Mutex
	fail  gateway.FailureKind
	text  string
	fn    func(ctx context.Context, req gateway.Request) (gateway.Response, error)
	last  gateway.Request
}

func (s *tierScript) provider(tier router.Tier) gateway.Provider {
	return gateway.ProviderFunc(func(ctx context.Context, desc router.ModelDescriptor, req gateway.Request) (gateway.Response, error) {
		s.calls.Add(1)
		s.mu.Lock()
		s.last = req
		fn, fail, text := s.fn, s.fail, s.text
		s.mu.Unlock()
		if fn != nil {
			return fn(ctx, req)
		}
		if fail != gateway.KindUnknown {
			return gateway.Response{}, gateway.Errorf(fail, desc.ID, "simulated %s", fail)
		}
		if text == "" {
			text = "answer from " + tier.String()
		}
		return gateway.Response{Text: text, InputTokens: 10, OutputTokens: 5}, nil
	})
}

func (s *tierScript) lastRequest() gateway.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// fakeJudge scores answers by lookup; unknown answers score 9.
type fakeJudge struct {
	mu     sync.Mutex
	scores map[string]float64
	err    error
	hook   func()
	calls  atomic.Int64
}

func (j *fakeJudge) Threshold() float64 { return 7 }

func (j *fakeJudge) Evaluate(ctx context.Context, _ string, _ []model.Passage, answer string) (judge.Evaluation, error) {
	j.calls.Add(1)
	j.mu.Lock()
	hook, err := j.hook, j.err
	score, ok := j.scores[answer]
	j.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return judge.Evaluation{Error: gateway.KindOf(err).String()}, fmt.Errorf("judge: %w", err)
	}
	if !ok {
		score = 9
	}
	return judge.Evaluation{Score: score, Model: "judge", Passed: score >= j.Threshold()}, nil
}

func (j *fakeJudge) set(answer string, score float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.scores == nil {
		j.scores = make(map[string]float64)
	}
	j.scores[answer] = score
}

// runLog collects run records. A non-nil err fails every write.
type runLog struct {
	mu   sync.Mutex
	recs []RunRecord
	err  error
}

func (l *runLog) LogRun(rec RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.recs = append(l.recs, rec)
	return nil
}

func (l *runLog) records() []RunRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]RunRecord(nil), l.recs...)
}

type harness struct {
	tiers      map[router.Tier]*tierScript
	gateway    *gateway.Gateway
	latency    *gateway.LatencyTracker
	judge      *fakeJudge
	policy     *fallback.Policy
	cache      *cache.Tiered
	l1         *cache.MemoryStore
	longTerm   *storage.MemoryStore
	memory     *memory.Manager
	runs       *runLog
	retrievals atomic.Int64
	retriever  retrieval.Retriever
	graph      *Graph
	smart      *Smart
}

func newHarness(t *testing.T, policyCfg fallback.Config) *harness {
	t.Helper()
	h := &harness{
		tiers: map[router.Tier]*tierScript{
			router.TierLocal:        {},
			router.TierCloudFast:    {},
			router.TierCloudPremium: {},
		},
		judge:    &fakeJudge{},
		longTerm: storage.NewMemoryStore(),
		runs:     &runLog{},
	}

	catalog, err := router.NewCatalog([]router.ModelDescriptor{
		{ID: "local-1", Tier: router.TierLocal, Model: "qwen2.5:7b", LatencyClass: router.LatencyFast},
		{ID: "fast-1", Tier: router.TierCloudFast, Model: "haiku", CostPer1KTokens: 0.25, LatencyClass: router.LatencyMedium},
		{ID: "premium-1", Tier: router.TierCloudPremium, Model: "opus", CostPer1KTokens: 15, LatencyClass: router.LatencySlow},
	})
	require.NoError(t, err)
	providers := make(map[router.Tier]gateway.Provider)
	for tier, s := range h.tiers {
		providers[tier] = s.provider(tier)
	}
	h.latency = gateway.NewLatencyTracker(0)
	gw, err := gateway.New(catalog, providers, gateway.WithLatencyTracker(h.latency))
	require.NoError(t, err)
	h.gateway = gw

	h.policy, err = fallback.NewPolicy(policyCfg, fallback.NewAvailability(0, 0, nil))
	require.NoError(t, err)

	h.l1, err = cache.NewMemoryStore(100)
	require.NoError(t, err)
	l2, err := cache.NewMemoryStore(100)
	require.NoError(t, err)
	h.cache = cache.NewTiered(cache.DefaultConfig(), h.l1, l2)

	h.memory = memory.NewManager(memory.Config{ShortTermMaxTurns: 20}, h.longTerm, nil)
	h.retriever = retrieval.NewStatic(model.Passage{ID: "p1", Content: "Paris is the capital of France."})

	deps := Deps{
		Gateway: gw,
		Judge:   h.judge,
		Policy:  h.policy,
		Cache:   h.cache,
		Memory:  h.memory,
		RunLog:  h.runs,
		Retriever: retrieval.Func(func(ctx context.Context, q string, k int) ([]model.Passage, error) {
			h.retrievals.Add(1)
			return h.retriever.Retrieve(ctx, q, k)
		}),
	}
	h.graph, err = NewGraph(deps, Options{})
	require.NoError(t, err)
	selector := router.NewSelector(catalog, router.DefaultThresholds()).WithObservedLatency(h.latency.Latency)
	h.smart, err = NewSmart(deps, selector, Options{})
	require.NoError(t, err)
	return h
}

func (h *harness) generations() int64 {
	var n int64
	for _, s := range h.tiers {
		n += s.calls.Load()
	}
	return n
}

func (h *harness) cached(t *testing.T) int {
	t.Helper()
	n, err := h.l1.Len(context.Background())
	require.NoError(t, err)
	return n
}

const capitalQuery = "What is the capital of France?"

// =============================================================================
// SMART ROUTER
// =============================================================================

func TestSmartCostRoutesLocal(t *testing.T) {
	h := newHarness(t, fallback.Config{})
	h.tiers[router.TierLocal].text = "Paris."

	resp, err := h.smart.Run(context.Background(), model.QueryContext{Query: capitalQuery, OptimizeFor: model.OptimizeCost})
	require.NoError(t, err)

	assert.Equal(t, "Paris.", resp.Answer)
	assert.Equal(t, "local", resp.ModelUsed)
	assert.Equal(t, 1, resp.Attempts)
	assert.False(t, resp.FallbackUsed)
	assert.False(t, resp.Degraded)
	assert.True(t, resp.QualityPassed)
	assert.Equal(t, model.OptimizeCost, resp.OptimizeFor)
	assert.Equal(t, router.DifficultySimple, resp.Difficulty)
	assert.Equal(t, 15, resp.InputTokens+resp.OutputTokens)
	assert.Zero(t, h.tiers[router.TierCloudFast].calls.Load())
	assert.Zero(t, h.tiers[router.TierCloudPremium].calls.Load())
}

func TestSmartEscalation(t *testing.T) {
	q := model.QueryContext{Query: capitalQuery, OptimizeFor: model.OptimizeCost}

	t.Run("Should escalate past an unavailable local tier", func(t *testing.T) {
		h := newHarness(t, fallback.Config{})
		h.tiers[router.TierLocal].fail = gateway.KindUnavailable

		resp, err := h.smart.Run(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, "cloud_fast", resp.ModelUsed)
		assert.Equal(t, 2, resp.Attempts)
		assert.True(t, resp.FallbackUsed)
		assert.Contains(t, resp.RoutingReasoning, "local -> cloud_fast")
		require.Len(t, resp.Errors, 1)
		assert.Equal(t, "unavailable", resp.Errors[0].Kind)
		assert.Positive(t, resp.CostUSD)
	})

	t.Run("Should reach premium when fast also fails", func(t *testing.T) {
		h := newHarness(t, fallback.Config{})
		h.tiers[router.TierLocal].fail = gateway.KindUnavailable
		h.tiers[router.TierCloudFast].fail = gateway.KindTimeout

		resp, err := h.smart.Run(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, "cloud_premium", resp.ModelUsed)
		assert.Equal(t, 3, resp.Attempts)
		assert.False(t, resp.Degraded)
	})

	t.Run("Should respond degraded when every tier fails", func(t *testing.T) {
		h := newHarness(t, fallback.Config{})
		for _, s := range h.tiers {
			s.fail = gateway.KindUnavailable
		}

		resp, err := h.smart.Run(context.Background(), q)
		require.NoError(t, err)
		assert.True(t, resp.Degraded)
		assert.True(t, resp.Exhausted)
		assert.False(t, resp.QualityPassed)
		assert.Equal(t, DefaultApology, resp.Answer)
		assert.Equal(t, 3, resp.Attempts)
		for _, e := range resp.Errors {
			assert.NotContains(t, e.Kind, "simulated")
		}
	})

	t.Run("Should return the best scoring answer when none passes", func(t *testing.T) {
		h := newHarness(t, fallback.Config{})
		h.judge.set("answer from local", 4)
		h.judge.set("answer from cloud_fast", 6.5)
		h.judge.set("answer from cloud_premium", 5)

		resp, err := h.smart.Run(context.Background(), model.QueryContext{Query: capitalQuery, OptimizeFor: model.OptimizeCost, UseCache: true})
		require.NoError(t, err)
		assert.True(t, resp.Degraded)
		assert.Equal(t, "answer from cloud_fast", resp.Answer)
		assert.Equal(t, "cloud_fast", resp.ModelUsed)
		require.NotNil(t, resp.JudgeScore)
		assert.Equal(t, 6.5, *resp.JudgeScore)
		assert.Zero(t, h.cached(t))
		assert.Zero(t, h.longTerm.Len())
	})
}

func TestSmartObjectives(t *testing.T) {
	t.Run("Should start quality at premium", func(t *testing.T) {
		h := newHarness(t, fallback.Config{})
		resp, err := h.smart.Run(context.Background(), model.QueryContext{Query: capitalQuery, OptimizeFor: model.OptimizeQuality})
		require.NoError(t, err)
		assert.Equal(t, "cloud_premium", resp.ModelUsed)
		assert.Zero(t, h.tiers[router.TierLocal].calls.Load())
	})

	t.Run("Should start speed at the fastest tier", func(t *testing.T) {
		h := newHarness(t, fallback.Config{})
		resp, err := h.smart.Run(context.Background(), model.QueryContext{Query: capitalQuery, OptimizeFor: model.OptimizeSpeed})
		require.NoError(t, err)
		assert.Equal(t, "local", resp.ModelUsed)
	})

	t.Run("Should route speed away from a tier observed to be slow", func(t *testing.T) {
		h := newHarness(t, fallback.Config{})
		for i := 0; i < 3; i++ {
			h.latency.Observe(router.TierLocal, 4*time.Second)
		}
		resp, err := h.smart.Run(context.Background(), model.QueryContext{Query: capitalQuery, OptimizeFor: model.OptimizeSpeed})
		require.NoError(t, err)
		assert.Equal(t, "cloud_fast", resp.ModelUsed)
		assert.Zero(t, h.tiers[router.TierLocal].calls.Load())
	})

	t.Run("Should map balanced complex queries by threshold", func(t *testing.T) {
		h := newHarness(t, fallback.Config{})
		q := "Explain why the function returns an error, then analyze and compare the two API designs step by step. " +
			"How would you debug it? Why does it fail?"
		resp, err := h.smart.Run(context.Background(), model.QueryContext{Query: q})
		require.NoError(t, err)
		assert.Equal(t, model.OptimizeBalanced, resp.OptimizeFor)
		assert.Greater(t, resp.ComplexityScore, 0.6)
		assert.Equal(t, "cloud_premium", resp.ModelUsed)
	})

	t.Run("Should skip a cooling tier for new requests", func(t *testing.T) {
		h := newHarness(t, fallback.Config{})
		h.policy.Availability().Trip(router.TierLocal)

		resp, err := h.smart.Run(context.Background(), model.QueryContext{Query: capitalQuery, OptimizeFor: model.OptimizeCost})
		require.NoError(t, err)
		assert.Equal(t, "cloud_fast", resp.ModelUsed)
		assert.Equal(t, 1, resp.Attempts)
		assert.True(t, resp.FallbackUsed)
		assert.Zero(t, h.tiers[router.TierLocal].calls.Load())
	})
}

func TestSmartCache(t *testing.T) {
	h := newHarness(t, fallback.Config{})
	q := model.QueryContext{Query: capitalQuery, OptimizeFor: model.OptimizeCost, UseCache: true}

	first, err := h.smart.Run(context.Background(), q)
	require.NoError(t, err)
	second, err := h.smart.Run(context.Background(), q)
	require.NoError(t, err)

	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, "local", second.ModelUsed)
	assert.EqualValues(t, 1, h.generations())
}

func TestSmartRejectsInvalidQuery(t *testing.T) {
	h := newHarness(t, fallback.Config{})
	_, err := h.smart.Run(context.Background(), model.QueryContext{Query: "  "})
	assert.ErrorIs(t, err, model.ErrEmptyQuery)

	_, err = h.smart.Run(context.Background(), model.QueryContext{Query: "hi", OptimizeFor: "cheapest"})
	assert.Error(t, err)
	assert.Zero(t, h.generations())
}

// =============================================================================
// GRAPH
// =============================================================================

func TestGraphCacheHitSkipsWork(t *testing.T) {
	h := newHarness(t, fallback.Config{})
	q := model.QueryContext{Query: capitalQuery, SessionID: "s1", UseCache: true}

	first, err := h.graph.Run(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.True(t, first.QualityPassed)
	require.Len(t, first.RetrievedDocs, 1)
	assert.Equal(t, 1, h.cached(t))

	second, err := h.graph.Run(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, first.RetrievedDocs, second.RetrievedDocs)
	require.NotNil(t, second.JudgeEvaluation)
	assert.Equal(t, 9.0, second.JudgeEvaluation.Score)

	assert.EqualValues(t, 1, h.retrievals.Load())
	assert.EqualValues(t, 1, h.generations())
	assert.EqualValues(t, 1, h.judge.calls.Load())
}

func TestGraphWritesMemory(t *testing.T) {
	h := newHarness(t, fallback.Config{})
	ctx := context.Background()

	for i := 0; i < 13; i++ {
		_, err := h.graph.Run(ctx, model.QueryContext{Query: fmt.Sprintf("question %d", i), SessionID: "s1", UserID: "u1"})
		require.NoError(t, err)
	}

	turns := h.memory.ReadShortTerm("s1")
	require.Len(t, turns, 20)
	assert.Equal(t, model.RoleUser, turns[0].Role)
	assert.Equal(t, "question 3", turns[0].Content)
	assert.Equal(t, "question 12", turns[18].Content)
	assert.Equal(t, model.RoleAssistant, turns[19].Role)
	assert.Equal(t, 13, h.longTerm.Len())

	req := h.tiers[router.TierLocal].lastRequest()
	assert.Contains(t, req.Prompt, "Conversation so far:")
	assert.Contains(t, req.Prompt, "Question: question 12")
	assert.Equal(t, 2, strings.Count(req.Prompt, "user: "))
	assert.Equal(t, 2, strings.Count(req.Prompt, "assistant: "))
}

func TestGraphRetrievalDegrades(t *testing.T) {
	h := newHarness(t, fallback.Config{})
	h.retriever = retrieval.Func(func(context.Context, string, int) ([]model.Passage, error) {
		return nil, errors.New("index offline")
	})

	resp, err := h.graph.Run(context.Background(), model.QueryContext{Query: capitalQuery})
	require.NoError(t, err)
	assert.True(t, resp.QualityPassed)
	assert.Empty(t, resp.RetrievedDocs)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "retrieval_degraded", resp.Errors[0].Kind)
	assert.Empty(t, h.tiers[router.TierLocal].lastRequest().Passages)
}

func TestGraphTruncatesPassages(t *testing.T) {
	h := newHarness(t, fallback.Config{})
	h.retriever = retrieval.NewStatic(model.Passage{ID: "long", Content: "France " + strings.Repeat("é", 500)})

	_, err := h.graph.Run(context.Background(), model.QueryContext{Query: "France"})
	require.NoError(t, err)
	passages := h.tiers[router.TierLocal].lastRequest().Passages
	require.Len(t, passages, 1)
	assert.Equal(t, 300, len([]rune(passages[0].Content)))
}

func TestGraphTrail(t *testing.T) {
	h := newHarness(t, fallback.Config{})
	h.tiers[router.TierLocal].fail = gateway.KindRateLimited

	resp, err := h.graph.Run(context.Background(), model.QueryContext{Query: capitalQuery, UseCache: true})
	require.NoError(t, err)

	var phases []string
	for _, tr := range resp.Trail {
		phases = append(phases, string(tr.To))
	}
	assert.Equal(t, []string{
		"cache_check", "retrieve", "generate", "fallback", "generate", "judge",
		"memory_update", "cache_write", "respond",
	}, phases)
	assert.Equal(t, "cloud_fast", resp.ModelUsed)
}

// =============================================================================
// FAIL CLOSED, CANCELLATION AND BOUNDS
// =============================================================================

func TestJudgeFailureNeverPersists(t *testing.T) {
	for name, run := range map[string]func(h *harness, q model.QueryContext) (bool, bool, error){
		"graph": func(h *harness, q model.QueryContext) (bool, bool, error) {
			r, err := h.graph.Run(context.Background(), q)
			if err != nil {
				return false, false, err
			}
			return r.QualityPassed, r.Degraded, nil
		},
		"smart": func(h *harness, q model.QueryContext) (bool, bool, error) {
			r, err := h.smart.Run(context.Background(), q)
			if err != nil {
				return false, false, err
			}
			return r.QualityPassed, r.Degraded, nil
		},
	} {
		t.Run("Should fail closed in "+name, func(t *testing.T) {
			h := newHarness(t, fallback.Config{})
			h.judge.err = gateway.Errorf(gateway.KindTimeout, "judge", "no verdict")

			passed, degraded, err := run(h, model.QueryContext{Query: capitalQuery, SessionID: "s", UserID: "u", UseCache: true})
			require.NoError(t, err)
			assert.False(t, passed)
			assert.True(t, degraded)
			assert.Zero(t, h.cached(t))
			assert.Zero(t, h.longTerm.Len())
			assert.Empty(t, h.memory.ReadShortTerm("s"))
		})
	}
}

func TestCancellationSkipsWrites(t *testing.T) {
	t.Run("Should not write after the judge passes on a cancelled run", func(t *testing.T) {
		h := newHarness(t, fallback.Config{})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		h.judge.hook = cancel

		_, err := h.graph.Run(ctx, model.QueryContext{Query: capitalQuery, SessionID: "s", UseCache: true})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, h.cached(t))
		assert.Zero(t, h.longTerm.Len())
		assert.Empty(t, h.memory.ReadShortTerm("s"))
	})

	t.Run("Should stop escalating once cancelled", func(t *testing.T) {
		h := newHarness(t, fallback.Config{})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		h.tiers[router.TierLocal].fn = func(context.Context, gateway.Request) (gateway.Response, error) {
			cancel()
			return gateway.Response{}, errors.New("connection reset")
		}

		_, err := h.smart.Run(ctx, model.QueryContext{Query: capitalQuery, OptimizeFor: model.OptimizeCost, UseCache: true})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, h.tiers[router.TierCloudFast].calls.Load())
		assert.Zero(t, h.cached(t))
	})

	t.Run("Should refuse an already cancelled context", func(t *testing.T) {
		h := newHarness(t, fallback.Config{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := h.graph.Run(ctx, model.QueryContext{Query: capitalQuery})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, h.generations())
	})
}

func TestEscalationBound(t *testing.T) {
	kinds := []gateway.FailureKind{gateway.KindUnknown, gateway.KindUnavailable}
	for _, retryLast := range []bool{false, true} {
		for mask := 0; mask < 8; mask++ {
			for _, lowScores := range []bool{false, true} {
				name := fmt.Sprintf("retry=%t mask=%03b low=%t", retryLast, mask, lowScores)
				t.Run(name, func(t *testing.T) {
					h := newHarness(t, fallback.Config{RetryLastTierOnJudgeFail: retryLast})
					for i, tier := range router.AllTiers {
						h.tiers[tier].fail = kinds[(mask>>i)&1]
						if lowScores {
							h.judge.set("answer from "+tier.String(), 3)
						}
					}

					resp, err := h.smart.Run(context.Background(), model.QueryContext{Query: capitalQuery, OptimizeFor: model.OptimizeCost})
					require.NoError(t, err)
					assert.LessOrEqual(t, resp.Attempts, 3)
					assert.LessOrEqual(t, h.generations(), int64(3))
				})
			}
		}
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := NewGraph(Deps{}, Options{})
	assert.ErrorIs(t, err, ErrMissingDependency)

	_, err = NewSmart(Deps{}, nil, Options{})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestBuildPrompt(t *testing.T) {
	assert.Equal(t, "plain", BuildPrompt("plain", nil))

	history := []model.Turn{
		{Role: model.RoleUser, Content: strings.Repeat("a", 150)},
		{Role: model.RoleAssistant, Content: "short"},
	}
	p := BuildPrompt("next?", history)
	assert.Contains(t, p, "user: "+strings.Repeat("a", 97)+"...\n")
	assert.Contains(t, p, "assistant: short\n")
	assert.True(t, strings.HasSuffix(p, "Question: next?"))
}

func TestGraphResponseHidesProviderErrors(t *testing.T) {
	refused := &net.OpError{
		Op:   "dial",
		Net:  "tcp",
		Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 443},
		Err:  errors.New("connect: connection refused"),
	}
	h := newHarness(t, fallback.Config{})
	for _, s := range h.tiers {
		s.fn = func(_ context.Context, req gateway.Request) (gateway.Response, error) {
			if strings.HasPrefix(req.Prompt, "Evaluate the answer") {
				return gateway.Response{}, refused
			}
			return gateway.Response{Text: "Paris", InputTokens: 10, OutputTokens: 2}, nil
		}
	}
	g, err := NewGraph(Deps{
		Gateway:   h.gateway,
		Judge:     judge.New(h.gateway, judge.Config{Tier: router.TierCloudFast}, nil),
		Policy:    h.policy,
		Cache:     h.cache,
		Memory:    h.memory,
		Retriever: h.retriever,
	}, Options{})
	require.NoError(t, err)

	resp, err := g.Run(context.Background(), model.QueryContext{Query: capitalQuery, SessionID: "s1", UseCache: true})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	require.NotNil(t, resp.JudgeEvaluation)
	assert.Equal(t, "unavailable", resp.JudgeEvaluation.Error)

	body, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "10.0.0.5")
	assert.NotContains(t, string(body), "connection refused")
	assert.Zero(t, h.cached(t))
	assert.Zero(t, h.longTerm.Len())
}

func TestRunLog(t *testing.T) {
	t.Run("Should record an accepted graph run with its passages and verdict", func(t *testing.T) {
		h := newHarness(t, fallback.Config{})

		resp, err := h.graph.Run(context.Background(), model.QueryContext{Query: capitalQuery, SessionID: "s1"})
		require.NoError(t, err)

		recs := h.runs.records()
		require.Len(t, recs, 1)
		rec := recs[0]
		assert.Equal(t, resp.RunID, rec.RunID)
		assert.Equal(t, graphName, rec.Pipeline)
		assert.Equal(t, OutcomeAccepted, rec.Outcome)
		assert.Equal(t, "s1", rec.SessionID)
		assert.Equal(t, resp.Answer, rec.Answer)
		require.Len(t, rec.Passages, 1)
		assert.Positive(t, rec.Passages[0].Score)
		require.NotNil(t, rec.Evaluation)
		assert.Equal(t, 9.0, rec.Evaluation.Score)
		assert.Equal(t, 1, rec.Attempts)
	})

	t.Run("Should record a degraded smart run", func(t *testing.T) {
		h := newHarness(t, fallback.Config{})
		for _, s := range h.tiers {
			s.fail = gateway.KindUnavailable
		}

		_, err := h.smart.Run(context.Background(), model.QueryContext{Query: capitalQuery, OptimizeFor: model.OptimizeCost})
		require.NoError(t, err)

		recs := h.runs.records()
		require.Len(t, recs, 1)
		assert.Equal(t, smartName, recs[0].Pipeline)
		assert.Equal(t, OutcomeDegraded, recs[0].Outcome)
		assert.Equal(t, DefaultApology, recs[0].Answer)
		assert.Equal(t, 3, recs[0].Attempts)
	})

	t.Run("Should not record cache hits or cancelled runs", func(t *testing.T) {
		h := newHarness(t, fallback.Config{})
		q := model.QueryContext{Query: capitalQuery, SessionID: "s1", UseCache: true}
		_, err := h.graph.Run(context.Background(), q)
		require.NoError(t, err)
		second, err := h.graph.Run(context.Background(), q)
		require.NoError(t, err)
		require.True(t, second.CacheHit)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = h.graph.Run(ctx, model.QueryContext{Query: "another question"})
		require.ErrorIs(t, err, context.Canceled)

		assert.Len(t, h.runs.records(), 1)
	})

	t.Run("Should answer when the log cannot be written", func(t *testing.T) {
		h := newHarness(t, fallback.Config{})
		h.runs.err = errors.New("disk full")

		resp, err := h.graph.Run(context.Background(), model.QueryContext{Query: capitalQuery})
		require.NoError(t, err)
		assert.True(t, resp.QualityPassed)
		assert.Empty(t, h.runs.records())
	})
}
