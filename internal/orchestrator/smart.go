// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeranaias/rigrun-router/internal/cache"
	"github.com/jeranaias/rigrun-router/internal/judge"
	"github.com/jeranaias/rigrun-router/internal/model"
	"github.com/jeranaias/rigrun-router/internal/pipeline"
	"github.com/jeranaias/rigrun-router/internal/router"
)

const smartName = "smart"

// SmartResponse is the result of a smart routing run.
type SmartResponse struct {
	RunID            string                 `json:"run_id"`
	Answer           string                 `json:"answer"`
	ModelUsed        string                 `json:"model_used"`
	ComplexityScore  float64                `json:"complexity_score"`
	OptimizeFor      model.OptimizeFor      `json:"optimize_for"`
	CacheHit         bool                   `json:"cache_hit"`
	Attempts         int                    `json:"attempts"`
	FallbackUsed     bool                   `json:"fallback_used"`
	LatencyMs        int64                  `json:"latency_ms"`
	CostUSD          float64                `json:"cost_usd"`
	InputTokens      int                    `json:"input_tokens"`
	OutputTokens     int                    `json:"output_tokens"`
	Difficulty       router.Difficulty      `json:"difficulty"`
	RoutingReasoning string                 `json:"routing_reasoning"`
	QualityPassed    bool                   `json:"quality_passed"`
	JudgeScore       *float64               `json:"judge_score,omitempty"`
	Degraded         bool                   `json:"degraded"`
	Exhausted        bool                   `json:"escalation_exhausted"`
	Errors           []pipeline.ErrorRecord `json:"errors,omitempty"`
}

// Smart is the cost-aware router. It classifies the query, picks a starting
// tier for the objective and escalates from there.
type Smart struct {
	*runner
	selector *router.Selector
}

// NewSmart creates the smart router.
func NewSmart(deps Deps, selector *router.Selector, opts Options) (*Smart, error) {
	if selector == nil {
		return nil, fmt.Errorf("%w: selector", ErrMissingDependency)
	}
	r, err := newRunner(deps, opts)
	if err != nil {
		return nil, err
	}
	return &Smart{runner: r, selector: selector}, nil
}

// Route classifies q and selects its starting tier without generating.
func (s *Smart) Route(q model.QueryContext) (router.Analysis, router.Decision) {
	analysis := router.Analyze(q.Query)
	decision := s.selector.Select(analysis.Score, q.Objective(), s.deps.Policy.Availability().Available)
	return analysis, decision
}

// Run answers q. As with Graph, exhaustion is a degraded success.
func (s *Smart) Run(ctx context.Context, q model.QueryContext) (*SmartResponse, error) {
	st := pipeline.NewWithClock(q, s.deps.Now)
	if err := q.Validate(); err != nil {
		s.finishRun(st, smartName, OutcomeInvalid)
		return nil, err
	}

	st.Enter(pipeline.PhaseClassify, "")
	analysis, decision := s.Route(q)
	st.SetComplexity(analysis.Score)
	s.log.Debug("routed", "run", st.RunID, "decision", decision.String())

	key := cache.NamespacedKey(smartName, q.Query, q.SessionID)
	if entry, ok := s.lookup(ctx, st, key); ok {
		st.Enter(pipeline.PhaseRespond, "cache hit at "+string(entry.Level))
		s.finishRun(st, smartName, OutcomeCached)
		resp := s.respond(st, decision, nil, true, false)
		resp.RoutingReasoning = "served from cache; " + resp.RoutingReasoning
		return resp, nil
	}

	s.retrieve(ctx, st, s.opts.SmartTopK)
	if err := ctx.Err(); err != nil {
		return nil, s.cancelled(st, err)
	}

	esc := s.deps.Policy.Begin(decision.Tier)
	res, err := s.escalate(ctx, st, esc, s.request(st))
	if err != nil {
		return nil, s.cancelled(st, err)
	}

	if !res.accepted {
		if _, ok := st.Best(); !ok {
			st.Answer = s.opts.Apology
		}
		s.finishRun(st, smartName, OutcomeDegraded)
		s.logRun(st, smartName, OutcomeDegraded, res.evaluation)
		return s.respond(st, decision, res.visited, false, true), nil
	}

	if err := s.commit(ctx, st, key); err != nil {
		return nil, s.cancelled(st, err)
	}
	st.Enter(pipeline.PhaseRespond, "")
	s.finishRun(st, smartName, OutcomeAccepted)
	s.logRun(st, smartName, OutcomeAccepted, res.evaluation)
	return s.respond(st, decision, res.visited, true, false), nil
}

func (s *Smart) cancelled(st *pipeline.State, err error) error {
	s.finishRun(st, smartName, OutcomeCancelled)
	return err
}

func (s *Smart) respond(st *pipeline.State, d router.Decision, visited []router.Tier, passed, exhausted bool) *SmartResponse {
	var complexity float64
	if st.ComplexityScore != nil {
		complexity = *st.ComplexityScore
	}
	resp := &SmartResponse{
		RunID:            st.RunID,
		Answer:           st.Answer,
		ModelUsed:        st.ModelUsed,
		ComplexityScore:  complexity,
		OptimizeFor:      d.Objective,
		CacheHit:         st.CacheHit,
		Attempts:         st.AttemptCount,
		FallbackUsed:     fallbackUsed(d.Tier, visited),
		LatencyMs:        st.Elapsed().Milliseconds(),
		CostUSD:          st.CostUSD,
		InputTokens:      st.InputTokens,
		OutputTokens:     st.OutputTokens,
		Difficulty:       d.Difficulty,
		RoutingReasoning: reasoning(d, visited),
		QualityPassed:    passed,
		JudgeScore:       st.JudgeScore,
		Degraded:         exhausted,
		Exhausted:        exhausted,
		Errors:           st.Errors,
	}
	return resp
}

// fallbackUsed reports whether the run left its selected tier, either by
// escalating or because the policy skipped a cooling tier at the start.
func fallbackUsed(selected router.Tier, visited []router.Tier) bool {
	if len(visited) > 1 {
		return true
	}
	return len(visited) == 1 && visited[0] != selected
}

func reasoning(d router.Decision, visited []router.Tier) string {
	if len(visited) == 0 || (len(visited) == 1 && visited[0] == d.Tier) {
		return d.Reason
	}
	names := make([]string, len(visited))
	for i, t := range visited {
		names[i] = t.String()
	}
	return fmt.Sprintf("%s; escalated %s", d.Reason, strings.Join(names, " -> "))
}

// compile-time interface checks
var _ Evaluator = (*judge.Judge)(nil)
