// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"

	"github.com/jeranaias/rigrun-router/internal/cache"
	"github.com/jeranaias/rigrun-router/internal/judge"
	"github.com/jeranaias/rigrun-router/internal/model"
	"github.com/jeranaias/rigrun-router/internal/pipeline"
)

const graphName = "graph"

// GraphResponse is the result of a graph run.
type GraphResponse struct {
	RunID           string                 `json:"run_id"`
	Answer          string                 `json:"answer"`
	RetrievedDocs   []model.Passage        `json:"retrieved_docs"`
	JudgeEvaluation *judge.Evaluation      `json:"judge_evaluation"`
	CacheHit        bool                   `json:"cache_hit"`
	QualityPassed   bool                   `json:"quality_passed"`
	ProcessingTime  float64                `json:"processing_time"`
	ModelUsed       string                 `json:"model_used,omitempty"`
	Attempts        int                    `json:"attempts"`
	CostUSD         float64                `json:"cost_usd"`
	InputTokens     int                    `json:"input_tokens"`
	OutputTokens    int                    `json:"output_tokens"`
	Degraded        bool                   `json:"degraded"`
	Exhausted       bool                   `json:"escalation_exhausted"`
	Errors          []pipeline.ErrorRecord `json:"errors,omitempty"`
	Trail           []pipeline.Transition  `json:"-"`
}

// Graph is the stateful conversational pipeline:
// CacheCheck, Retrieve, Generate, Judge, then Fallback or MemoryUpdate,
// CacheWrite and Respond.
type Graph struct {
	*runner
}

// NewGraph creates the graph pipeline.
func NewGraph(deps Deps, opts Options) (*Graph, error) {
	r, err := newRunner(deps, opts)
	if err != nil {
		return nil, err
	}
	return &Graph{runner: r}, nil
}

// Run answers q. Escalation exhaustion is a successful, degraded response;
// the only errors are invalid input and the context's.
func (g *Graph) Run(ctx context.Context, q model.QueryContext) (*GraphResponse, error) {
	st := pipeline.NewWithClock(q, g.deps.Now)
	if err := q.Validate(); err != nil {
		g.finishRun(st, graphName, OutcomeInvalid)
		return nil, err
	}

	key := cache.Key(q.Query, q.SessionID)
	if entry, ok := g.lookup(ctx, st, key); ok {
		st.Enter(pipeline.PhaseRespond, "cache hit at "+string(entry.Level))
		g.finishRun(st, graphName, OutcomeCached)
		return g.respond(st, &judge.Evaluation{
			Score:  entry.Value.JudgeScore,
			Model:  entry.Value.ModelUsed,
			Passed: true,
		}, true, false), nil
	}

	g.retrieve(ctx, st, g.opts.GraphTopK)
	if err := ctx.Err(); err != nil {
		return nil, g.cancelled(st, err)
	}

	esc := g.deps.Policy.Begin(g.deps.Policy.Order()[0])
	res, err := g.escalate(ctx, st, esc, g.request(st))
	if err != nil {
		return nil, g.cancelled(st, err)
	}

	if !res.accepted {
		if _, ok := st.Best(); !ok {
			st.Answer = g.opts.Apology
		}
		g.finishRun(st, graphName, OutcomeDegraded)
		g.logRun(st, graphName, OutcomeDegraded, res.evaluation)
		return g.respond(st, res.evaluation, false, true), nil
	}

	if err := g.commit(ctx, st, key); err != nil {
		return nil, g.cancelled(st, err)
	}
	st.Enter(pipeline.PhaseRespond, "")
	g.finishRun(st, graphName, OutcomeAccepted)
	g.logRun(st, graphName, OutcomeAccepted, res.evaluation)
	return g.respond(st, res.evaluation, true, false), nil
}

func (g *Graph) cancelled(st *pipeline.State, err error) error {
	g.finishRun(st, graphName, OutcomeCancelled)
	return err
}

func (g *Graph) respond(st *pipeline.State, ev *judge.Evaluation, passed, exhausted bool) *GraphResponse {
	docs := st.RetrievedDocs
	if docs == nil {
		docs = []model.Passage{}
	}
	return &GraphResponse{
		RunID:           st.RunID,
		Answer:          st.Answer,
		RetrievedDocs:   docs,
		JudgeEvaluation: ev,
		CacheHit:        st.CacheHit,
		QualityPassed:   passed,
		ProcessingTime:  st.Elapsed().Seconds(),
		ModelUsed:       st.ModelUsed,
		Attempts:        st.AttemptCount,
		CostUSD:         st.CostUSD,
		InputTokens:     st.InputTokens,
		OutputTokens:    st.OutputTokens,
		Degraded:        exhausted,
		Exhausted:       exhausted,
		Errors:          st.Errors,
		Trail:           st.Transitions,
	}
}
