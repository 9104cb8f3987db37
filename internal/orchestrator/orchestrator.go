// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator runs queries end to end. Graph is the stateful
// conversational pipeline; Smart is the cost-aware router. Both drive the
// same bounded escalation loop: generate, judge, and on failure move to the
// next tier until an answer passes or the fallback policy is exhausted.
//
// A run owns its pipeline.State. The only shared mutable collaborators are
// the cache, the memory manager and the policy's availability table, each
// of which synchronizes internally, so Graph and Smart are safe for
// concurrent use.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/rigrun-router/internal/cache"
	"github.com/jeranaias/rigrun-router/internal/fallback"
	"github.com/jeranaias/rigrun-router/internal/gateway"
	"github.com/jeranaias/rigrun-router/internal/judge"
	"github.com/jeranaias/rigrun-router/internal/logging"
	"github.com/jeranaias/rigrun-router/internal/model"
	"github.com/jeranaias/rigrun-router/internal/pipeline"
	"github.com/jeranaias/rigrun-router/internal/retrieval"
	"github.com/jeranaias/rigrun-router/internal/router"
)

// =============================================================================
// DEFAULTS
// =============================================================================

const (
	// DefaultGraphTopK is the number of passages the graph pipeline retrieves.
	DefaultGraphTopK = 2
	// DefaultSmartTopK is the number of passages the smart router retrieves.
	DefaultSmartTopK = 4
	// DefaultHistoryTurns is how many recent turns are put in the prompt.
	DefaultHistoryTurns = 4
	// DefaultMaxTokens bounds the generated answer.
	DefaultMaxTokens = 1024

	historyRunes = 100
	passageRunes = 300
)

// DefaultApology is returned when every attempt failed to produce any text.
const DefaultApology = "I'm sorry, I couldn't produce an answer right now. Please try again shortly."

// Run outcomes reported to the Recorder.
const (
	OutcomeAccepted  = "accepted"
	OutcomeCached    = "cached"
	OutcomeDegraded  = "degraded"
	OutcomeCancelled = "cancelled"
	OutcomeInvalid   = "invalid"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Generator is the part of the gateway the orchestrators call.
type Generator interface {
	Generate(ctx context.Context, tier router.Tier, req gateway.Request) (gateway.Result, error)
}

// Evaluator scores answers. *judge.Judge implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, query string, passages []model.Passage, answer string) (judge.Evaluation, error)
	Threshold() float64
}

// Cache is the response cache. *cache.Tiered implements it.
type Cache interface {
	Get(ctx context.Context, key string) (cache.Entry, bool)
	Put(ctx context.Context, key string, v cache.Value)
}

// Memory is the conversation store. *memory.Manager implements it.
type Memory interface {
	AppendShortTerm(sessionID string, turn model.Turn)
	RecentShortTerm(sessionID string, n int) []model.Turn
	AppendLongTerm(ctx context.Context, rec model.Interaction) error
}

// Recorder receives one observation per finished run.
type Recorder interface {
	ObserveRun(pipelineName, outcome string, attempts int, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRun(string, string, int, time.Duration) {}

// RunRecord describes a run that reached the models: accepted or degraded.
// Cache hits, invalid input and cancelled runs are not recorded.
type RunRecord struct {
	RunID      string
	Pipeline   string
	Outcome    string
	SessionID  string
	Query      string
	Answer     string
	Model      string
	Passages   []model.Passage
	Evaluation *judge.Evaluation
	Attempts   int
	CostUSD    float64
	Latency    time.Duration
	At         time.Time
}

// RunLog persists run records for offline quality evaluation.
type RunLog interface {
	LogRun(rec RunRecord) error
}

// Deps are the collaborators shared by Graph and Smart. Gateway, Judge and
// Policy are required; the rest may be nil.
type Deps struct {
	Gateway   Generator
	Judge     Evaluator
	Policy    *fallback.Policy
	Cache     Cache
	Memory    Memory
	Retriever retrieval.Retriever
	Logger    logging.Logger
	Recorder  Recorder
	RunLog    RunLog
	// Now is the clock used for run timing and memory timestamps.
	Now func() time.Time
}

// Options tune the pipelines. Zero values take the defaults.
type Options struct {
	GraphTopK    int
	SmartTopK    int
	HistoryTurns int
	MaxTokens    int
	Apology      string
	// RetrievalTimeout bounds each retriever call.
	RetrievalTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.GraphTopK <= 0 {
		o.GraphTopK = DefaultGraphTopK
	}
	if o.SmartTopK <= 0 {
		o.SmartTopK = DefaultSmartTopK
	}
	if o.HistoryTurns <= 0 {
		o.HistoryTurns = DefaultHistoryTurns
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.Apology == "" {
		o.Apology = DefaultApology
	}
	if o.RetrievalTimeout <= 0 {
		o.RetrievalTimeout = retrieval.DefaultTimeout
	}
	return o
}

// ErrMissingDependency is returned by constructors when a required
// collaborator is nil.
var ErrMissingDependency = errors.New("orchestrator: missing dependency")

// runner is the machinery shared by both pipelines.
type runner struct {
	deps Deps
	opts Options
	log  logging.Logger
}

func newRunner(deps Deps, opts Options) (*runner, error) {
	switch {
	case deps.Gateway == nil:
		return nil, fmt.Errorf("%w: gateway", ErrMissingDependency)
	case deps.Judge == nil:
		return nil, fmt.Errorf("%w: judge", ErrMissingDependency)
	case deps.Policy == nil:
		return nil, fmt.Errorf("%w: fallback policy", ErrMissingDependency)
	}
	if deps.Retriever == nil {
		deps.Retriever = retrieval.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	opts = opts.withDefaults()
	return &runner{deps: deps, opts: opts, log: deps.Logger}, nil
}

// =============================================================================
// SHARED STEPS
// =============================================================================

// lookup returns the cached entry for key, if caching applies.
func (r *runner) lookup(ctx context.Context, st *pipeline.State, key string) (cache.Entry, bool) {
	st.Enter(pipeline.PhaseCacheCheck, "")
	if !st.Query.UseCache || r.deps.Cache == nil {
		return cache.Entry{}, false
	}
	e, ok := r.deps.Cache.Get(ctx, key)
	if !ok {
		return cache.Entry{}, false
	}
	st.CacheHit = true
	st.Answer = e.Value.Answer
	st.ModelUsed = e.Value.ModelUsed
	st.RetrievedDocs = e.Value.RetrievedDocs
	score := e.Value.JudgeScore
	st.JudgeScore = &score
	return e, true
}

// retrieve fetches passages, absorbing any retriever failure.
func (r *runner) retrieve(ctx context.Context, st *pipeline.State, k int) {
	st.Enter(pipeline.PhaseRetrieve, "")
	ret := retrieval.WithTimeout(r.deps.Retriever, r.opts.RetrievalTimeout)
	passages, err := ret.Retrieve(ctx, st.Query.Query, k)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		st.RecordError("retriever", "retrieval_degraded", err.Error())
		r.log.Warn("retrieval degraded, answering without context", "run", st.RunID, "err", err)
		return
	}
	st.RetrievedDocs = passages
}

// escalated is the result of an escalation loop.
type escalated struct {
	accepted   bool
	exhausted  bool
	evaluation *judge.Evaluation
	finalTier  router.Tier
	visited    []router.Tier
}

// escalate runs generate and judge attempts until one passes or the policy
// is exhausted. The only error it returns is the context's.
func (r *runner) escalate(ctx context.Context, st *pipeline.State, esc *fallback.Escalation, req gateway.Request) (escalated, error) {
	evals := make(map[int]judge.Evaluation)
	out := escalated{}

	finish := func(reason string) (escalated, error) {
		out.exhausted = true
		out.finalTier = esc.Tier()
		out.visited = esc.Visited()
		st.Enter(pipeline.PhaseExhausted, reason)
		if best, ok := st.Best(); ok {
			st.Accept(best)
			if ev, ok := evals[best.Attempt]; ok {
				out.evaluation = &ev
			}
		}
		return out, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		tier, err := esc.Attempt()
		if err != nil {
			return finish(err.Error())
		}
		attempt := esc.Attempts()
		st.AttemptCount = attempt
		st.Enter(pipeline.PhaseGenerate, fmt.Sprintf("attempt %d at %s", attempt, tier))

		res, err := r.deps.Gateway.Generate(ctx, tier, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			kind := gateway.KindOf(err).String()
			st.RecordError(tier.String(), kind, err.Error())
			r.log.Debug("generation failed, escalating", "run", st.RunID, "tier", tier.String(), "kind", kind)
			st.Enter(pipeline.PhaseFallback, "provider failure: "+kind)
			if _, err := esc.Advance(fallback.TriggerProviderFailure, kind); err != nil {
				return finish(err.Error())
			}
			continue
		}
		esc.Succeeded()
		st.AddUsage(res.InputTokens, res.OutputTokens, res.CostUSD)

		st.Enter(pipeline.PhaseJudge, "")
		ev, jerr := r.deps.Judge.Evaluate(ctx, st.Query.Query, st.RetrievedDocs, res.Text)
		if jerr != nil && ctx.Err() != nil {
			return out, ctx.Err()
		}
		cand := pipeline.Candidate{
			Attempt:   attempt,
			Answer:    res.Text,
			ModelUsed: tier.String(),
			Tier:      tier,
			Score:     ev.Score,
			Judged:    jerr == nil,
		}
		st.Consider(cand)
		evals[attempt] = ev

		if jerr == nil && ev.Passed {
			st.Accept(cand)
			out.accepted = true
			out.evaluation = &ev
			out.finalTier = tier
			out.visited = esc.Visited()
			return out, nil
		}

		reason := fmt.Sprintf("score %.1f below %.1f", ev.Score, r.deps.Judge.Threshold())
		if jerr != nil {
			st.RecordError("judge", gateway.KindOf(jerr).String(), jerr.Error())
			reason = "judge failed"
		}
		st.Enter(pipeline.PhaseFallback, reason)
		if _, err := esc.Advance(fallback.TriggerLowScore, ""); err != nil {
			return finish(err.Error())
		}
	}
}

// remember writes an accepted answer to short- and long-term memory.
// Long-term failures are absorbed; the answer is still returned.
func (r *runner) remember(ctx context.Context, st *pipeline.State) {
	st.Enter(pipeline.PhaseMemoryUpdate, "")
	if r.deps.Memory == nil {
		return
	}
	q := st.Query
	now := r.deps.Now()
	if q.Stateful() {
		r.deps.Memory.AppendShortTerm(q.SessionID, model.Turn{Role: model.RoleUser, Content: q.Query, Timestamp: now})
		r.deps.Memory.AppendShortTerm(q.SessionID, model.Turn{Role: model.RoleAssistant, Content: st.Answer, Timestamp: now})
	}
	owner := q.MemoryOwner()
	if owner.IsZero() {
		return
	}
	var score float64
	if st.JudgeScore != nil {
		score = *st.JudgeScore
	}
	rec := model.Interaction{
		UserID:     owner.UserID,
		SessionID:  owner.SessionID,
		Query:      q.Query,
		Answer:     st.Answer,
		ModelUsed:  st.ModelUsed,
		JudgeScore: score,
		CreatedAt:  now,
	}
	if err := r.deps.Memory.AppendLongTerm(ctx, rec); err != nil {
		st.RecordError("memory", "store_failure", err.Error())
	}
}

// store writes an accepted answer to the cache when the query asked for it.
func (r *runner) store(ctx context.Context, st *pipeline.State, key string) {
	st.Enter(pipeline.PhaseCacheWrite, "")
	if !st.Query.UseCache || r.deps.Cache == nil {
		return
	}
	var score float64
	if st.JudgeScore != nil {
		score = *st.JudgeScore
	}
	r.deps.Cache.Put(ctx, key, cache.Value{
		Answer:        st.Answer,
		RetrievedDocs: st.RetrievedDocs,
		JudgeScore:    score,
		ModelUsed:     st.ModelUsed,
	})
}

// commit performs the post-acceptance writes. It refuses to write anything
// once the context is done.
func (r *runner) commit(ctx context.Context, st *pipeline.State, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.remember(ctx, st)
	if err := ctx.Err(); err != nil {
		return err
	}
	r.store(ctx, st, key)
	return nil
}

// finishRun logs and records a completed run.
func (r *runner) finishRun(st *pipeline.State, name, outcome string) {
	d := st.Elapsed()
	r.deps.Recorder.ObserveRun(name, outcome, st.AttemptCount, d)
	switch outcome {
	case OutcomeCancelled:
		r.log.Debug("run cancelled", "pipeline", name, "run", st.RunID, "attempts", st.AttemptCount)
	case OutcomeDegraded:
		r.log.Warn("run degraded", "pipeline", name, "run", st.RunID,
			"attempts", st.AttemptCount, "kinds", st.Kinds(), "duration", d)
	default:
		r.log.Info("run complete", "pipeline", name, "run", st.RunID, "outcome", outcome,
			"model", st.ModelUsed, "attempts", st.AttemptCount, "duration", d)
	}
}

// logRun hands a finished run to the RunLog. A failed write is logged and
// does not affect the response.
func (r *runner) logRun(st *pipeline.State, name, outcome string, ev *judge.Evaluation) {
	if r.deps.RunLog == nil {
		return
	}
	err := r.deps.RunLog.LogRun(RunRecord{
		RunID:      st.RunID,
		Pipeline:   name,
		Outcome:    outcome,
		SessionID:  st.Query.SessionID,
		Query:      st.Query.Query,
		Answer:     st.Answer,
		Model:      st.ModelUsed,
		Passages:   st.RetrievedDocs,
		Evaluation: ev,
		Attempts:   st.AttemptCount,
		CostUSD:    st.CostUSD,
		Latency:    st.Elapsed(),
		At:         r.deps.Now(),
	})
	if err != nil {
		r.log.Warn("run evaluation not recorded", "pipeline", name, "run", st.RunID, "err", err)
	}
}

// request builds the generation request for st.
func (r *runner) request(st *pipeline.State) gateway.Request {
	var history []model.Turn
	if r.deps.Memory != nil && st.Query.Stateful() {
		history = r.deps.Memory.RecentShortTerm(st.Query.SessionID, r.opts.HistoryTurns)
	}
	return gateway.Request{
		Prompt:    BuildPrompt(st.Query.Query, history),
		Passages:  TrimPassages(st.RetrievedDocs, passageRunes),
		System:    systemPrompt,
		MaxTokens: r.opts.MaxTokens,
	}
}
