// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline holds the mutable per-run state shared by the graph and
// smart orchestrators. A State belongs to exactly one run and is discarded
// when the response is built.
package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/rigrun-router/internal/model"
	"github.com/jeranaias/rigrun-router/internal/router"
)

// Phase is a state of the orchestration machine.
type Phase string

const (
	PhaseStart        Phase = "start"
	PhaseCacheCheck   Phase = "cache_check"
	PhaseClassify     Phase = "classify"
	PhaseRetrieve     Phase = "retrieve"
	PhaseGenerate     Phase = "generate"
	PhaseJudge        Phase = "judge"
	PhaseFallback     Phase = "fallback"
	PhaseMemoryUpdate Phase = "memory_update"
	PhaseCacheWrite   Phase = "cache_write"
	PhaseRespond      Phase = "respond"
	PhaseExhausted    Phase = "exhausted"
)

// Terminal reports whether no transition may leave p.
func (p Phase) Terminal() bool {
	return p == PhaseRespond || p == PhaseExhausted
}

// ErrorRecord is one failure observed during a run. Message is for logs
// only and never serialized to clients.
type ErrorRecord struct {
	Phase    Phase     `json:"phase"`
	Provider string    `json:"provider,omitempty"`
	Kind     string    `json:"kind"`
	Message  string    `json:"-"`
	At       time.Time `json:"at"`
}

// Transition is one recorded edge of the state machine.
type Transition struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Candidate is a generated answer considered for the response.
type Candidate struct {
	// Attempt is the 1-based attempt number that produced the answer.
	Attempt   int
	Answer    string
	ModelUsed string
	Tier      router.Tier
	// Score is the judge score. Judged is false when the judge failed, in
	// which case Score is meaningless.
	Score  float64
	Judged bool
}

// State is the mutable record of one run.
type State struct {
	RunID           string
	Query           model.QueryContext
	RetrievedDocs   []model.Passage
	Answer          string
	JudgeScore      *float64
	CacheHit        bool
	ComplexityScore *float64
	ModelUsed       string
	AttemptCount    int
	Errors          []ErrorRecord
	Transitions     []Transition

	InputTokens  int
	OutputTokens int
	CostUSD      float64

	phase   Phase
	started time.Time
	best    *Candidate
	now     func() time.Time
}

// New starts a run for q.
func New(q model.QueryContext) *State {
	return NewWithClock(q, time.Now)
}

// NewWithClock starts a run with an injected time source.
func NewWithClock(q model.QueryContext, now func() time.Time) *State {
	return &State{
		RunID:   uuid.NewString(),
		Query:   q,
		phase:   PhaseStart,
		started: now(),
		now:     now,
	}
}

// Phase returns the current phase.
func (s *State) Phase() Phase {
	return s.phase
}

// Enter records a transition to next and returns next.
func (s *State) Enter(next Phase, reason string) Phase {
	s.Transitions = append(s.Transitions, Transition{From: s.phase, To: next, Reason: reason, At: s.now()})
	s.phase = next
	return next
}

// RecordError appends a failure to the trail.
func (s *State) RecordError(provider, kind, message string) {
	s.Errors = append(s.Errors, ErrorRecord{
		Phase:    s.phase,
		Provider: provider,
		Kind:     kind,
		Message:  message,
		At:       s.now(),
	})
}

// AddUsage accumulates the cost of one model call.
func (s *State) AddUsage(in, out int, cost float64) {
	s.InputTokens += in
	s.OutputTokens += out
	s.CostUSD += cost
}

// Consider offers c as a response candidate. Judged candidates beat
// unjudged ones; among judged, the higher score wins; ties keep the
// earlier, cheaper attempt.
func (s *State) Consider(c Candidate) {
	if s.best == nil || better(c, *s.best) {
		cp := c
		s.best = &cp
	}
}

func better(a, b Candidate) bool {
	if a.Judged != b.Judged {
		return a.Judged
	}
	return a.Judged && a.Score > b.Score
}

// Best returns the best candidate seen so far.
func (s *State) Best() (Candidate, bool) {
	if s.best == nil {
		return Candidate{}, false
	}
	return *s.best, true
}

// Accept makes c the run's answer.
func (s *State) Accept(c Candidate) {
	s.Answer = c.Answer
	s.ModelUsed = c.ModelUsed
	if c.Judged {
		score := c.Score
		s.JudgeScore = &score
	} else {
		s.JudgeScore = nil
	}
}

// SetComplexity records the classifier score.
func (s *State) SetComplexity(score float64) {
	s.ComplexityScore = &score
}

// Elapsed returns the run duration so far.
func (s *State) Elapsed() time.Duration {
	return s.now().Sub(s.started)
}

// Kinds returns the failure kinds seen, in order.
func (s *State) Kinds() []string {
	out := make([]string, len(s.Errors))
	for i, e := range s.Errors {
		out[i] = e.Kind
	}
	return out
}
