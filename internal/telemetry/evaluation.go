// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-router/internal/model"
	"github.com/jeranaias/rigrun-router/internal/util"
)

const (
	// DefaultSummaryWindow is how many recent records Summary averages.
	DefaultSummaryWindow = 100

	// hitRelevance is the passage relevance that counts as a hit.
	hitRelevance = 0.5
	ndcgDepth    = 10
	queryRunes   = 200
	neutralScore = 0.5
	judgeScale   = 10.0

	retrievalWeight  = 0.3
	generationWeight = 0.7

	maxEvaluationLine = 1 << 20
)

// =============================================================================
// RECORDS
// =============================================================================

// RetrievalMetrics score the passages a run retrieved. Passage scores are
// read as relevance clamped to [0,1].
type RetrievalMetrics struct {
	ContextRelevance float64 `json:"context_relevance"`
	HitRate          float64 `json:"hit_rate"`
	MRR              float64 `json:"mrr"`
	NDCG             float64 `json:"ndcg"`
	NumDocs          int     `json:"num_docs"`
}

// GenerationMetrics are read from the judge verdict, all on a 0-1 scale.
type GenerationMetrics struct {
	JudgeScore   float64  `json:"judge_score"`
	Relevance    float64  `json:"relevance"`
	Groundedness float64  `json:"groundedness"`
	Completeness float64  `json:"completeness"`
	Clarity      float64  `json:"clarity"`
	Citations    float64  `json:"citations"`
	Passed       bool     `json:"passed"`
	Explanation  []string `json:"explanation,omitempty"`
}

// SystemMetrics are the run's latency and spend.
type SystemMetrics struct {
	LatencyMs float64 `json:"latency_ms"`
	CostUSD   float64 `json:"cost_usd"`
	Attempts  int     `json:"attempts"`
}

// RunEvaluation is one line of the evaluation log.
type RunEvaluation struct {
	Timestamp    time.Time         `json:"timestamp"`
	RunID        string            `json:"run_id"`
	Pipeline     string            `json:"pipeline"`
	Outcome      string            `json:"outcome"`
	SessionID    string            `json:"session_id,omitempty"`
	Query        string            `json:"query"`
	Model        string            `json:"model,omitempty"`
	AnswerLength int               `json:"answer_length"`
	Retrieval    RetrievalMetrics  `json:"retrieval"`
	Generation   GenerationMetrics `json:"generation"`
	System       SystemMetrics     `json:"system"`
	OverallScore float64           `json:"overall_score"`
}

// EvaluationInput is what a finished run reports. Judged is false when no
// verdict was produced, in which case the generation metrics are neutral.
type EvaluationInput struct {
	RunID     string
	Pipeline  string
	Outcome   string
	SessionID string
	Query     string
	Answer    string
	Model     string
	Passages  []model.Passage

	Judged      bool
	JudgeScore  float64
	Criteria    map[string]float64
	Reasons     []string
	Passed      bool
	Latency     time.Duration
	CostUSD     float64
	Attempts    int
	CompletedAt time.Time
}

// =============================================================================
// SCORING
// =============================================================================

// EvaluateRetrieval scores passages in rank order. No passages score zero.
func EvaluateRetrieval(passages []model.Passage) RetrievalMetrics {
	m := RetrievalMetrics{NumDocs: len(passages)}
	if len(passages) == 0 {
		return m
	}

	rel := make([]float64, len(passages))
	var sum float64
	for i, p := range passages {
		rel[i] = clampUnit(p.Score)
		sum += rel[i]
	}
	m.ContextRelevance = sum / float64(len(rel))

	for i, r := range rel {
		if r > hitRelevance {
			m.HitRate = 1
			m.MRR = 1 / float64(i+1)
			break
		}
	}
	m.NDCG = ndcg(rel, ndcgDepth)
	return m
}

func ndcg(rel []float64, k int) float64 {
	if len(rel) > k {
		rel = rel[:k]
	}
	ideal := append([]float64(nil), rel...)
	sort.Sort(sort.Reverse(sort.Float64Slice(ideal)))
	idcg := dcg(ideal)
	if idcg == 0 {
		return 0
	}
	return dcg(rel) / idcg
}

func dcg(rel []float64) float64 {
	var s float64
	for i, r := range rel {
		s += r / math.Log2(float64(i+2))
	}
	return s
}

// EvaluateGeneration converts a 0-10 judge verdict to 0-1 metrics. Missing
// criteria are neutral.
func EvaluateGeneration(in EvaluationInput) GenerationMetrics {
	if !in.Judged {
		return GenerationMetrics{
			JudgeScore:   neutralScore,
			Relevance:    neutralScore,
			Groundedness: neutralScore,
			Completeness: neutralScore,
			Clarity:      neutralScore,
			Citations:    neutralScore,
		}
	}
	criterion := func(name string) float64 {
		v, ok := in.Criteria[name]
		if !ok {
			return neutralScore
		}
		return clampUnit(v / judgeScale)
	}
	return GenerationMetrics{
		JudgeScore:   clampUnit(in.JudgeScore / judgeScale),
		Relevance:    criterion("relevance"),
		Groundedness: criterion("correctness"),
		Completeness: criterion("completeness"),
		Clarity:      criterion("clarity"),
		Citations:    criterion("citations"),
		Passed:       in.Passed,
		Explanation:  in.Reasons,
	}
}

// Evaluate builds the full record for in.
func Evaluate(in EvaluationInput) RunEvaluation {
	ts := in.CompletedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	ev := RunEvaluation{
		Timestamp:    ts.UTC(),
		RunID:        in.RunID,
		Pipeline:     in.Pipeline,
		Outcome:      in.Outcome,
		SessionID:    in.SessionID,
		Query:        util.TruncateRunes(in.Query, queryRunes),
		Model:        in.Model,
		AnswerLength: len([]rune(in.Answer)),
		Retrieval:    EvaluateRetrieval(in.Passages),
		Generation:   EvaluateGeneration(in),
		System: SystemMetrics{
			LatencyMs: float64(in.Latency) / float64(time.Millisecond),
			CostUSD:   in.CostUSD,
			Attempts:  in.Attempts,
		},
	}
	ev.OverallScore = ev.Retrieval.ContextRelevance*retrievalWeight + ev.Generation.JudgeScore*generationWeight
	return ev
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// =============================================================================
// EVALUATION LOG
// =============================================================================

// EvaluationLog appends one JSON line per evaluated run. It is safe for
// concurrent use.
type EvaluationLog struct {
	path string
	mu   sync.Mutex
}

// NewEvaluationLog opens path, defaulting to ~/.rigrun/evaluations.jsonl.
func NewEvaluationLog(path string) (*EvaluationLog, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".rigrun", "evaluations.jsonl")
	}
	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &EvaluationLog{path: path}, nil
}

// Path returns the log file.
func (l *EvaluationLog) Path() string {
	return l.path
}

// Record evaluates in and appends the result.
func (l *EvaluationLog) Record(in EvaluationInput) (RunEvaluation, error) {
	ev := Evaluate(in)
	line, err := json.Marshal(ev)
	if err != nil {
		return ev, fmt.Errorf("encode evaluation: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return ev, err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return ev, err
	}
	return ev, f.Close()
}

// Recent returns up to n of the newest records, oldest first. Lines that do
// not decode are skipped.
func (l *EvaluationLog) Recent(n int) ([]RunEvaluation, error) {
	if n <= 0 {
		n = DefaultSummaryWindow
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []RunEvaluation
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxEvaluationLine)
	for sc.Scan() {
		var ev RunEvaluation
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		out = append(out, ev)
		if len(out) > n {
			out = out[1:]
		}
	}
	return out, sc.Err()
}

// =============================================================================
// SUMMARY
// =============================================================================

// EvaluationSummary averages recent records.
type EvaluationSummary struct {
	TotalEvaluations int               `json:"total_evaluations"`
	AvgOverallScore  float64           `json:"avg_overall_score"`
	Retrieval        RetrievalMetrics  `json:"retrieval_metrics"`
	Generation       GenerationMetrics `json:"generation_metrics"`
	PassRate         float64           `json:"pass_rate"`
	AvgLatencyMs     float64           `json:"avg_latency_ms"`
	TotalCostUSD     float64           `json:"total_cost_usd"`
	ByOutcome        map[string]int    `json:"by_outcome"`
}

// Summary averages the newest n records. An empty log has a zero summary.
func (l *EvaluationLog) Summary(n int) (EvaluationSummary, error) {
	recent, err := l.Recent(n)
	if err != nil {
		return EvaluationSummary{}, err
	}
	return Summarize(recent), nil
}

// Summarize averages evs.
func Summarize(evs []RunEvaluation) EvaluationSummary {
	s := EvaluationSummary{TotalEvaluations: len(evs), ByOutcome: make(map[string]int)}
	if len(evs) == 0 {
		return s
	}
	var passed, docs int
	for _, ev := range evs {
		s.AvgOverallScore += ev.OverallScore
		s.Retrieval.ContextRelevance += ev.Retrieval.ContextRelevance
		s.Retrieval.HitRate += ev.Retrieval.HitRate
		s.Retrieval.MRR += ev.Retrieval.MRR
		s.Retrieval.NDCG += ev.Retrieval.NDCG
		docs += ev.Retrieval.NumDocs

		g := ev.Generation
		s.Generation.JudgeScore += g.JudgeScore
		s.Generation.Relevance += g.Relevance
		s.Generation.Groundedness += g.Groundedness
		s.Generation.Completeness += g.Completeness
		s.Generation.Clarity += g.Clarity
		s.Generation.Citations += g.Citations
		if g.Passed {
			passed++
		}

		s.AvgLatencyMs += ev.System.LatencyMs
		s.TotalCostUSD += ev.System.CostUSD
		s.ByOutcome[ev.Outcome]++
	}

	n := float64(len(evs))
	avg := func(v float64) float64 { return round(v/n, 4) }
	s.AvgOverallScore = avg(s.AvgOverallScore)
	s.Retrieval = RetrievalMetrics{
		ContextRelevance: avg(s.Retrieval.ContextRelevance),
		HitRate:          avg(s.Retrieval.HitRate),
		MRR:              avg(s.Retrieval.MRR),
		NDCG:             avg(s.Retrieval.NDCG),
		NumDocs:          docs / len(evs),
	}
	s.Generation = GenerationMetrics{
		JudgeScore:   avg(s.Generation.JudgeScore),
		Relevance:    avg(s.Generation.Relevance),
		Groundedness: avg(s.Generation.Groundedness),
		Completeness: avg(s.Generation.Completeness),
		Clarity:      avg(s.Generation.Clarity),
		Citations:    avg(s.Generation.Citations),
	}
	s.PassRate = avg(float64(passed))
	s.AvgLatencyMs = round(s.AvgLatencyMs/n, 2)
	s.TotalCostUSD = round(s.TotalCostUSD, 6)
	return s
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
