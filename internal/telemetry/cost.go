// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/rigrun-router/internal/router"
	"github.com/jeranaias/rigrun-router/internal/util"
)

// =============================================================================
// COST TRACKER
// =============================================================================

// TierCache labels usage served from the response cache.
const TierCache = "cache"

const topQueryLimit = 10

// sessionIDCounter keeps IDs unique when sessions start within one second.
var sessionIDCounter uint64

// Usage is the cost of one answered query.
type Usage struct {
	Tier         string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Duration     time.Duration
	Prompt       string
}

// CostTracker accumulates spend per tracking session. A session lasts from
// process start (or the last EndSession) until EndSession.
type CostTracker struct {
	mu        sync.RWMutex
	sessions  map[string]*SessionCost
	currentID string
	storage   *CostStorage
	baseline  router.ModelDescriptor
	now       func() time.Time
}

// SessionCost is the spend of one tracking session.
type SessionCost struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	// Tokens by tier name, including TierCache.
	Tokens map[string]TokenCount `json:"tokens"`
	// Cost by tier name.
	Cost map[string]float64 `json:"cost"`

	Queries   int     `json:"queries"`
	TotalCost float64 `json:"total_cost"`
	// Savings is the baseline cost of the same traffic minus TotalCost.
	Savings float64 `json:"savings"`

	TopQueries []QueryCost `json:"top_queries"`
}

// TokenCount tracks input/output tokens.
type TokenCount struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// QueryCost is one entry of the most expensive queries list.
type QueryCost struct {
	Timestamp    time.Time     `json:"timestamp"`
	Prompt       string        `json:"prompt"`
	Tier         string        `json:"tier"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Cost         float64       `json:"cost"`
	Duration     time.Duration `json:"duration"`
}

// CostTrends aggregates stored sessions over a period.
type CostTrends struct {
	Days           int                `json:"days"`
	TotalCost      float64            `json:"total_cost"`
	TotalSaved     float64            `json:"total_saved"`
	DailyBreakdown []DailyCost        `json:"daily_breakdown"`
	TierBreakdown  map[string]float64 `json:"tier_breakdown"`
}

// DailyCost is the spend of one day.
type DailyCost struct {
	Date       time.Time `json:"date"`
	Cost       float64   `json:"cost"`
	Saved      float64   `json:"saved"`
	QueryCount int       `json:"query_count"`
}

// =============================================================================
// CONSTRUCTOR
// =============================================================================

// NewCostTracker creates a tracker persisting to dir. baseline is the model
// savings are measured against, normally the premium tier.
func NewCostTracker(dir string, baseline router.ModelDescriptor) (*CostTracker, error) {
	storage, err := NewCostStorage(dir)
	if err != nil {
		return nil, err
	}
	ct := &CostTracker{
		sessions: make(map[string]*SessionCost),
		storage:  storage,
		baseline: baseline,
		now:      time.Now,
	}
	ct.startSession()
	return ct, nil
}

func (ct *CostTracker) startSession() {
	now := ct.now()
	ct.currentID = generateSessionID(now)
	ct.sessions[ct.currentID] = newSession(ct.currentID, now)
}

func newSession(id string, start time.Time) *SessionCost {
	return &SessionCost{
		ID:         id,
		StartTime:  start,
		Tokens:     make(map[string]TokenCount),
		Cost:       make(map[string]float64),
		TopQueries: make([]QueryCost, 0),
	}
}

// =============================================================================
// RECORDING
// =============================================================================

// Record adds one query's usage to the current session.
func (ct *CostTracker) Record(u Usage) {
	if u.Tier == "" {
		u.Tier = "unknown"
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()

	session := ct.sessions[ct.currentID]
	if session == nil {
		return
	}

	tc := session.Tokens[u.Tier]
	tc.Input += u.InputTokens
	tc.Output += u.OutputTokens
	session.Tokens[u.Tier] = tc
	session.Cost[u.Tier] += u.CostUSD
	session.Queries++
	session.TotalCost += u.CostUSD

	if baseline := ct.baseline.EstimateCost(u.InputTokens, u.OutputTokens); baseline > u.CostUSD {
		session.Savings += baseline - u.CostUSD
	}

	session.TopQueries = append(session.TopQueries, QueryCost{
		Timestamp:    ct.now(),
		Prompt:       util.TruncateRunes(u.Prompt, 100),
		Tier:         u.Tier,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		Cost:         u.CostUSD,
		Duration:     u.Duration,
	})
	sort.SliceStable(session.TopQueries, func(i, j int) bool {
		return session.TopQueries[i].Cost > session.TopQueries[j].Cost
	})
	if len(session.TopQueries) > topQueryLimit {
		session.TopQueries = session.TopQueries[:topQueryLimit]
	}
}

// =============================================================================
// RETRIEVAL
// =============================================================================

// Current returns a copy of the current session.
func (ct *CostTracker) Current() *SessionCost {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	session := ct.sessions[ct.currentID]
	if session == nil {
		return newSession(ct.currentID, ct.now())
	}
	return copySession(session)
}

// History returns stored sessions that started within [from, to].
func (ct *CostTracker) History(from, to time.Time) []*SessionCost {
	ids, err := ct.storage.List(from, to)
	if err != nil {
		return nil
	}
	sessions := make([]*SessionCost, 0, len(ids))
	for _, id := range ids {
		session, err := ct.storage.Load(id)
		if err != nil {
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions
}

// Trends aggregates the stored sessions of the last days days.
func (ct *CostTracker) Trends(days int) *CostTrends {
	to := ct.now()
	from := to.AddDate(0, 0, -days)

	trends := &CostTrends{
		Days:           days,
		DailyBreakdown: make([]DailyCost, 0),
		TierBreakdown:  make(map[string]float64),
	}

	daily := make(map[string]*DailyCost)
	for _, session := range ct.History(from, to) {
		key := session.StartTime.Format("2006-01-02")
		d, ok := daily[key]
		if !ok {
			d = &DailyCost{Date: session.StartTime.Truncate(24 * time.Hour)}
			daily[key] = d
		}
		d.Cost += session.TotalCost
		d.Saved += session.Savings
		d.QueryCount += session.Queries

		trends.TotalCost += session.TotalCost
		trends.TotalSaved += session.Savings
		for tier, c := range session.Cost {
			trends.TierBreakdown[tier] += c
		}
	}

	for _, d := range daily {
		trends.DailyBreakdown = append(trends.DailyBreakdown, *d)
	}
	sort.Slice(trends.DailyBreakdown, func(i, j int) bool {
		return trends.DailyBreakdown[i].Date.Before(trends.DailyBreakdown[j].Date)
	})
	return trends
}

// =============================================================================
// SESSION MANAGEMENT
// =============================================================================

// EndSession persists the current session and starts a new one.
func (ct *CostTracker) EndSession() error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if session := ct.sessions[ct.currentID]; session != nil {
		session.EndTime = ct.now()
		if err := ct.storage.Save(session); err != nil {
			return err
		}
		delete(ct.sessions, ct.currentID)
	}
	ct.startSession()
	return nil
}

// Save persists the current session without ending it.
func (ct *CostTracker) Save() error {
	ct.mu.RLock()
	session := ct.sessions[ct.currentID]
	var snapshot *SessionCost
	if session != nil {
		snapshot = copySession(session)
	}
	ct.mu.RUnlock()

	return ct.storage.Save(snapshot)
}

// =============================================================================
// HELPERS
// =============================================================================

func copySession(src *SessionCost) *SessionCost {
	dst := *src
	dst.Tokens = make(map[string]TokenCount, len(src.Tokens))
	for k, v := range src.Tokens {
		dst.Tokens[k] = v
	}
	dst.Cost = make(map[string]float64, len(src.Cost))
	for k, v := range src.Cost {
		dst.Cost[k] = v
	}
	dst.TopQueries = make([]QueryCost, len(src.TopQueries))
	copy(dst.TopQueries, src.TopQueries)
	return &dst
}

// generateSessionID returns a sortable, unique session id.
func generateSessionID(now time.Time) string {
	counter := atomic.AddUint64(&sessionIDCounter, 1)
	return fmt.Sprintf("%s-%d", now.UTC().Format(sessionTimeLayout), counter)
}
