// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package memory manages conversational memory: a bounded per-session
// short-term window and an append-only long-term record of accepted
// answers.
package memory

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jeranaias/rigrun-router/internal/logging"
	"github.com/jeranaias/rigrun-router/internal/model"
	"github.com/jeranaias/rigrun-router/internal/storage"
)

const (
	// DefaultShortTermMaxTurns bounds each session window.
	DefaultShortTermMaxTurns = 20
	// DefaultMaxSessions bounds how many session windows are held.
	DefaultMaxSessions = 10000
)

// Config configures a Manager.
type Config struct {
	ShortTermMaxTurns int
	// MaxSessions caps the live windows. Past it the least recently used
	// session loses its short-term history; long-term records are kept.
	MaxSessions int
}

// DefaultConfig returns the default memory configuration.
func DefaultConfig() Config {
	return Config{ShortTermMaxTurns: DefaultShortTermMaxTurns, MaxSessions: DefaultMaxSessions}
}

// Manager owns both memory tiers. Appends for one session are serialized;
// different sessions never contend beyond the session lookup.
type Manager struct {
	maxTurns int
	long     storage.LongTermStore
	logger   logging.Logger

	// mu makes get-or-create atomic; the LRU is itself safe for concurrent
	// use.
	mu       sync.Mutex
	sessions *lru.Cache[string, *window]
}

type window struct {
	mu    sync.Mutex
	turns []model.Turn
}

// NewManager creates a Manager. A nil long-term store keeps long-term
// memory in process.
func NewManager(cfg Config, long storage.LongTermStore, logger logging.Logger) *Manager {
	if cfg.ShortTermMaxTurns <= 0 {
		cfg.ShortTermMaxTurns = DefaultShortTermMaxTurns
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if long == nil {
		long = storage.NewMemoryStore()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	m := &Manager{
		maxTurns: cfg.ShortTermMaxTurns,
		long:     long,
		logger:   logger.With("component", "memory"),
	}
	// lru.NewWithEvict only fails for a non-positive size.
	m.sessions, _ = lru.NewWithEvict(cfg.MaxSessions, func(id string, _ *window) {
		m.logger.Debug("short-term session evicted", "session_id", id)
	})
	return m
}

// MaxTurns returns the short-term bound.
func (m *Manager) MaxTurns() int {
	return m.maxTurns
}

func (m *Manager) window(sessionID string, create bool) *window {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.sessions.Get(sessionID)
	if !ok && create {
		w = &window{}
		m.sessions.Add(sessionID, w)
	}
	return w
}

// =============================================================================
// SHORT-TERM
// =============================================================================

// AppendShortTerm adds turn to the session window, evicting the oldest turn
// once the bound is reached. An empty sessionID is ignored.
func (m *Manager) AppendShortTerm(sessionID string, turn model.Turn) {
	if sessionID == "" {
		return
	}
	w := m.window(sessionID, true)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns = append(w.turns, turn)
	if over := len(w.turns) - m.maxTurns; over > 0 {
		// Reslice into a fresh array so evicted turns are not retained.
		w.turns = append([]model.Turn(nil), w.turns[over:]...)
	}
}

// ReadShortTerm returns the session window, most recent last.
func (m *Manager) ReadShortTerm(sessionID string) []model.Turn {
	w := m.window(sessionID, false)
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]model.Turn, len(w.turns))
	copy(out, w.turns)
	return out
}

// RecentShortTerm returns at most n of the latest turns.
func (m *Manager) RecentShortTerm(sessionID string, n int) []model.Turn {
	turns := m.ReadShortTerm(sessionID)
	if n > 0 && len(turns) > n {
		return turns[len(turns)-n:]
	}
	return turns
}

// Sessions returns the number of live session windows.
func (m *Manager) Sessions() int {
	return m.sessions.Len()
}

// =============================================================================
// LONG-TERM
// =============================================================================

// AppendLongTerm persists rec. A store failure is logged and reported to
// the caller, which decides whether to absorb it.
func (m *Manager) AppendLongTerm(ctx context.Context, rec model.Interaction) error {
	if rec.Owner().IsZero() {
		return nil
	}
	if err := m.long.Append(ctx, rec); err != nil {
		m.logger.Warn("long-term memory write failed", "user_id", rec.UserID, "session_id", rec.SessionID, "error", err)
		return err
	}
	return nil
}

// ReadLongTerm returns owner's records oldest first. A store failure is
// logged and yields no records.
func (m *Manager) ReadLongTerm(ctx context.Context, owner model.Owner, limit int) []model.Interaction {
	if owner.IsZero() {
		return nil
	}
	recs, err := m.long.List(ctx, owner, limit)
	if err != nil {
		m.logger.Warn("long-term memory read failed", "user_id", owner.UserID, "session_id", owner.SessionID, "error", err)
		return nil
	}
	return recs
}

// Close closes the long-term store.
func (m *Manager) Close() error {
	return m.long.Close()
}
