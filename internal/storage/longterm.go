// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jeranaias/rigrun-router/internal/model"
)

// LongTermStore is an append-only record of accepted interactions.
type LongTermStore interface {
	// Append persists rec. An empty rec.ID is assigned.
	Append(ctx context.Context, rec model.Interaction) error
	// List returns owner's records oldest first. limit > 0 keeps only the
	// most recent limit records.
	List(ctx context.Context, owner model.Owner, limit int) ([]model.Interaction, error)
	// Close releases the backend.
	Close() error
}

func ensureID(rec *model.Interaction) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
}

func tail(recs []model.Interaction, limit int) []model.Interaction {
	if limit > 0 && len(recs) > limit {
		return recs[len(recs)-limit:]
	}
	return recs
}

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemoryStore keeps records in process memory. Used when persistence is
// disabled and in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	recs []model.Interaction
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append adds rec.
func (s *MemoryStore) Append(_ context.Context, rec model.Interaction) error {
	ensureID(&rec)
	s.mu.Lock()
	s.recs = append(s.recs, rec)
	s.mu.Unlock()
	return nil
}

// List returns owner's records.
func (s *MemoryStore) List(_ context.Context, owner model.Owner, limit int) ([]model.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Interaction
	for _, r := range s.recs {
		if r.Matches(owner) {
			out = append(out, r)
		}
	}
	return tail(out, limit), nil
}

// Len returns the number of records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
