// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-router/internal/util"
)

const sessionTimeLayout = "20060102-150405"

// =============================================================================
// COST STORAGE
// =============================================================================

// CostStorage persists one JSON file per session.
type CostStorage struct {
	dir string
}

// NewCostStorage opens dir, defaulting to ~/.rigrun/costs.
func NewCostStorage(dir string) (*CostStorage, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, ".rigrun", "costs")
	}
	if err := util.EnsureDir(dir); err != nil {
		return nil, err
	}
	return &CostStorage{dir: dir}, nil
}

// Dir returns the storage directory.
func (cs *CostStorage) Dir() string {
	return cs.dir
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// Save writes session atomically. A nil session is a no-op.
func (cs *CostStorage) Save(session *SessionCost) error {
	if session == nil {
		return nil
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cost session: %w", err)
	}
	return util.AtomicWriteFile(cs.path(session.ID), data, 0o600)
}

// Load reads a stored session.
func (cs *CostStorage) Load(id string) (*SessionCost, error) {
	data, err := os.ReadFile(cs.path(id))
	if err != nil {
		return nil, err
	}
	var session SessionCost
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode cost session %s: %w", id, err)
	}
	return &session, nil
}

// List returns the ids of sessions that started within [from, to], oldest
// first.
func (cs *CostStorage) List(from, to time.Time) ([]string, error) {
	ids, err := cs.ids()
	if err != nil {
		return nil, err
	}
	out := ids[:0]
	for _, id := range ids {
		ts, ok := sessionTime(id)
		if !ok || ts.Before(from) || ts.After(to) {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// DeleteBefore removes sessions that started before cutoff.
func (cs *CostStorage) DeleteBefore(cutoff time.Time) (int, error) {
	ids, err := cs.ids()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		ts, ok := sessionTime(id)
		if !ok || !ts.Before(cutoff) {
			continue
		}
		if err := os.Remove(cs.path(id)); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Count returns the number of stored sessions.
func (cs *CostStorage) Count() (int, error) {
	ids, err := cs.ids()
	return len(ids), err
}

func (cs *CostStorage) path(id string) string {
	return filepath.Join(cs.dir, id+".json")
}

func (cs *CostStorage) ids() ([]string, error) {
	entries, err := os.ReadDir(cs.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// sessionTime parses the timestamp prefix of an id such as
// 20250101-120000-7.
func sessionTime(id string) (time.Time, bool) {
	if len(id) < len(sessionTimeLayout) {
		return time.Time{}, false
	}
	ts, err := time.Parse(sessionTimeLayout, id[:len(sessionTimeLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
