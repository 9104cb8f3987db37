// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// OPTIMIZE FOR
// =============================================================================

// OptimizeFor selects the routing objective for a smart query.
type OptimizeFor string

const (
	OptimizeCost     OptimizeFor = "cost"
	OptimizeSpeed    OptimizeFor = "speed"
	OptimizeQuality  OptimizeFor = "quality"
	OptimizeBalanced OptimizeFor = "balanced"
)

// ParseOptimizeFor parses a routing objective. The empty string means
// balanced.
func ParseOptimizeFor(s string) (OptimizeFor, error) {
	switch o := OptimizeFor(strings.ToLower(strings.TrimSpace(s))); o {
	case "":
		return OptimizeBalanced, nil
	case OptimizeCost, OptimizeSpeed, OptimizeQuality, OptimizeBalanced:
		return o, nil
	default:
		return "", fmt.Errorf("invalid optimize_for %q (want cost, speed, quality or balanced)", s)
	}
}

// String returns the objective name.
func (o OptimizeFor) String() string {
	if o == "" {
		return string(OptimizeBalanced)
	}
	return string(o)
}

// =============================================================================
// QUERY CONTEXT
// =============================================================================

// MaxQueryLength bounds the accepted query size in bytes.
const MaxQueryLength = 100000

var (
	// ErrEmptyQuery is returned for blank queries.
	ErrEmptyQuery = errors.New("query is empty")
	// ErrQueryTooLong is returned when a query exceeds MaxQueryLength.
	ErrQueryTooLong = fmt.Errorf("query exceeds maximum length of %d bytes", MaxQueryLength)
)

// QueryContext is the per-request input. It is passed by value and never
// mutated once a run has started.
type QueryContext struct {
	Query       string      `json:"query"`
	SessionID   string      `json:"session_id,omitempty"`
	UserID      string      `json:"user_id,omitempty"`
	OptimizeFor OptimizeFor `json:"optimize_for,omitempty"`
	UseCache    bool        `json:"use_cache"`
}

// Validate checks the query text and objective.
func (q QueryContext) Validate() error {
	if strings.TrimSpace(q.Query) == "" {
		return ErrEmptyQuery
	}
	if len(q.Query) > MaxQueryLength {
		return ErrQueryTooLong
	}
	if _, err := ParseOptimizeFor(string(q.OptimizeFor)); err != nil {
		return err
	}
	return nil
}

// Objective returns OptimizeFor with the balanced default applied.
func (q QueryContext) Objective() OptimizeFor {
	o, err := ParseOptimizeFor(string(q.OptimizeFor))
	if err != nil {
		return OptimizeBalanced
	}
	return o
}

// Stateful reports whether the query belongs to a conversation.
func (q QueryContext) Stateful() bool {
	return q.SessionID != ""
}

// MemoryOwner returns the long-term memory owner for this query.
func (q QueryContext) MemoryOwner() Owner {
	return Owner{UserID: q.UserID, SessionID: q.SessionID}
}
