// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retrieval defines the passage retriever consumed by the
// orchestrators and a few implementations of it.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/jeranaias/rigrun-router/internal/model"
)

// ErrDegraded marks a retrieval that failed or returned nothing. It is
// never fatal; generation continues without context.
var ErrDegraded = errors.New("retrieval degraded")

// DefaultTimeout bounds a single retrieval.
const DefaultTimeout = 5 * time.Second

// Retriever returns up to k passages ranked best first.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]model.Passage, error)
}

// Func adapts a function to Retriever.
type Func func(ctx context.Context, query string, k int) ([]model.Passage, error)

// Retrieve calls f.
func (f Func) Retrieve(ctx context.Context, query string, k int) ([]model.Passage, error) {
	return f(ctx, query, k)
}

// Nop never returns passages.
type Nop struct{}

// Retrieve returns nothing.
func (Nop) Retrieve(context.Context, string, int) ([]model.Passage, error) {
	return nil, nil
}

// =============================================================================
// TIMEOUT
// =============================================================================

type timeoutRetriever struct {
	next    Retriever
	timeout time.Duration
}

// WithTimeout bounds every call to r. Errors, including the deadline, are
// wrapped with ErrDegraded.
func WithTimeout(r Retriever, timeout time.Duration) Retriever {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &timeoutRetriever{next: r, timeout: timeout}
}

func (t *timeoutRetriever) Retrieve(ctx context.Context, query string, k int) ([]model.Passage, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	passages, err := t.next.Retrieve(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDegraded, err)
	}
	return limit(passages, k), nil
}

func limit(passages []model.Passage, k int) []model.Passage {
	if k > 0 && len(passages) > k {
		return passages[:k]
	}
	return passages
}

// =============================================================================
// STATIC
// =============================================================================

// Static ranks a fixed passage set by term overlap with the query. Useful
// for tests and small fixed corpora.
type Static struct {
	passages []model.Passage
}

// NewStatic creates a Static retriever over passages.
func NewStatic(passages ...model.Passage) *Static {
	return &Static{passages: append([]model.Passage(nil), passages...)}
}

// Retrieve returns passages sharing at least one term with query, most
// shared terms first. Ties keep insertion order.
func (s *Static) Retrieve(_ context.Context, query string, k int) ([]model.Passage, error) {
	terms := Terms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	want := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		want[t] = struct{}{}
	}

	var out []model.Passage
	for _, p := range s.passages {
		seen := make(map[string]struct{})
		for _, t := range Terms(p.Content) {
			if _, ok := want[t]; ok {
				seen[t] = struct{}{}
			}
		}
		if len(seen) == 0 {
			continue
		}
		p.Score = float64(len(seen)) / float64(len(want))
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return limit(out, k), nil
}

// stopwords are dropped from keyword queries.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"do": {}, "does": {}, "for": {}, "from": {}, "how": {}, "i": {}, "in": {}, "is": {},
	"it": {}, "of": {}, "on": {}, "or": {}, "the": {}, "this": {}, "to": {}, "was": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "who": {}, "why": {}, "with": {},
}

// Terms lowercases s and splits it into keyword terms, dropping
// punctuation and stopwords. Duplicates are removed; order is preserved.
func Terms(s string) []string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(words))
	out := words[:0]
	for _, w := range words {
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
