// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemorySize bounds the in-process L1.
const DefaultMemorySize = 1000

// MemoryStore is a size-bounded LRU held in process memory. Expiry is
// checked lazily on read.
type MemoryStore struct {
	lru *lru.Cache[string, Entry]
	now func() time.Time
}

// NewMemoryStore creates an LRU holding up to size entries.
func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	c, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, storeErr(DriverMemory, "open", err)
	}
	return &MemoryStore{lru: c, now: time.Now}, nil
}

// Name implements Store.
func (s *MemoryStore) Name() string { return DriverMemory }

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	e, ok := s.lru.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	if e.Expired(s.now()) {
		s.lru.Remove(key)
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, e Entry) error {
	s.lru.Add(e.Key, e)
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(context.Context) error {
	s.lru.Purge()
	return nil
}

// Len implements Store. Expired entries not yet read still count.
func (s *MemoryStore) Len(context.Context) (int, error) {
	return s.lru.Len(), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
