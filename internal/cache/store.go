// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/jeranaias/rigrun-router/internal/model"
)

// =============================================================================
// TYPES
// =============================================================================

// Level identifies which cache level served an entry.
type Level string

const (
	LevelL1 Level = "L1"
	LevelL2 Level = "L2"
)

// Value is the cached answer payload.
type Value struct {
	Answer        string          `json:"answer"`
	RetrievedDocs []model.Passage `json:"retrieved_docs,omitempty"`
	JudgeScore    float64         `json:"judge_score"`
	ModelUsed     string          `json:"model_used"`
}

// Entry is one stored cache record.
type Entry struct {
	Key       string        `json:"key"`
	Value     Value         `json:"value"`
	Level     Level         `json:"level"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
}

// ExpiresAt returns when the entry stops being served. A zero TTL never
// expires.
func (e Entry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.CreatedAt.Add(e.TTL)
}

// Expired reports whether the entry is past its TTL at now.
func (e Entry) Expired(now time.Time) bool {
	exp := e.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

// Driver names.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
	DriverNone   = "none"
)

// ErrStore matches any cache backend failure with errors.Is.
var ErrStore = errors.New("cache store failure")

// StoreError describes a failed backend operation.
type StoreError struct {
	Driver string
	Op     string
	Err    error
}

func (e *StoreError) Error() string {
	return "cache " + e.Driver + " " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

func storeErr(driver, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Driver: driver, Op: op, Err: err}
}

// Store is one cache level. Implementations must treat expired entries as
// absent.
type Store interface {
	// Name returns the driver name.
	Name() string
	// Get returns the entry for key. found is false on a miss or expiry.
	Get(ctx context.Context, key string) (e Entry, found bool, err error)
	// Set stores e under e.Key, replacing any previous entry.
	Set(ctx context.Context, e Entry) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// Len returns the number of live entries.
	Len(ctx context.Context) (int, error)
	// Close releases the backend.
	Close() error
}
