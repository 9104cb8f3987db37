// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/jeranaias/rigrun-router/internal/model"
)

// RetryConfig bounds retries of transient store failures.
type RetryConfig struct {
	Attempts uint64
	Base     time.Duration
	Max      time.Duration
}

// DefaultRetryConfig retries three times starting at 20ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, Base: 20 * time.Millisecond, Max: 500 * time.Millisecond}
}

// retryingStore retries Append on transient errors. List is not retried:
// reads are cheap to repeat at the caller.
type retryingStore struct {
	LongTermStore
	cfg RetryConfig
}

// WithRetry wraps s so that Append retries lock contention and transaction
// conflicts with exponential backoff.
func WithRetry(s LongTermStore, cfg RetryConfig) LongTermStore {
	if cfg.Attempts == 0 {
		return s
	}
	if cfg.Base <= 0 {
		cfg.Base = DefaultRetryConfig().Base
	}
	return &retryingStore{LongTermStore: s, cfg: cfg}
}

func (r *retryingStore) backoff() retry.Backoff {
	b := retry.NewExponential(r.cfg.Base)
	if r.cfg.Max > 0 {
		b = retry.WithCappedDuration(r.cfg.Max, b)
	}
	return retry.WithMaxRetries(r.cfg.Attempts, b)
}

// Append retries the wrapped Append.
func (r *retryingStore) Append(ctx context.Context, rec model.Interaction) error {
	// Fix the ID up front so a retried insert cannot duplicate the record
	// under a second ID.
	ensureID(&rec)
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		err := r.LongTermStore.Append(ctx, rec)
		if IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
