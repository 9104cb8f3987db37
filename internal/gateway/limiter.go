// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"context"
	"math"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// limiter applies per-tier backpressure: a weighted semaphore bounds
// in-flight calls and a token bucket bounds the request rate. Zero values
// disable either half.
type limiter struct {
	sem    *semaphore.Weighted
	rate   *rate.Limiter
	active atomic.Int64
}

func newLimiter(maxConcurrency int, rps float64) *limiter {
	l := &limiter{}
	if maxConcurrency > 0 {
		l.sem = semaphore.NewWeighted(int64(maxConcurrency))
	}
	if rps > 0 {
		burst := int(math.Ceil(rps))
		if burst < 1 {
			burst = 1
		}
		l.rate = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return l
}

// acquire waits for a slot. The returned release func must be called once
// the call completes.
func (l *limiter) acquire(ctx context.Context) (func(), error) {
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, NewError(KindTimeout, "", "waiting for rate limit", ctx.Err())
			}
			// Wait fails early when the deadline cannot accommodate the
			// next token.
			return nil, NewError(KindRateLimited, "", "rate limit exceeded", err)
		}
	}
	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return nil, NewError(KindTimeout, "", "waiting for a concurrency slot", err)
		}
	}
	l.active.Add(1)
	return func() {
		l.active.Add(-1)
		if l.sem != nil {
			l.sem.Release(1)
		}
	}, nil
}

func (l *limiter) inFlight() int64 {
	return l.active.Load()
}
