// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/rigrun-router/internal/logging"
)

// Default level TTLs.
const (
	DefaultL1TTL = time.Hour
	DefaultL2TTL = 24 * time.Hour
)

// Recorder observes cache outcomes. result is "hit" or "miss" for reads and
// "error" for absorbed backend failures.
type Recorder interface {
	ObserveCache(level, result string)
}

// Config configures a Tiered cache.
type Config struct {
	Enabled bool
	L1TTL   time.Duration
	L2TTL   time.Duration
}

// DefaultConfig returns an enabled cache with default TTLs.
func DefaultConfig() Config {
	return Config{Enabled: true, L1TTL: DefaultL1TTL, L2TTL: DefaultL2TTL}
}

// Option configures a Tiered cache.
type Option func(*Tiered)

// WithLogger sets the logger used for absorbed failures.
func WithLogger(l logging.Logger) Option {
	return func(t *Tiered) { t.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(t *Tiered) { t.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tiered) { t.now = now }
}

// Tiered is the L1/L2 write-through cache. Reads and writes share the read
// lock; Clear takes the write lock so no reader observes a half-cleared
// cache.
type Tiered struct {
	mu  sync.RWMutex
	cfg Config

	// fence is set by a Clear that failed on some level. Entries created at
	// or before it are never served.
	fence    time.Time
	l1       Store
	l2       Store
	logger   logging.Logger
	recorder Recorder
	now      func() time.Time

	l1Hits   atomic.Int64
	l2Hits   atomic.Int64
	misses   atomic.Int64
	writes   atomic.Int64
	failures atomic.Int64
}

// NewTiered creates a cache over l1 and l2. Either level may be nil.
func NewTiered(cfg Config, l1, l2 Store, opts ...Option) *Tiered {
	if cfg.L1TTL < 0 {
		cfg.L1TTL = 0
	}
	if cfg.L2TTL < 0 {
		cfg.L2TTL = 0
	}
	t := &Tiered{
		cfg:    cfg,
		l1:     l1,
		l2:     l2,
		logger: logging.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "cache")
	return t
}

// Enabled reports whether the cache serves reads and writes.
func (t *Tiered) Enabled() bool {
	return t.cfg.Enabled && (t.l1 != nil || t.l2 != nil)
}

// Get looks key up in L1 then L2. An L2 hit is promoted into L1 with the L1
// TTL. Backend errors count as a miss.
func (t *Tiered) Get(ctx context.Context, key string) (Entry, bool) {
	if !t.Enabled() {
		return Entry{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	if e, ok := t.lookup(ctx, t.l1, LevelL1, key, now); ok {
		t.l1Hits.Add(1)
		t.observe(LevelL1, "hit")
		return e, true
	}
	if t.l1 != nil {
		t.observe(LevelL1, "miss")
	}

	e, ok := t.lookup(ctx, t.l2, LevelL2, key, now)
	if !ok {
		if t.l2 != nil {
			t.observe(LevelL2, "miss")
		}
		t.misses.Add(1)
		return Entry{}, false
	}
	t.l2Hits.Add(1)
	t.observe(LevelL2, "hit")

	if t.l1 != nil {
		promoted := Entry{Key: key, Value: e.Value, Level: LevelL1, CreatedAt: now, TTL: t.cfg.L1TTL}
		if err := t.l1.Set(ctx, promoted); err != nil {
			t.absorb(LevelL1, "promote", err)
		}
	}
	return e, true
}

func (t *Tiered) lookup(ctx context.Context, s Store, level Level, key string, now time.Time) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	e, ok, err := s.Get(ctx, key)
	if err != nil {
		t.absorb(level, "get", err)
		return Entry{}, false
	}
	if !ok || e.Expired(now) || t.fenced(e) {
		return Entry{}, false
	}
	e.Key = key
	e.Level = level
	return e, true
}

// Put writes v to both levels. Failures are logged and dropped.
func (t *Tiered) Put(ctx context.Context, key string, v Value) {
	if !t.Enabled() {
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	if t.l1 != nil {
		if err := t.l1.Set(ctx, Entry{Key: key, Value: v, Level: LevelL1, CreatedAt: now, TTL: t.cfg.L1TTL}); err != nil {
			t.absorb(LevelL1, "set", err)
		}
	}
	if t.l2 != nil {
		if err := t.l2.Set(ctx, Entry{Key: key, Value: v, Level: LevelL2, CreatedAt: now, TTL: t.cfg.L2TTL}); err != nil {
			t.absorb(LevelL2, "set", err)
		}
	}
	t.writes.Add(1)
}

// Clear empties L1 then L2, attempting both. If either fails the joined
// error is returned and everything written before the call stays fenced
// off, so a failed level can hold stale rows but never serve them. Unlike
// reads and writes, Clear surfaces backend failures.
func (t *Tiered) Clear(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	fence := t.now()
	var errs []error
	for _, lv := range []struct {
		level Level
		store Store
	}{{LevelL1, t.l1}, {LevelL2, t.l2}} {
		if lv.store == nil {
			continue
		}
		if err := lv.store.Clear(ctx); err != nil {
			t.logger.Warn("cache clear failed", "level", lv.level, "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		t.fence = fence
		return errors.Join(errs...)
	}
	t.fence = time.Time{}
	t.logger.Info("cache cleared")
	return nil
}

func (t *Tiered) fenced(e Entry) bool {
	return !t.fence.IsZero() && !e.CreatedAt.After(t.fence)
}

// LevelStats describes one level.
type LevelStats struct {
	Driver  string `json:"driver"`
	Entries int    `json:"entries"`
	Hits    int64  `json:"hits"`
	TTL     string `json:"ttl"`
	Error   string `json:"error,omitempty"`
}

// Stats is a cache snapshot.
type Stats struct {
	Enabled  bool          `json:"enabled"`
	L1       *LevelStats   `json:"l1,omitempty"`
	L2       *LevelStats   `json:"l2,omitempty"`
	Quality  *QualityStats `json:"quality,omitempty"`
	Misses   int64         `json:"misses"`
	Writes   int64         `json:"writes"`
	Failures int64         `json:"failures"`
	HitRate  float64       `json:"hit_rate"`
}

// Stats reports entry counts and counters. A level whose count cannot be
// read reports the error instead.
func (t *Tiered) Stats(ctx context.Context) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st := Stats{
		Enabled:  t.Enabled(),
		Misses:   t.misses.Load(),
		Writes:   t.writes.Load(),
		Failures: t.failures.Load(),
	}
	st.L1 = t.levelStats(ctx, LevelL1, t.l1, t.l1Hits.Load(), t.cfg.L1TTL)
	st.L2 = t.levelStats(ctx, LevelL2, t.l2, t.l2Hits.Load(), t.cfg.L2TTL)

	if q, ok := t.l2.(qualityReporter); ok {
		if qs, err := q.Quality(ctx); err == nil {
			st.Quality = &qs
		}
	}

	hits := t.l1Hits.Load() + t.l2Hits.Load()
	if total := hits + st.Misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	return st
}

// errLevelUnavailable is what Stats reports for a level it cannot count.
// The backend error goes to the log.
const errLevelUnavailable = "unavailable"

func (t *Tiered) levelStats(ctx context.Context, level Level, s Store, hits int64, ttl time.Duration) *LevelStats {
	if s == nil {
		return nil
	}
	ls := &LevelStats{Driver: s.Name(), Hits: hits, TTL: ttl.String()}
	n, err := s.Len(ctx)
	if err != nil {
		t.logger.Warn("cache stats unavailable", "level", level, "error", err)
		ls.Error = errLevelUnavailable
	}
	ls.Entries = n
	return ls
}

type qualityReporter interface {
	Quality(ctx context.Context) (QualityStats, error)
}

// Close closes both levels.
func (t *Tiered) Close() error {
	var errs []error
	if t.l1 != nil {
		errs = append(errs, t.l1.Close())
	}
	if t.l2 != nil {
		errs = append(errs, t.l2.Close())
	}
	return errors.Join(errs...)
}

func (t *Tiered) absorb(level Level, op string, err error) {
	t.failures.Add(1)
	t.observe(level, "error")
	t.logger.Warn("cache backend failure absorbed", "level", level, "op", op, "error", err)
}

func (t *Tiered) observe(level Level, result string) {
	if t.recorder != nil {
		t.recorder.ObserveCache(string(level), result)
	}
}
