// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jeranaias/rigrun-router/internal/storage"
)

const responseCacheSchema = `
CREATE TABLE IF NOT EXISTS response_cache (
    key          TEXT PRIMARY KEY,
    value        TEXT NOT NULL,
    model_used   TEXT NOT NULL DEFAULT '',
    judge_score  REAL NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL,
    expires_at   INTEGER NOT NULL DEFAULT 0,
    access_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_response_cache_expires ON response_cache(expires_at);
`

// SQLiteStore is the durable L2 backed by a response_cache table.
type SQLiteStore struct {
	db     *sql.DB
	ownsDB bool
	now    func() time.Time
}

// OpenSQLite opens the cache database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := storage.OpenSQLite(path)
	if err != nil {
		return nil, storeErr(DriverSQLite, "open", err)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLiteStore uses an already open database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(responseCacheSchema); err != nil {
		return nil, storeErr(DriverSQLite, "init schema", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Name implements Store.
func (s *SQLiteStore) Name() string { return DriverSQLite }

// Get implements Store and bumps the access counter on a hit.
func (s *SQLiteStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	var (
		raw       string
		createdAt int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, created_at, expires_at FROM response_cache WHERE key = ?`, key,
	).Scan(&raw, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, storeErr(DriverSQLite, "get", err)
	}

	now := s.now()
	if expiresAt > 0 && now.UnixNano() >= expiresAt {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM response_cache WHERE key = ?`, key); err != nil {
			return Entry{}, false, storeErr(DriverSQLite, "expire", err)
		}
		return Entry{}, false, nil
	}

	var v Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Entry{}, false, storeErr(DriverSQLite, "decode", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE response_cache SET access_count = access_count + 1 WHERE key = ?`, key); err != nil {
		return Entry{}, false, storeErr(DriverSQLite, "touch", err)
	}

	e := Entry{Key: key, Value: v, CreatedAt: time.Unix(0, createdAt)}
	if expiresAt > 0 {
		e.TTL = time.Duration(expiresAt - createdAt)
	}
	return e, true, nil
}

// Set implements Store.
func (s *SQLiteStore) Set(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e.Value)
	if err != nil {
		return storeErr(DriverSQLite, "encode", err)
	}
	var expiresAt int64
	if exp := e.ExpiresAt(); !exp.IsZero() {
		expiresAt = exp.UnixNano()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO response_cache (key, value, model_used, judge_score, created_at, expires_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			model_used = excluded.model_used,
			judge_score = excluded.judge_score,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		e.Key, string(raw), e.Value.ModelUsed, e.Value.JudgeScore, e.CreatedAt.UnixNano(), expiresAt)
	return storeErr(DriverSQLite, "set", err)
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM response_cache`)
	return storeErr(DriverSQLite, "clear", err)
}

// Len implements Store.
func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM response_cache WHERE expires_at = 0 OR expires_at > ?`,
		s.now().UnixNano()).Scan(&n)
	if err != nil {
		return 0, storeErr(DriverSQLite, "len", err)
	}
	return n, nil
}

// QualityStats summarizes what the durable level holds.
type QualityStats struct {
	Entries       int     `json:"entries"`
	TotalAccesses int64   `json:"total_accesses"`
	AvgJudgeScore float64 `json:"avg_judge_score"`
}

// Quality reports access and judge-score aggregates over live entries.
func (s *SQLiteStore) Quality(ctx context.Context) (QualityStats, error) {
	var (
		q   QualityStats
		avg sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(access_count), 0), AVG(judge_score)
		FROM response_cache WHERE expires_at = 0 OR expires_at > ?`,
		s.now().UnixNano()).Scan(&q.Entries, &q.TotalAccesses, &avg)
	if err != nil {
		return QualityStats{}, storeErr(DriverSQLite, "quality", err)
	}
	q.AvgJudgeScore = avg.Float64
	return q, nil
}

// Close closes the database if the store opened it.
func (s *SQLiteStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
