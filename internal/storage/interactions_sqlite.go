// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-router/internal/model"
)

const interactionsSchema = `
CREATE TABLE IF NOT EXISTS interactions (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    user_id     TEXT NOT NULL DEFAULT '',
    session_id  TEXT NOT NULL DEFAULT '',
    query       TEXT NOT NULL,
    answer      TEXT NOT NULL,
    model_used  TEXT NOT NULL DEFAULT '',
    judge_score REAL NOT NULL,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interactions_user ON interactions(user_id);
CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id);
`

// SQLiteStore persists interactions in an "interactions" table.
type SQLiteStore struct {
	db     *sql.DB
	ownsDB bool
}

// OpenSQLiteStore opens the database at path and prepares the schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, storeErr("sqlite", "open", err)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLiteStore uses an already open database. The caller keeps ownership
// of db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(interactionsSchema); err != nil {
		return nil, storeErr("sqlite", "init schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append inserts rec.
func (s *SQLiteStore) Append(ctx context.Context, rec model.Interaction) error {
	ensureID(&rec)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (id, user_id, session_id, query, answer, model_used, judge_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.SessionID, rec.Query, rec.Answer, rec.ModelUsed, rec.JudgeScore,
		rec.CreatedAt.UnixNano())
	return storeErr("sqlite", "append", err)
}

// List returns owner's records oldest first.
func (s *SQLiteStore) List(ctx context.Context, owner model.Owner, limit int) ([]model.Interaction, error) {
	var (
		where []string
		args  []any
	)
	if owner.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, owner.UserID)
	}
	if owner.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, owner.SessionID)
	}
	q := "SELECT id, user_id, session_id, query, answer, model_used, judge_score, created_at FROM interactions"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("sqlite", "list", err)
	}
	defer rows.Close()

	var out []model.Interaction
	for rows.Next() {
		var (
			rec     model.Interaction
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.SessionID, &rec.Query, &rec.Answer,
			&rec.ModelUsed, &rec.JudgeScore, &created); err != nil {
			return nil, storeErr("sqlite", "scan", err)
		}
		rec.CreatedAt = time.Unix(0, created)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("sqlite", "list", err)
	}

	// Reverse to oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Count returns the total number of stored interactions.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM interactions").Scan(&n); err != nil {
		return 0, storeErr("sqlite", "count", err)
	}
	return n, nil
}

// Close closes the database if the store opened it.
func (s *SQLiteStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
