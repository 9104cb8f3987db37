// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jeranaias/rigrun-router/internal/model"
	"github.com/jeranaias/rigrun-router/internal/storage"
)

const passagesSchema = `
CREATE TABLE IF NOT EXISTS passages (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    ref     TEXT NOT NULL UNIQUE,
    content TEXT NOT NULL,
    source  TEXT NOT NULL DEFAULT ''
);

CREATE VIRTUAL TABLE IF NOT EXISTS passages_fts USING fts5(
    content,
    content='passages',
    content_rowid='id',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS passages_ai AFTER INSERT ON passages BEGIN
    INSERT INTO passages_fts(rowid, content) VALUES (new.id, new.content);
END;

CREATE TRIGGER IF NOT EXISTS passages_ad AFTER DELETE ON passages BEGIN
    INSERT INTO passages_fts(passages_fts, rowid, content) VALUES ('delete', old.id, old.content);
END;
`

// SQLiteRetriever ranks passages stored in SQLite with FTS5 bm25.
type SQLiteRetriever struct {
	db *sql.DB
}

// OpenSQLite opens or creates the passage database at path.
func OpenSQLite(path string) (*SQLiteRetriever, error) {
	db, err := storage.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(passagesSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init passage schema: %w", err)
	}
	return &SQLiteRetriever{db: db}, nil
}

// Add stores passages. An empty ID is assigned; an existing ID is
// replaced.
func (s *SQLiteRetriever) Add(ctx context.Context, passages ...model.Passage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, p := range passages {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM passages WHERE ref = ?`, p.ID); err != nil {
			return fmt.Errorf("replace passage %s: %w", p.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO passages (ref, content, source) VALUES (?, ?, ?)`,
			p.ID, p.Content, p.Source); err != nil {
			return fmt.Errorf("insert passage %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// Retrieve implements Retriever. Any query term may match.
func (s *SQLiteRetriever) Retrieve(ctx context.Context, query string, k int) ([]model.Passage, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.ref, p.content, p.source, passages_fts.rank
		FROM passages_fts
		JOIN passages p ON p.id = passages_fts.rowid
		WHERE passages_fts MATCH ?
		ORDER BY passages_fts.rank
		LIMIT ?`, match, k)
	if err != nil {
		return nil, fmt.Errorf("search passages: %w", err)
	}
	defer rows.Close()

	var out []model.Passage
	for rows.Next() {
		var (
			p    model.Passage
			rank float64
		)
		if err := rows.Scan(&p.ID, &p.Content, &p.Source, &rank); err != nil {
			return nil, fmt.Errorf("scan passage: %w", err)
		}
		// bm25 rank is negative; smaller is better.
		p.Score = -rank
		out = append(out, p)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteRetriever) Close() error {
	return s.db.Close()
}

// ftsQuery quotes each keyword so FTS5 operators in user text are inert.
func ftsQuery(query string) string {
	terms := Terms(query)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}
