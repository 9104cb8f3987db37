// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"database/sql"
	"fmt"
	"path/filepath"

	// Pure-Go SQLite driver registered as "sqlite".
	_ "modernc.org/sqlite"

	"github.com/jeranaias/rigrun-router/internal/util"
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// OpenSQLite opens (creating if needed) the SQLite database at path and
// applies the connection settings every durable component shares. SQLite
// allows a single writer, so the pool is pinned to one connection; this
// also keeps an in-memory database alive for the pool's lifetime.
func OpenSQLite(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: empty database path")
	}
	if path != MemoryDSN {
		if err := util.EnsureDir(filepath.Dir(path)); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}
	return db, nil
}
