// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-router/internal/model"
	"github.com/jeranaias/rigrun-router/internal/util"
)

// FileStore appends interactions as JSON lines to a single file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// DefaultFilePath returns ~/.rigrun/interactions.jsonl.
func DefaultFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".rigrun", "interactions.jsonl"), nil
}

// NewFileStore creates a store writing to path.
func NewFileStore(path string) (*FileStore, error) {
	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, storeErr("file", "open", err)
	}
	return &FileStore{path: path}, nil
}

// Append writes rec as one line and syncs the file.
func (s *FileStore) Append(_ context.Context, rec model.Interaction) error {
	ensureID(&rec)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return storeErr("file", "encode", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return storeErr("file", "append", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return storeErr("file", "append", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return storeErr("file", "sync", err)
	}
	return storeErr("file", "close", f.Close())
}

// List reads the file and keeps owner's records. A torn final line from a
// crash mid-write is skipped.
func (s *FileStore) List(_ context.Context, owner model.Owner, limit int) ([]model.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("file", "list", err)
	}
	defer f.Close()

	var out []model.Interaction
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var rec model.Interaction
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Matches(owner) {
			out = append(out, rec)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, storeErr("file", "list", err)
	}
	return tail(out, limit), nil
}

// Close is a no-op; the file is opened per write.
func (s *FileStore) Close() error { return nil }
