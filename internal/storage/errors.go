// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"errors"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// ErrStore matches any backend failure with errors.Is.
var ErrStore = errors.New("store failure")

// StoreError describes a failed backend operation.
type StoreError struct {
	Backend string
	Op      string
	Err     error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return e.Backend + " " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the backend error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is reports ErrStore equivalence.
func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

func storeErr(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Backend: backend, Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying: lock contention in
// SQLite or a transaction conflict in Badger.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, badger.ErrConflict) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}
