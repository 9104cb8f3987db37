// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/jeranaias/rigrun-router/internal/logging"
	"github.com/jeranaias/rigrun-router/internal/model"
)

const (
	badgerPrefix       = "interaction/"
	badgerSequenceKey  = "seq/interaction"
	badgerSeqBandwidth = 100
)

// badgerLogger routes badger's printf-style logging to our logger.
type badgerLogger struct {
	l logging.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (b *badgerLogger) Errorf(msg string, items ...any)   { b.l.Error(fmt.Sprintf(msg, items...)) }
func (b *badgerLogger) Warningf(msg string, items ...any) { b.l.Warn(fmt.Sprintf(msg, items...)) }
func (b *badgerLogger) Infof(msg string, items ...any)    { b.l.Debug(fmt.Sprintf(msg, items...)) }
func (b *badgerLogger) Debugf(msg string, items ...any)   { b.l.Debug(fmt.Sprintf(msg, items...)) }

// BadgerStore persists interactions in a Badger key-value database. Keys are
// a fixed-width sequence number so iteration order is insertion order.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// OpenBadgerStore opens the database in dir. An empty dir opens an
// in-memory instance.
func OpenBadgerStore(dir string, logger logging.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storeErr("badger", "open", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &badgerLogger{l: logger.With("component", "badger")}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, storeErr("badger", "open", err)
	}
	seq, err := db.GetSequence([]byte(badgerSequenceKey), badgerSeqBandwidth)
	if err != nil {
		db.Close()
		return nil, storeErr("badger", "sequence", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

// Append writes rec under the next sequence key.
func (s *BadgerStore) Append(_ context.Context, rec model.Interaction) error {
	ensureID(&rec)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	n, err := s.seq.Next()
	if err != nil {
		return storeErr("badger", "sequence", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return storeErr("badger", "encode", err)
	}
	key := []byte(fmt.Sprintf("%s%020d", badgerPrefix, n))
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	return storeErr("badger", "append", err)
}

// List scans all records in insertion order and keeps owner's.
func (s *BadgerStore) List(_ context.Context, owner model.Owner, limit int) ([]model.Interaction, error) {
	var out []model.Interaction
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec model.Interaction
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if rec.Matches(owner) {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("badger", "list", err)
	}
	return tail(out, limit), nil
}

// Close releases the sequence and closes the database.
func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return storeErr("badger", "close", err)
	}
	return storeErr("badger", "close", s.db.Close())
}
