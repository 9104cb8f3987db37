// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// keyVersion is bumped whenever normalization changes so old entries stop
// matching.
const keyVersion = "v1"

var folder = cases.Fold()

// Normalize canonicalizes a query for keying: NFKC, case folded, with runs
// of whitespace collapsed to a single space.
func Normalize(query string) string {
	s := norm.NFKC.String(query)
	s = folder.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Key derives the cache key for a query within a session. Queries that
// differ only in case, width or spacing share a key.
func Key(query, sessionID string) string {
	return NamespacedKey("", query, sessionID)
}

// NamespacedKey is Key within a separate key space, so pipelines that
// answer differently never read each other's entries.
func NamespacedKey(namespace, query, sessionID string) string {
	material := keyVersion + "|"
	if namespace != "" {
		material += namespace + "|"
	}
	material += Normalize(query) + "|" + sessionID
	sum := blake2b.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}
