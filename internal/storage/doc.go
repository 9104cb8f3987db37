// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the durable backends behind long-term memory and
// the shared SQLite connection setup.
//
// Long-term stores are append-only: records are written once and never
// updated or deleted by normal operation.
package storage
