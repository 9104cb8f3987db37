// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared by the router packages: atomic file
// writes, rune-safe truncation and rough token accounting.
package util
