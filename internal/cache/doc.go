// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache provides the two-level response cache: a fast L1 (process
// memory or redis) in front of a durable L2 (sqlite or redis).
//
// Writes go to both levels. A hit found only in L2 is copied into L1.
// Backend failures never fail a request: reads degrade to a miss and
// writes to a no-op, each logged at warn level.
package cache
