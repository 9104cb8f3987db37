// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router classifies query complexity and picks the starting model
// tier for a request.
//
// Tiers are totally ordered by cost: local < cloud_fast < cloud_premium.
// Classification is a pure function of the query text so routing decisions
// are reproducible and testable without network access.
package router
