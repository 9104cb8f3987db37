// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the rigrun-router command tree.
//
// # Commands
//
//   - serve: run the HTTP API
//   - ask: answer a query with the conversational pipeline
//   - smart: answer a query with cost-aware routing (--optimize-for)
//   - health: probe every tier
//   - cache stats, cache clear: inspect or empty the response cache
//   - classify: score a query and show its starting tier offline
//   - costs: summarize recorded spend and savings
//   - config show, path, init, validate: configuration
//
// Global flags are --config, --log-level, --log-json and --json. Every
// command supports --json, which wraps its output in a JSONResponse.
//
// # Exit codes
//
// Usage errors exit 2, config errors 3, unreachable providers 5, timeouts 8
// and degraded answers 9. See GetExitCode.
package cli
