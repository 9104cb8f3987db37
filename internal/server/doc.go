// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the router engine over a JSON HTTP API.
//
// # Endpoints
//
//   - POST /v1/query        - conversational pipeline with retrieval and memory
//   - POST /v1/query/smart  - cost-aware routing by complexity and objective
//   - POST /v1/cache/clear  - empty both cache levels
//   - GET  /v1/cache/stats  - cache counters and entry counts
//   - GET  /v1/evaluations  - retrieval and answer quality of recent runs
//   - GET  /health          - per-tier probe and availability report
//   - GET  /metrics         - Prometheus metrics
//
// Errors use one envelope:
//
//	{"error": {"message": "query is empty", "type": "invalid_request_error", "code": 400}}
//
// Provider and backend errors are logged with the request ID and reported
// to the client only by type.
//
// # Middleware
//
// Requests pass, outermost first, through panic recovery, request IDs,
// access logging, security headers, a per-IP token bucket and optional
// bearer-token auth on /v1 routes.
//
// # Usage
//
//	srv := server.New(eng, server.Config{
//		Addr:           cfg.Server.Addr,
//		RateLimitRPS:   cfg.Server.RateLimitRPS,
//		RateLimitBurst: cfg.Server.RateLimitBurst,
//		RequestTimeout: cfg.Server.RequestTimeout.Duration,
//		Metrics:        eng.Metrics().Handler(),
//	})
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
