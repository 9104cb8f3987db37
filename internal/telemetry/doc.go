// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry provides metrics and cost tracking for rigrun-router.
//
// Metrics implements the recorder interfaces of the gateway, the cache and
// the orchestrators and exposes them on a private prometheus registry.
// CostTracker accumulates per-tier token usage and spend, including what
// the same traffic would have cost on the premium tier, and persists one
// summary per day.
//
// # Usage
//
//	m := telemetry.NewMetrics()
//	gw, _ := gateway.New(catalog, providers, gateway.WithRecorder(m))
//	mux.Handle("/metrics", m.Handler())
//
//	tracker, _ := telemetry.NewCostTracker(dir, premiumDescriptor)
//	tracker.Record(telemetry.Usage{Tier: "local", InputTokens: 120, OutputTokens: 80})
package telemetry
