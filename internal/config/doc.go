// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates the rigrun-router configuration.
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (RIGRUN_*)
//   - The file passed with --config, or ~/.rigrun/router.toml
//   - Built-in defaults
//
// # File Format
//
//	[quality]
//	threshold = 7.0
//	judge_tier = "cloud_fast"
//
//	[fallback]
//	order = ["local", "cloud_fast", "cloud_premium"]
//	cooldown = "30s"
//
//	[[tiers]]
//	id = "local-qwen"
//	tier = "local"
//	provider = "ollama"
//	model = "qwen2.5:7b"
//	endpoint = "http://127.0.0.1:11434"
//
// Unknown keys are rejected.
package config
