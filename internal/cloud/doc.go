// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the paid-tier providers.
//
// # Key Types
//
//   - OpenRouterClient: direct client for the OpenRouter chat completions API
//   - LangChainProvider: any OpenAI-compatible endpoint (OpenAI, Groq) through langchaingo
//
// Both implement gateway.Provider. Neither retries: a failed call is
// reported once with its FailureKind and the fallback policy decides
// whether to escalate.
//
// # Security
//
// API keys are never logged. Log lines carry a short SHA-256 fingerprint
// of the key instead.
package cloud
