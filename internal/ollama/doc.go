// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama is the local-tier provider backed by an Ollama server.
//
// # Usage
//
//	client := ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: "http://127.0.0.1:11434"})
//	gw, err := gateway.New(catalog, map[router.Tier]gateway.Provider{
//	    router.TierLocal: client,
//	})
//
// Client implements gateway.Provider via /api/generate and gateway.Checker
// via /api/tags. Failures come back as *gateway.Error so the fallback
// policy can act on them without knowing about Ollama.
package ollama
