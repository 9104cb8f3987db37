// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"strings"

	"github.com/jeranaias/rigrun-router/internal/model"
	"github.com/jeranaias/rigrun-router/internal/util"
)

const systemPrompt = "You are a helpful assistant. Use the provided context when it is relevant " +
	"and say so when it does not contain the answer. Be concise and accurate."

// BuildPrompt renders the user prompt with recent conversation history.
// Each turn is cut to 100 runes.
func BuildPrompt(query string, history []model.Turn) string {
	if len(history) == 0 {
		return query
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, t := range history {
		b.WriteString(t.Role.String())
		b.WriteString(": ")
		b.WriteString(util.TruncateRunes(strings.TrimSpace(t.Content), historyRunes))
		b.WriteByte('\n')
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	return b.String()
}

// TrimPassages returns copies of passages with content cut to maxRunes.
func TrimPassages(passages []model.Passage, maxRunes int) []model.Passage {
	if len(passages) == 0 {
		return nil
	}
	out := make([]model.Passage, len(passages))
	for i, p := range passages {
		p.Content = util.TruncateRunes(p.Content, maxRunes)
		out[i] = p
	}
	return out
}
