// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"fmt"
	"strings"
)

// RenderPrompt folds req.Passages into the prompt text for providers that
// take a single prompt string. Passages are numbered in rank order.
func RenderPrompt(req Request) string {
	if len(req.Passages) == 0 {
		return req.Prompt
	}
	var b strings.Builder
	b.WriteString("Context:\n")
	for i, p := range req.Passages {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, strings.TrimSpace(p.Content))
	}
	b.WriteString("\n")
	b.WriteString(req.Prompt)
	return b.String()
}
