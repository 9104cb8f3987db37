// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// SHARED STYLES FOR ALL CLI COMMANDS
// =============================================================================

// Styles holds the palette bound to one output. Colors follow the
// renderer's detection of that writer, so pipes, NO_COLOR and test buffers
// get plain text.
type Styles struct {
	Title     lipgloss.Style
	Section   lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Success   lipgloss.Style
	Error     lipgloss.Style
	Warning   lipgloss.Style
	Dim       lipgloss.Style
	Separator lipgloss.Style
	Highlight lipgloss.Style
}

// NewStyles binds the palette to w.
func NewStyles(w io.Writer) *Styles {
	r := lipgloss.NewRenderer(w)
	return &Styles{
		Title:     r.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Section:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("255")).MarginTop(1),
		Label:     r.NewStyle().Foreground(lipgloss.Color("245")).Width(20),
		Value:     r.NewStyle().Foreground(lipgloss.Color("252")),
		Success:   r.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		Error:     r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		Warning:   r.NewStyle().Foreground(lipgloss.Color("214")),
		Dim:       r.NewStyle().Foreground(lipgloss.Color("242")),
		Separator: r.NewStyle().Foreground(lipgloss.Color("240")),
		Highlight: r.NewStyle().Foreground(lipgloss.Color("82")),
	}
}

// =============================================================================
// HELPER FUNCTIONS FOR COMMON PATTERNS
// =============================================================================

// RenderSeparator renders a horizontal rule, 70 wide by default.
func (s *Styles) RenderSeparator(width ...int) string {
	w := 70
	if len(width) > 0 && width[0] > 0 {
		w = width[0]
	}
	return s.Separator.Render(strings.Repeat("=", w))
}

// RenderStatus renders a bracketed status tag.
func (s *Styles) RenderStatus(status string) string {
	switch strings.ToLower(status) {
	case "ok", "pass", "up":
		return s.Success.Render("[OK]")
	case "error", "fail", "down":
		return s.Error.Render("[FAIL]")
	case "warning", "warn", "degraded", "cooling":
		return s.Warning.Render("[WARN]")
	default:
		return s.Dim.Render("[" + strings.ToUpper(status) + "]")
	}
}

// RenderLabel renders a fixed-width label.
func (s *Styles) RenderLabel(label string, width ...int) string {
	if len(width) > 0 && width[0] > 0 {
		return s.Label.Width(width[0]).Render(label)
	}
	return s.Label.Render(label)
}

// Row renders "label value".
func (s *Styles) Row(label, value string) string {
	return s.RenderLabel(label) + s.Value.Render(value)
}
