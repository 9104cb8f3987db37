// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-router/internal/engine"
)

// errAllTiersDown is returned by health when no tier can serve.
var errAllTiersDown = errors.New("every tier is down")

func newHealthCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "health",
		Aliases: []string{"status", "s"},
		Short:   "Probe every tier and report availability",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := app.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer app.closeEngine(eng)

			report := eng.Health(cmd.Context())
			if app.jsonOutput {
				if err := app.printJSON("health", report); err != nil {
					return err
				}
			} else {
				app.printHealth(report)
			}
			if report.Status == engine.StatusDown {
				return errAllTiersDown
			}
			return nil
		},
	}
}

func (a *App) printHealth(report engine.HealthReport) {
	s := a.styles
	fmt.Fprintln(a.Out, s.Title.Render("rigrun-router health"))
	fmt.Fprintln(a.Out, s.RenderSeparator())
	fmt.Fprintln(a.Out, s.RenderLabel("Overall:")+s.RenderStatus(report.Status)+" "+report.Status)

	fmt.Fprintln(a.Out, s.Section.Render("Tiers"))
	for _, th := range report.Tiers {
		state := "ok"
		detail := fmt.Sprintf("%s %s/%s", th.ModelID, th.Provider, th.Model)
		switch {
		case !th.Reachable:
			state = "down"
			detail += " (" + th.Error + ")"
		case !th.Available:
			state = "cooling"
			detail += fmt.Sprintf(" (cooling down until %s after %d failures)",
				th.CooldownUntil.Format(time.TimeOnly), th.ConsecutiveFailures)
		}
		fmt.Fprintf(a.Out, "  %s %s %s\n", s.RenderStatus(state), s.RenderLabel(th.Tier.String(), 16), s.Dim.Render(detail))
	}

	fmt.Fprintln(a.Out, s.Section.Render("Cache"))
	a.printCacheStats(report.Cache)
	fmt.Fprintln(a.Out, s.Row("Sessions:", fmt.Sprint(report.Sessions)))
}
