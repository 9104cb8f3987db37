// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-router/internal/telemetry"
)

func newCostsCommand(app *App) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Summarize recorded spend and savings",
		Long: `Summarize the cost sessions recorded by serve, ask and smart. Savings are
measured against sending the same traffic to the top tier of fallback.order.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days < 1 {
				return &ValidationError{Field: "days", Value: fmt.Sprint(days), Reason: "must be at least 1"}
			}
			catalog, err := app.cfg.Catalog()
			if err != nil {
				return &ConfigError{Path: app.configPath, Err: err}
			}
			order, err := app.cfg.FallbackOrder()
			if err != nil {
				return &ConfigError{Path: app.configPath, Err: err}
			}
			tracker, err := telemetry.NewCostTracker(app.cfg.Cost.Dir, catalog[order[len(order)-1]])
			if err != nil {
				return &CommandError{Command: "costs", Action: "open", Reason: "cost storage unavailable", Err: err}
			}

			trends := tracker.Trends(days)
			if app.jsonOutput {
				return app.printJSON("costs", trends)
			}
			app.printTrends(trends)
			return nil
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 7, "number of days to summarize")
	return cmd
}

func (a *App) printTrends(t *telemetry.CostTrends) {
	s := a.styles
	fmt.Fprintln(a.Out, s.Title.Render(fmt.Sprintf("Spend over the last %d days", t.Days)))
	fmt.Fprintln(a.Out, s.Row("Total cost:", formatCost(t.TotalCost)))
	fmt.Fprintln(a.Out, s.Row("Saved:", s.Success.Render(formatCost(t.TotalSaved))))

	if len(t.TierBreakdown) > 0 {
		fmt.Fprintln(a.Out, s.Section.Render("By tier"))
		tiers := make([]string, 0, len(t.TierBreakdown))
		for tier := range t.TierBreakdown {
			tiers = append(tiers, tier)
		}
		sort.Strings(tiers)
		for _, tier := range tiers {
			fmt.Fprintln(a.Out, "  "+s.Row(tier, formatCost(t.TierBreakdown[tier])))
		}
	}
	if len(t.DailyBreakdown) > 0 {
		fmt.Fprintln(a.Out, s.Section.Render("By day"))
		for _, d := range t.DailyBreakdown {
			fmt.Fprintln(a.Out, "  "+s.Row(d.Date.Format("2006-01-02"),
				fmt.Sprintf("%s spent, %s saved, %d queries", formatCost(d.Cost), formatCost(d.Saved), d.QueryCount)))
		}
	}
}
