// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-router/internal/cache"
)

func newCacheCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the response cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show cache counters and entry counts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				eng, err := app.openEngine(cmd.Context())
				if err != nil {
					return err
				}
				defer app.closeEngine(eng)

				stats := eng.CacheStats(cmd.Context())
				if app.jsonOutput {
					return app.printJSON("cache stats", stats)
				}
				fmt.Fprintln(app.Out, app.styles.Title.Render("Cache"))
				app.printCacheStats(stats)
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every cached response from both levels",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				eng, err := app.openEngine(cmd.Context())
				if err != nil {
					return err
				}
				defer app.closeEngine(eng)

				if err := eng.ClearCache(cmd.Context()); err != nil {
					return &CommandError{Command: "cache", Action: "clear", Reason: "a cache level could not be cleared", Err: err}
				}
				if app.jsonOutput {
					return app.printJSON("cache clear", map[string]string{"status": "ok"})
				}
				fmt.Fprintln(app.Out, app.styles.Success.Render("[OK]")+" cache cleared")
				return nil
			},
		},
	)
	return cmd
}

func (a *App) printCacheStats(st cache.Stats) {
	s := a.styles
	if !st.Enabled {
		fmt.Fprintln(a.Out, s.Row("Enabled:", "no"))
		return
	}
	for _, lvl := range []struct {
		name  string
		stats *cache.LevelStats
	}{{"L1:", st.L1}, {"L2:", st.L2}} {
		if lvl.stats == nil {
			fmt.Fprintln(a.Out, s.Row(lvl.name, "none"))
			continue
		}
		line := fmt.Sprintf("%s, %d entries, %d hits, ttl %s", lvl.stats.Driver, lvl.stats.Entries, lvl.stats.Hits, lvl.stats.TTL)
		if lvl.stats.Error != "" {
			line += " " + s.Warning.Render("("+lvl.stats.Error+")")
		}
		fmt.Fprintln(a.Out, s.Row(lvl.name, line))
	}
	fmt.Fprintln(a.Out, s.Row("Hit rate:", formatPercent(st.HitRate)))
	fmt.Fprintln(a.Out, s.Row("Misses:", fmt.Sprint(st.Misses)))
	fmt.Fprintln(a.Out, s.Row("Writes:", fmt.Sprint(st.Writes)))
	if st.Failures > 0 {
		fmt.Fprintln(a.Out, s.Row("Failures:", s.Warning.Render(fmt.Sprint(st.Failures))))
	}
	if q := st.Quality; q != nil {
		fmt.Fprintln(a.Out, s.Row("Avg judge:", fmt.Sprintf("%.2f over %d accesses", q.AvgJudgeScore, q.TotalAccesses)))
	}
}
