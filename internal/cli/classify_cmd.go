// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-router/internal/model"
	"github.com/jeranaias/rigrun-router/internal/router"
)

// ClassifyResult is what classify prints.
type ClassifyResult struct {
	Query    string          `json:"query"`
	Analysis router.Analysis `json:"analysis"`
	Decision router.Decision `json:"decision"`
	Model    string          `json:"model"`
	// EstimatedCost is the starting tier's cost for the estimated output.
	EstimatedCost float64 `json:"estimated_cost_usd"`
}

// newClassifyCommand scores a query and reports the starting tier without
// contacting any provider.
func newClassifyCommand(app *App) *cobra.Command {
	var optimizeFor string
	cmd := &cobra.Command{
		Use:     "classify <query>",
		Short:   "Score a query's complexity and show where it would be routed",
		Example: `  rigrun-router classify "explain step by step how TCP congestion control works"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := queryArg(args)
			if err != nil {
				return err
			}
			objective, err := model.ParseOptimizeFor(optimizeFor)
			if err != nil {
				return &ValidationError{Field: "optimize-for", Value: optimizeFor, Reason: "unknown objective"}
			}
			catalog, err := app.cfg.Catalog()
			if err != nil {
				return &ConfigError{Path: app.configPath, Err: err}
			}

			analysis := router.Analyze(text)
			decision := router.NewSelector(catalog, app.cfg.Thresholds()).Select(analysis.Score, objective, nil)
			desc := catalog[decision.Tier]
			res := ClassifyResult{
				Query:         text,
				Analysis:      analysis,
				Decision:      decision,
				Model:         desc.ID,
				EstimatedCost: desc.EstimateCost(analysis.WordCount, analysis.EstimatedTokensOut),
			}
			if app.jsonOutput {
				return app.printJSON("classify", res)
			}
			app.printClassify(res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&optimizeFor, "optimize-for", "o", string(model.OptimizeBalanced), "cost, speed, quality or balanced")
	return cmd
}

func (a *App) printClassify(res ClassifyResult) {
	s := a.styles
	f := res.Analysis.Features
	fmt.Fprintln(a.Out, s.Row("Complexity:", fmt.Sprintf("%.2f (%s)", res.Analysis.Score, res.Analysis.Difficulty)))
	fmt.Fprintln(a.Out, s.Row("Features:", fmt.Sprintf("length %.2f, reasoning %.2f, technical %.2f, structure %.2f, multi-step %.2f",
		f.Length, f.Reasoning, f.Technical, f.Structure, f.MultiStep)))
	fmt.Fprintln(a.Out, s.Row("Words:", fmt.Sprintf("%d (about %d tokens out)", res.Analysis.WordCount, res.Analysis.EstimatedTokensOut)))
	fmt.Fprintln(a.Out, s.Row("Tier:", s.Highlight.Render(res.Decision.Tier.String())+" "+s.Dim.Render(res.Model)))
	fmt.Fprintln(a.Out, s.Row("Reason:", res.Decision.Reason))
	fmt.Fprintln(a.Out, s.Row("Est. cost:", formatCost(res.EstimatedCost)))
}
