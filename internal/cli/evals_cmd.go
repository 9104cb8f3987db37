// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-router/internal/telemetry"
)

func newEvalsCommand(app *App) *cobra.Command {
	var last int
	cmd := &cobra.Command{
		Use:   "evals",
		Short: "Summarize retrieval and answer quality of recent runs",
		Long: `Summarize the evaluation log written by serve, ask and smart. Each answered
run is scored on its retrieved passages (context relevance, hit rate, MRR,
NDCG) and on the judge verdict. Cache hits are not scored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if last < 0 {
				return &ValidationError{Field: "last", Value: fmt.Sprint(last), Reason: "must not be negative"}
			}
			if last == 0 {
				last = app.cfg.Evaluation.SummaryWindow
			}
			log, err := telemetry.NewEvaluationLog(app.cfg.Evaluation.Path)
			if err != nil {
				return &CommandError{Command: "evals", Action: "open", Reason: "evaluation log unavailable", Err: err}
			}
			summary, err := log.Summary(last)
			if err != nil {
				return &CommandError{Command: "evals", Action: "read", Reason: "evaluation log unreadable", Err: err}
			}
			if app.jsonOutput {
				return app.printJSON("evals", summary)
			}
			app.printEvaluationSummary(summary)
			return nil
		},
	}
	cmd.Flags().IntVarP(&last, "last", "n", 0, "number of recent runs to summarize (default evaluation.summary_window)")
	return cmd
}

func (a *App) printEvaluationSummary(sum telemetry.EvaluationSummary) {
	s := a.styles
	if sum.TotalEvaluations == 0 {
		fmt.Fprintln(a.Out, s.Dim.Render("No evaluated runs yet."))
		return
	}
	fmt.Fprintln(a.Out, s.Title.Render(fmt.Sprintf("Quality over the last %d runs", sum.TotalEvaluations)))
	fmt.Fprintln(a.Out, s.Row("Overall score:", fmt.Sprintf("%.2f", sum.AvgOverallScore)))
	fmt.Fprintln(a.Out, s.Row("Pass rate:", fmt.Sprintf("%.0f%%", sum.PassRate*100)))
	fmt.Fprintln(a.Out, s.Row("Avg latency:", fmt.Sprintf("%.0fms", sum.AvgLatencyMs)))
	fmt.Fprintln(a.Out, s.Row("Total cost:", formatCost(sum.TotalCostUSD)))

	r := sum.Retrieval
	fmt.Fprintln(a.Out, s.Section.Render("Retrieval"))
	fmt.Fprintln(a.Out, "  "+s.Row("context relevance", fmt.Sprintf("%.3f", r.ContextRelevance)))
	fmt.Fprintln(a.Out, "  "+s.Row("hit rate", fmt.Sprintf("%.3f", r.HitRate)))
	fmt.Fprintln(a.Out, "  "+s.Row("mrr", fmt.Sprintf("%.3f", r.MRR)))
	fmt.Fprintln(a.Out, "  "+s.Row("ndcg@10", fmt.Sprintf("%.3f", r.NDCG)))

	g := sum.Generation
	fmt.Fprintln(a.Out, s.Section.Render("Generation"))
	for _, row := range []struct {
		name  string
		value float64
	}{
		{"judge score", g.JudgeScore},
		{"relevance", g.Relevance},
		{"groundedness", g.Groundedness},
		{"completeness", g.Completeness},
		{"clarity", g.Clarity},
		{"citations", g.Citations},
	} {
		fmt.Fprintln(a.Out, "  "+s.Row(row.name, fmt.Sprintf("%.3f", row.value)))
	}

	if len(sum.ByOutcome) > 0 {
		fmt.Fprintln(a.Out, s.Section.Render("By outcome"))
		outcomes := make([]string, 0, len(sum.ByOutcome))
		for o := range sum.ByOutcome {
			outcomes = append(outcomes, o)
		}
		sort.Strings(outcomes)
		for _, o := range outcomes {
			fmt.Fprintln(a.Out, "  "+s.Row(o, fmt.Sprint(sum.ByOutcome[o])))
		}
	}
}
