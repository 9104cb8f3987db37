// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-router/internal/model"
	"github.com/jeranaias/rigrun-router/internal/orchestrator"
)

// queryFlags are shared by ask and smart.
type queryFlags struct {
	sessionID string
	userID    string
	noCache   bool
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.sessionID, "session", "s", "", "conversation session ID")
	cmd.Flags().StringVarP(&f.userID, "user", "u", "", "user ID for long-term memory")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "skip the response cache")
}

func (f *queryFlags) query(text string) model.QueryContext {
	return model.QueryContext{
		Query:     text,
		SessionID: f.sessionID,
		UserID:    f.userID,
		UseCache:  !f.noCache,
	}
}

// =============================================================================
// ASK
// =============================================================================

func newAskCommand(app *App) *cobra.Command {
	var flags queryFlags
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Answer a query with the conversational pipeline",
		Long: `Answer a query with retrieval, conversation memory and a quality check,
starting at the first tier of fallback.order and escalating on failure.`,
		Example: `  rigrun-router ask "what is a goroutine?"
  rigrun-router ask --session demo "and how do channels relate?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := queryArg(args)
			if err != nil {
				return err
			}
			q := flags.query(text)
			if err := validateQuery(q); err != nil {
				return err
			}

			eng, err := app.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer app.closeEngine(eng)

			resp, err := eng.HandleGraphQuery(cmd.Context(), q)
			if err != nil {
				return &CommandError{Command: "ask", Action: "query", Reason: "pipeline failed", Err: err}
			}
			if app.jsonOutput {
				if err := app.printJSON("ask", resp); err != nil {
					return err
				}
			} else {
				app.printGraph(resp)
			}
			if resp.Degraded {
				return errDegraded
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func (a *App) printGraph(resp *orchestrator.GraphResponse) {
	a.printAnswer(resp.Answer)

	s := NewStyles(a.Err)
	fmt.Fprintln(a.Err, s.RenderSeparator())
	fmt.Fprintln(a.Err, s.Row("Tier:", tierLabel(resp.ModelUsed, resp.CacheHit)))
	fmt.Fprintln(a.Err, s.Row("Attempts:", strconv.Itoa(resp.Attempts)))
	if resp.JudgeEvaluation != nil {
		fmt.Fprintln(a.Err, s.Row("Quality:", fmt.Sprintf("%.1f/10 (%s)", resp.JudgeEvaluation.Score, passLabel(resp.QualityPassed))))
	}
	if n := len(resp.RetrievedDocs); n > 0 {
		fmt.Fprintln(a.Err, s.Row("Context:", fmt.Sprintf("%d passages", n)))
	}
	fmt.Fprintln(a.Err, s.Row("Tokens:", fmt.Sprintf("%d in / %d out", resp.InputTokens, resp.OutputTokens)))
	fmt.Fprintln(a.Err, s.Row("Cost:", formatCost(resp.CostUSD)))
	fmt.Fprintln(a.Err, s.Row("Time:", formatDuration(time.Duration(resp.ProcessingTime*float64(time.Second)))))
	if resp.Degraded {
		fmt.Fprintln(a.Err, s.Warning.Render("[DEGRADED] no tier passed the quality check"))
	}
}

// =============================================================================
// SMART
// =============================================================================

func newSmartCommand(app *App) *cobra.Command {
	var (
		flags       queryFlags
		optimizeFor string
	)
	cmd := &cobra.Command{
		Use:   "smart <query>",
		Short: "Answer a query with cost-aware routing",
		Long: `Classify the query, pick a starting tier for the objective and escalate
until an answer passes the quality check.

Objectives:
  cost       start at the local tier
  speed      start at the lowest-latency tier
  quality    start at the premium tier
  balanced   start at the tier the complexity score maps to (default)`,
		Example: `  rigrun-router smart "summarize this paragraph"
  rigrun-router smart --optimize-for quality "prove the halting problem is undecidable"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := queryArg(args)
			if err != nil {
				return err
			}
			objective, err := model.ParseOptimizeFor(optimizeFor)
			if err != nil {
				return &ValidationError{Field: "optimize-for", Value: optimizeFor, Reason: "unknown objective", Example: "--optimize-for cost"}
			}
			q := flags.query(text)
			q.OptimizeFor = objective
			if err := validateQuery(q); err != nil {
				return err
			}

			eng, err := app.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer app.closeEngine(eng)

			resp, err := eng.HandleSmartQuery(cmd.Context(), q)
			if err != nil {
				return &CommandError{Command: "smart", Action: "query", Reason: "routing failed", Err: err}
			}
			if app.jsonOutput {
				if err := app.printJSON("smart", resp); err != nil {
					return err
				}
			} else {
				app.printSmart(resp)
			}
			if resp.Degraded {
				return errDegraded
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&optimizeFor, "optimize-for", "o", string(model.OptimizeBalanced), "cost, speed, quality or balanced")
	return cmd
}

func (a *App) printSmart(resp *orchestrator.SmartResponse) {
	a.printAnswer(resp.Answer)

	s := NewStyles(a.Err)
	fmt.Fprintln(a.Err, s.RenderSeparator())
	fmt.Fprintln(a.Err, s.Row("Tier:", tierLabel(resp.ModelUsed, resp.CacheHit)))
	fmt.Fprintln(a.Err, s.Row("Routing:", resp.RoutingReasoning))
	fmt.Fprintln(a.Err, s.Row("Complexity:", fmt.Sprintf("%.2f (%s)", resp.ComplexityScore, resp.Difficulty)))
	fmt.Fprintln(a.Err, s.Row("Attempts:", fmt.Sprintf("%d (fallback used: %s)", resp.Attempts, yesNo(resp.FallbackUsed))))
	if resp.JudgeScore != nil {
		fmt.Fprintln(a.Err, s.Row("Quality:", fmt.Sprintf("%.1f/10 (%s)", *resp.JudgeScore, passLabel(resp.QualityPassed))))
	}
	fmt.Fprintln(a.Err, s.Row("Tokens:", fmt.Sprintf("%d in / %d out", resp.InputTokens, resp.OutputTokens)))
	fmt.Fprintln(a.Err, s.Row("Cost:", formatCost(resp.CostUSD)))
	fmt.Fprintln(a.Err, s.Row("Latency:", formatDuration(time.Duration(resp.LatencyMs)*time.Millisecond)))
	if resp.Degraded {
		fmt.Fprintln(a.Err, s.Warning.Render("[DEGRADED] no tier passed the quality check"))
	}
}

// =============================================================================
// SHARED OUTPUT
// =============================================================================

func (a *App) printAnswer(answer string) {
	if isTerminal(a.Out) {
		answer = WrapText(answer, terminalWidth(a.Out))
	}
	fmt.Fprintln(a.Out, answer)
}

func validateQuery(q model.QueryContext) error {
	if err := q.Validate(); err != nil {
		return &ValidationError{Field: "query", Reason: err.Error()}
	}
	return nil
}

func tierLabel(tier string, cacheHit bool) string {
	switch {
	case cacheHit && tier != "":
		return tier + " (cached)"
	case cacheHit:
		return "cache"
	case tier == "":
		return "none"
	default:
		return tier
	}
}

func passLabel(passed bool) string {
	if passed {
		return "passed"
	}
	return "failed"
}
