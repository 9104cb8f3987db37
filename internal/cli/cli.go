// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-router/internal/config"
	"github.com/jeranaias/rigrun-router/internal/engine"
	"github.com/jeranaias/rigrun-router/internal/logging"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// =============================================================================
// APP
// =============================================================================

// App carries global flags and shared state into every command.
type App struct {
	Out io.Writer
	Err io.Writer

	// EngineOptions are appended when a command builds an engine.
	EngineOptions []engine.Option

	configPath string
	logLevel   string
	logJSON    bool
	jsonOutput bool

	cfg    *config.Config
	logger logging.Logger
	styles *Styles
}

// NewApp returns an App writing to stdout and stderr.
func NewApp() *App {
	return &App{Out: os.Stdout, Err: os.Stderr}
}

// Config returns the configuration loaded by the root command.
func (a *App) Config() *config.Config { return a.cfg }

// annotationNoConfig marks commands that run on defaults because the
// config file may not exist yet.
const annotationNoConfig = "rigrun:no-config"

// load reads the config file, applies flag overrides and builds the logger.
func (a *App) load(cmd *cobra.Command) error {
	var cfg *config.Config
	if _, ok := cmd.Annotations[annotationNoConfig]; ok {
		cfg = config.Default()
	} else {
		var err error
		if cfg, err = config.Load(a.configPath); err != nil {
			return &ConfigError{Path: a.configPath, Err: err}
		}
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON = a.logJSON
	}
	config.SetGlobal(cfg)

	a.cfg = cfg
	a.logger = logging.New(&logging.Config{
		Level:      logging.ParseLevel(cfg.Log.Level),
		Output:     a.Err,
		JSON:       cfg.Log.JSON,
		TimeFormat: "15:04:05",
		Prefix:     "rigrun",
	})
	logging.SetDefault(a.logger)
	a.styles = NewStyles(a.Out)
	return nil
}

// openEngine builds an engine from the loaded config. The caller closes it.
func (a *App) openEngine(ctx context.Context) (*engine.Engine, error) {
	opts := append([]engine.Option{engine.WithLogger(a.logger)}, a.EngineOptions...)
	eng, err := engine.New(ctx, a.cfg, opts...)
	if err != nil {
		return nil, &CommandError{Command: "engine", Action: "start", Reason: "could not build router", Err: err}
	}
	return eng, nil
}

func (a *App) closeEngine(eng *engine.Engine) {
	if err := eng.Close(); err != nil {
		a.logger.Warn("engine close failed", "err", err)
	}
}

// =============================================================================
// ROOT COMMAND
// =============================================================================

// NewRootCommand builds the command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "rigrun-router",
		Short: "Cost-aware LLM router",
		Long: `rigrun-router answers queries with the cheapest model tier that passes a
quality check, escalating from a local model to hosted fast and premium tiers.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			return app.load(cmd)
		},
	}
	root.SetOut(app.Out)
	root.SetErr(app.Err)

	pf := root.PersistentFlags()
	pf.StringVarP(&app.configPath, "config", "c", "", "config file (default ~/.rigrun/router.toml)")
	pf.StringVar(&app.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.BoolVar(&app.logJSON, "log-json", false, "emit logs as JSON")
	pf.BoolVar(&app.jsonOutput, "json", false, "print command output as JSON")

	root.AddCommand(
		newServeCommand(app),
		newAskCommand(app),
		newSmartCommand(app),
		newHealthCommand(app),
		newCacheCommand(app),
		newClassifyCommand(app),
		newCostsCommand(app),
		newEvalsCommand(app),
		newConfigCommand(app),
		newVersionCommand(app),
	)
	return root
}

func newVersionCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(app.Out, "rigrun-router %s\ncommit: %s\nbuilt:  %s\n", Version, GitCommit, BuildDate)
			return err
		},
	}
}

// Execute runs the CLI with os.Args and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApp()
	root := NewRootCommand(app)
	if err := root.ExecuteContext(ctx); err != nil {
		DisplayError(app.Err, err, app.jsonOutput)
		return GetExitCode(err)
	}
	return ExitSuccess
}

// queryArg joins positional arguments into one query.
func queryArg(args []string) (string, error) {
	q := strings.TrimSpace(strings.Join(args, " "))
	if q == "" {
		return "", &ValidationError{Field: "query", Reason: "must not be empty", Example: `rigrun-router ask "what is a goroutine?"`}
	}
	return q, nil
}
