// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - Config command implementation.
//
// Subcommands:
//
//	show [key]        Display the effective configuration, secrets redacted
//	path              Show the configuration file location
//	init [--force]    Write the default configuration
//	validate          Load the file and report every invalid setting
//
// Examples:
//
//	rigrun-router config show
//	rigrun-router config show cache.l1_ttl
//	rigrun-router --config ./router.toml config validate
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-router/internal/config"
)

func newConfigCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and initialize configuration",
	}
	cmd.AddCommand(
		newConfigShowCommand(app),
		newConfigPathCommand(app),
		newConfigInitCommand(app),
		newConfigValidateCommand(app),
	)
	return cmd
}

func newConfigShowCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show [key]",
		Short: "Display the effective configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				v, err := app.cfg.Get(args[0])
				if err != nil {
					return &ValidationError{Field: "key", Value: args[0], Reason: err.Error(), Example: "cache.l1_ttl"}
				}
				if app.jsonOutput {
					return app.printJSON("config show", map[string]any{args[0]: v})
				}
				_, err = fmt.Fprintln(app.Out, v)
				return err
			}
			if app.jsonOutput {
				return app.printJSON("config show", app.cfg.Redacted())
			}
			_, err := fmt.Fprintln(app.Out, app.cfg.String())
			return err
		},
	}
}

func newConfigPathCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:         "path",
		Short:       "Show the configuration file location",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationNoConfig: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := app.resolveConfigPath()
			if err != nil {
				return err
			}
			_, statErr := os.Stat(path)
			exists := statErr == nil
			if app.jsonOutput {
				return app.printJSON("config path", map[string]any{"path": path, "exists": exists})
			}
			line := path
			if !exists {
				line += " " + app.styles.Dim.Render("(not created, defaults in use)")
			}
			_, err = fmt.Fprintln(app.Out, line)
			return err
		},
	}
}

func newConfigInitCommand(app *App) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write the default configuration file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationNoConfig: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := app.resolveConfigPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return &CommandError{Command: "config", Action: "init", Reason: path + " already exists (use --force to overwrite)"}
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return &ConfigError{Path: path, Err: err}
			}
			if err := config.Save(config.Default(), path); err != nil {
				return &ConfigError{Path: path, Err: err}
			}
			if app.jsonOutput {
				return app.printJSON("config init", map[string]string{"path": path})
			}
			_, err = fmt.Fprintln(app.Out, app.styles.Success.Render("[OK]")+" wrote "+path)
			return err
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

// newConfigValidateCommand relies on the root command having loaded and
// validated the file already.
func newConfigValidateCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if app.jsonOutput {
				return app.printJSON("config validate", map[string]any{"valid": true, "tiers": len(app.cfg.Tiers)})
			}
			_, err := fmt.Fprintf(app.Out, "%s configuration is valid (%d tiers)\n", app.styles.Success.Render("[OK]"), len(app.cfg.Tiers))
			return err
		},
	}
}

func (a *App) resolveConfigPath() (string, error) {
	if a.configPath != "" {
		return a.configPath, nil
	}
	path, err := config.DefaultPath()
	if err != nil {
		return "", &ConfigError{Err: err}
	}
	return path, nil
}
