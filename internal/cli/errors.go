// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/rigrun-router/internal/config"
	"github.com/jeranaias/rigrun-router/internal/gateway"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates a bad or unreadable config file
	ExitConfigError = 3
	// ExitNetworkError indicates every provider was unreachable
	ExitNetworkError = 5
	// ExitTimeoutError indicates an operation timed out
	ExitTimeoutError = 8
	// ExitDegraded indicates a query finished without a passing answer
	ExitDegraded = 9
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// CommandError is a command failure with context.
type CommandError struct {
	Command string
	Action  string
	Reason  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s failed: %s: %v", e.Command, e.Action, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Command, e.Action, e.Reason)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ValidationError is bad user input.
type ValidationError struct {
	Field   string
	Value   string
	Reason  string
	Example string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	if e.Value != "" {
		msg += fmt.Sprintf(" (got: %s)", e.Value)
	}
	if e.Example != "" {
		msg += fmt.Sprintf("\nExample: %s", e.Example)
	}
	return msg
}

// ConfigError is a config file that could not be loaded.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// errDegraded is returned after printing a degraded answer so scripts can
// tell it apart from a passing one.
var errDegraded = errors.New("no tier produced an answer that passed the quality check")

// =============================================================================
// DISPLAY
// =============================================================================

// DisplayError writes err to w, as JSON when jsonMode is set.
func DisplayError(w io.Writer, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		DisplayErrorJSON(w, err)
		return
	}
	fmt.Fprintf(w, "\n%s %s\n\n", NewStyles(w).Error.Render("[ERROR]"), err.Error())
}

// DisplayErrorJSON writes err with its type details as JSON.
func DisplayErrorJSON(w io.Writer, err error) {
	output := map[string]any{
		"error":   err.Error(),
		"success": false,
	}

	var (
		cmdErr   *CommandError
		validErr *ValidationError
		cfgErr   *ConfigError
	)
	switch {
	case errors.As(err, &validErr):
		output["error_type"] = "validation_error"
		output["field"] = validErr.Field
		output["reason"] = validErr.Reason
		if validErr.Example != "" {
			output["example"] = validErr.Example
		}
	case errors.As(err, &cfgErr):
		output["error_type"] = "config_error"
		output["path"] = cfgErr.Path
	case errors.As(err, &cmdErr):
		output["error_type"] = "command_error"
		output["command"] = cmdErr.Command
		output["action"] = cmdErr.Action
		output["reason"] = cmdErr.Reason
	case errors.Is(err, errDegraded):
		output["error_type"] = "degraded"
	default:
		output["error_type"] = "generic_error"
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(output)
}

// GetExitCode maps an error onto an exit code.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var (
		validErr *ValidationError
		cfgErr   *ConfigError
		cfgVal   config.ValidationErrors
		gwErr    *gateway.Error
	)
	switch {
	case errors.As(err, &validErr):
		return ExitUsageError
	case errors.As(err, &cfgErr), errors.As(err, &cfgVal):
		return ExitConfigError
	case errors.Is(err, errDegraded):
		return ExitDegraded
	case errors.Is(err, context.DeadlineExceeded):
		return ExitTimeoutError
	case errors.As(err, &gwErr):
		if gwErr.Kind == gateway.KindTimeout {
			return ExitTimeoutError
		}
		return ExitNetworkError
	}
	return ExitGeneralError
}
