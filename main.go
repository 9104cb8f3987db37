// rigrun-router - cost-aware routing of LLM queries across local and hosted tiers.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"os"

	"github.com/jeranaias/rigrun-router/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
