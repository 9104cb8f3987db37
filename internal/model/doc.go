// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the request and record types shared by the
// orchestration packages: the immutable query context, retrieved passages,
// conversation turns and persisted interactions.
package model
