// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the mcp-bridge server.
package main

import (
	"os"

	"github.com/tokenbridge/mcp-bridge/cmd/mcp-bridge/app"
	"github.com/tokenbridge/mcp-bridge/pkg/logger"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
