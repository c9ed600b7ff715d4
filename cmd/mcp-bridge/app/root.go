// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the mcp-bridge command-line application.
package app

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "mcp-bridge",
	DisableAutoGenTag: true,
	Short:             "MCP server that brokers upstream OAuth tokens",
	Long: `mcp-bridge is an MCP server over Streamable HTTP that doubles as an
OAuth 2.1 resource server: it mints its own RS tokens, maps them to upstream
identity-provider tokens, and keeps the upstream tokens fresh so tool
handlers always see a usable credential.

Configuration is read from the environment; see the serve command.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

// NewRootCmd creates the root command for the mcp-bridge CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	return rootCmd
}
