// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"
	"net/http"

	"github.com/tokenbridge/mcp-bridge/pkg/config"
)

// NeedsChallenge reports whether the request must be answered with a 401
// challenge. Only the oauth strategy with AUTH_REQUIRE_RS challenges;
// presence of any recognized credential header passes.
func NeedsChallenge(headers http.Header, cfg *config.Config) bool {
	if !cfg.Auth.Enabled || cfg.Auth.Strategy != config.StrategyOAuth || !cfg.Auth.RequireRSToken {
		return false
	}
	if headers.Get("Authorization") != "" {
		return false
	}
	if headers.Get("x-api-key") != "" || headers.Get("x-auth-token") != "" {
		return false
	}
	if cfg.Auth.APIKeyHeader != "" && headers.Get(cfg.Auth.APIKeyHeader) != "" {
		return false
	}
	return true
}

// ChallengeHeader builds the WWW-Authenticate value pointing clients at
// the protected-resource document for this session.
func ChallengeHeader(origin, sessionID string) string {
	return fmt.Sprintf(
		`Bearer realm="MCP", authorization_uri=%q`,
		origin+"/.well-known/oauth-protected-resource?sid="+sessionID,
	)
}
