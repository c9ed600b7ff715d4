// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

// Package auth classifies incoming credentials and resolves them to the
// outbound headers and upstream token a tool handler should use.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/tokenbridge/mcp-bridge/pkg/config"
	"github.com/tokenbridge/mcp-bridge/pkg/logger"
	"github.com/tokenbridge/mcp-bridge/pkg/refresh"
	"github.com/tokenbridge/mcp-bridge/pkg/tokens"
)

// Headers always forwarded to the resolved set, in addition to the
// configured accept-list.
var defaultForwardedHeaders = []string{"authorization", "x-api-key", "x-auth-token"}

// ResolvedAuth is the outcome of credential resolution for one request.
type ResolvedAuth struct {
	Strategy config.AuthStrategy

	// AuthHeaders is the incoming, lowercased, allowlisted subset.
	AuthHeaders map[string]string

	// ResolvedHeaders is AuthHeaders plus static strategy headers, with
	// authorization possibly rewritten to the upstream bearer.
	ResolvedHeaders map[string]string

	// ProviderToken is the outbound token tool handlers should use.
	ProviderToken string

	// Provider is the full upstream record when one was resolved.
	Provider *tokens.ProviderToken

	// RSToken is the incoming RS bearer, unmodified, when present.
	RSToken string
}

// Resolver maps request headers to a ResolvedAuth per the configured
// strategy.
type Resolver struct {
	cfg       *config.Config
	store     tokens.Store
	refresher *refresh.Refresher
}

// NewResolver creates a Resolver. store and refresher are only consulted
// under the oauth strategy and may be nil otherwise.
func NewResolver(cfg *config.Config, store tokens.Store, refresher *refresh.Refresher) *Resolver {
	return &Resolver{cfg: cfg, store: store, refresher: refresher}
}

// allowlist returns the set of forwardable header names, lowercased.
func (r *Resolver) allowlist() map[string]bool {
	allowed := make(map[string]bool, len(r.cfg.Server.AcceptHeaders)+len(defaultForwardedHeaders))
	for _, h := range r.cfg.Server.AcceptHeaders {
		allowed[strings.ToLower(h)] = true
	}
	for _, h := range defaultForwardedHeaders {
		allowed[h] = true
	}
	if r.cfg.Auth.APIKeyHeader != "" {
		allowed[r.cfg.Auth.APIKeyHeader] = true
	}
	return allowed
}

// collectAuthHeaders lowercases and filters the incoming headers.
func (r *Resolver) collectAuthHeaders(headers http.Header) map[string]string {
	allowed := r.allowlist()
	out := make(map[string]string)
	for name, values := range headers {
		lower := strings.ToLower(name)
		if allowed[lower] && len(values) > 0 {
			out[lower] = values[0]
		}
	}
	return out
}

// BearerToken extracts the bearer credential from an Authorization value.
func BearerToken(authorization string) string {
	const prefix = "bearer "
	if len(authorization) > len(prefix) && strings.EqualFold(authorization[:len(prefix)], prefix) {
		return strings.TrimSpace(authorization[len(prefix):])
	}
	return ""
}

// Resolve produces the ResolvedAuth for one request.
func (r *Resolver) Resolve(ctx context.Context, headers http.Header) (*ResolvedAuth, error) {
	authHeaders := r.collectAuthHeaders(headers)

	resolved := &ResolvedAuth{
		Strategy:        r.cfg.Auth.Strategy,
		AuthHeaders:     authHeaders,
		ResolvedHeaders: make(map[string]string, len(authHeaders)+2),
	}
	for k, v := range authHeaders {
		resolved.ResolvedHeaders[k] = v
	}

	switch r.cfg.Auth.Strategy {
	case config.StrategyNone, "":
		// Identity pass-through.
	case config.StrategyAPIKey:
		header := r.cfg.Auth.APIKeyHeader
		if header == "" {
			header = "x-api-key"
		}
		resolved.ResolvedHeaders[header] = r.cfg.Auth.APIKey
		resolved.ProviderToken = r.cfg.Auth.APIKey
	case config.StrategyBearer:
		resolved.ResolvedHeaders["authorization"] = "Bearer " + r.cfg.Auth.BearerToken
		resolved.ProviderToken = r.cfg.Auth.BearerToken
	case config.StrategyCustom:
		for k, v := range r.cfg.Auth.CustomHeaders {
			resolved.ResolvedHeaders[strings.ToLower(k)] = v
		}
	case config.StrategyOAuth:
		r.resolveOAuth(ctx, resolved)
	}
	return resolved, nil
}

// resolveOAuth handles the oauth strategy: look up the RS bearer, ensure
// the upstream token is fresh and rewrite the outbound authorization.
func (r *Resolver) resolveOAuth(ctx context.Context, resolved *ResolvedAuth) {
	rsToken := BearerToken(resolved.AuthHeaders["authorization"])
	if rsToken == "" {
		return
	}
	resolved.RSToken = rsToken

	rec, err := r.store.GetByRSAccess(ctx, rsToken)
	if err != nil {
		if !errors.Is(err, tokens.ErrNotFound) {
			logger.Warnw("token store lookup failed",
				"rs_token", logger.RedactToken(rsToken), "error", err.Error())
		}
		if r.cfg.Auth.RequireRSToken && !r.cfg.Auth.AllowDirectBearer {
			// Not a recognized RS token and direct bearers are not
			// allowed: downstream handlers see no credential.
			delete(resolved.ResolvedHeaders, "authorization")
			logger.Debugw("stripped unresolvable bearer",
				"rs_token", logger.RedactToken(rsToken))
		}
		return
	}
	resolved.Provider = rec.Provider

	result, err := r.refresher.EnsureFresh(ctx, rsToken)
	if err != nil || result.AccessToken == "" {
		if err != nil {
			logger.Warnw("refresh during resolution failed",
				"rs_token", logger.RedactToken(rsToken), "error", err.Error())
		}
		if rec.Provider != nil && rec.Provider.AccessToken != "" {
			result.AccessToken = rec.Provider.AccessToken
		}
	}
	if result.AccessToken == "" {
		return
	}

	resolved.ProviderToken = result.AccessToken
	resolved.ResolvedHeaders["authorization"] = "Bearer " + result.AccessToken
	if result.WasRefreshed {
		// The stored record changed; refetch so Provider reflects it.
		if fresh, ferr := r.store.GetByRSAccess(ctx, rsToken); ferr == nil {
			resolved.Provider = fresh.Provider
		}
	}
}
