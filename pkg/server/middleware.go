// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/tokenbridge/mcp-bridge/pkg/mcp"
)

var (
	corsAllowMethods = "GET, POST, DELETE, OPTIONS"
	corsAllowHeaders = strings.Join([]string{
		"Content-Type", "Authorization", "Mcp-Session-Id",
		"MCP-Protocol-Version", "Mcp-Protocol-Version",
		"X-Api-Key", "X-Auth-Token",
	}, ", ")
	corsExposeHeaders = "Mcp-Session-Id, WWW-Authenticate"
)

// corsMiddleware reflects the caller origin and answers preflights.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", corsAllowMethods)
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Expose-Headers", corsExposeHeaders)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// validateOrigin enforces the development origin policy: an Origin header,
// when present, must name a loopback, private-range or .local host. In
// production the policy hook defaults to allow; deployments substitute an
// allowlist in front of the server.
func (s *Server) validateOrigin(r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" || s.cfg.Server.Production {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("invalid Origin header %q", origin)
	}
	if isLocalOrigin(strings.ToLower(u.Hostname())) {
		return nil
	}
	return fmt.Errorf("Origin %q is not allowed", origin)
}

func isLocalOrigin(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".local") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate()
	}
	return false
}

// validateProtocolVersion checks the Mcp-Protocol-Version header, which may
// carry a comma-separated list. At least one listed version must be in the
// supported set. Header lookup is case-insensitive, so either casing of the
// header name is accepted.
func (s *Server) validateProtocolVersion(r *http.Request) error {
	header := r.Header.Get("Mcp-Protocol-Version")
	if header == "" {
		return nil
	}
	for _, v := range strings.Split(header, ",") {
		if slices.Contains(mcp.SupportedProtocolVersions, strings.TrimSpace(v)) {
			return nil
		}
	}
	return fmt.Errorf("unsupported protocol version %q", header)
}
