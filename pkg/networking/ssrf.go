// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

// Package networking provides the outbound HTTP plumbing shared by the
// OAuth flow engine and the refresher: an SSRF guard for client-supplied
// URLs, a size-limited JSON fetcher, and a throttled retrying client for
// the upstream provider.
package networking

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// SSRFError describes why a URL was rejected by CheckSSRFSafe. The Reason
// is a stable machine-readable tag; callers embed it into OAuth error codes.
type SSRFError struct {
	Reason string
	Detail string
}

// Error implements the error interface.
func (e *SSRFError) Error() string {
	return fmt.Sprintf("ssrf_blocked:%s (%s)", e.Reason, e.Detail)
}

// blockedHostnames are never fetched, regardless of allowlists.
var blockedHostnames = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"0.0.0.0":   true,
}

// blockedSuffixes are TLDs that resolve inside private networks.
var blockedSuffixes = []string{
	".local", ".internal", ".localhost", ".localdomain", ".corp", ".lan",
}

// privateCIDRs covers RFC 1918, link-local and unique-local ranges.
var privateCIDRs = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

// CheckSSRFSafe validates a client-supplied URL before any connection is
// opened. The URL must be HTTPS with a non-root path, must not point at a
// loopback or private address, and, when allowedDomains is non-empty, its
// hostname must match one of the entries (exact, or suffix when the entry
// starts with a dot).
func CheckSSRFSafe(rawURL string, allowedDomains []string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &SSRFError{Reason: "invalid_url", Detail: err.Error()}
	}

	if u.Scheme != "https" {
		return &SSRFError{Reason: "scheme", Detail: "only https URLs are allowed"}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return &SSRFError{Reason: "invalid_url", Detail: "missing hostname"}
	}
	if blockedHostnames[host] {
		return &SSRFError{Reason: "loopback", Detail: host}
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return &SSRFError{Reason: "private_suffix", Detail: host}
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsUnspecified() {
			return &SSRFError{Reason: "loopback", Detail: host}
		}
		for _, n := range privateCIDRs {
			if n.Contains(ip) {
				return &SSRFError{Reason: "private_ip", Detail: host}
			}
		}
	}

	if u.Path == "" || u.Path == "/" {
		return &SSRFError{Reason: "root_path", Detail: "URL must have a non-root path"}
	}

	if len(allowedDomains) > 0 && !domainAllowed(host, allowedDomains) {
		return &SSRFError{Reason: "domain_not_allowed", Detail: host}
	}

	return nil
}

func domainAllowed(host string, allowed []string) bool {
	for _, d := range allowed {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if strings.HasPrefix(d, ".") {
			if strings.HasSuffix(host, d) || host == strings.TrimPrefix(d, ".") {
				return true
			}
			continue
		}
		if host == d {
			return true
		}
	}
	return false
}

// IsMetadataURL reports whether a client_id should be treated as a CIMD
// reference: an https URL with a non-root path.
func IsMetadataURL(clientID string) bool {
	u, err := url.Parse(clientID)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && u.Host != "" && u.Path != "" && u.Path != "/"
}
