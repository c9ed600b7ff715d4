// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/tokenbridge/mcp-bridge/pkg/config"
)

// PublicFingerprint is the fingerprint of a request carrying no credential.
const PublicFingerprint = "public"

// Fingerprint derives the credential fingerprint a session binds to.
// Derivation order: configured API-key header, x-api-key, x-auth-token,
// RS bearer, raw Authorization value, the configured API key, "public".
// Credentials are hashed so session records never hold raw secrets.
func Fingerprint(headers http.Header, cfg *config.Config) string {
	if cfg.Auth.APIKeyHeader != "" {
		if v := headers.Get(cfg.Auth.APIKeyHeader); v != "" {
			return hashCredential(v)
		}
	}
	if v := headers.Get("x-api-key"); v != "" {
		return hashCredential(v)
	}
	if v := headers.Get("x-auth-token"); v != "" {
		return hashCredential(v)
	}
	if authz := headers.Get("Authorization"); authz != "" {
		if bearer := BearerToken(authz); bearer != "" {
			return hashCredential(bearer)
		}
		return hashCredential(authz)
	}
	if cfg.Auth.APIKey != "" {
		return hashCredential(cfg.Auth.APIKey)
	}
	return PublicFingerprint
}

func hashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:16])
}
