// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

// Package flow implements the OAuth authorization flow this server
// exposes: /authorize with CIMD client validation, the provider callback,
// /token with authorization_code and refresh_token grants, and the
// registration/revocation stubs.
package flow

import "fmt"

// OAuth 2.1 error codes surfaced by the flow endpoints.
const (
	ErrInvalidRequest       = "invalid_request"
	ErrInvalidGrant         = "invalid_grant"
	ErrInvalidClient        = "invalid_client"
	ErrUnsupportedGrantType = "unsupported_grant_type"
	ErrUnknownTxn           = "unknown_txn"
	ErrProviderNoToken      = "provider_no_token"
	ErrProviderRefresh      = "provider_refresh_failed"
	ErrServerError          = "server_error"
)

// Error is a flow failure carrying the OAuth error code for the HTTP
// envelope to map onto an RFC 6749 error body.
type Error struct {
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// Errorf builds a flow Error with a formatted description.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}
