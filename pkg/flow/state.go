// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// CompositeState is the value carried through the provider round trip as
// the OAuth state parameter. It correlates the provider callback with the
// transaction and preserves the client's own state and redirect.
type CompositeState struct {
	TxnID          string `json:"tid"`
	ClientState    string `json:"cs,omitempty"`
	ClientRedirect string `json:"cr,omitempty"`
	SessionID      string `json:"sid,omitempty"`
}

// Encode serializes the state as base64url JSON.
func (s CompositeState) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeState parses a composite state produced by Encode.
func DecodeState(encoded string) (CompositeState, error) {
	var s CompositeState
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return s, fmt.Errorf("malformed state: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("malformed state: %w", err)
	}
	if s.TxnID == "" {
		return s, fmt.Errorf("malformed state: missing transaction id")
	}
	return s, nil
}
