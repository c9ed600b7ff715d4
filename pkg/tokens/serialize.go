// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"encoding/json"
	"time"
)

// The persisted wire shape uses epoch milliseconds for every timestamp so
// that documents written by one backend can be rehydrated by another.

type providerTokenJSON struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	ExpiresAt    int64    `json:"expires_at,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (p ProviderToken) MarshalJSON() ([]byte, error) {
	out := providerTokenJSON{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		Scopes:       p.Scopes,
	}
	if !p.ExpiresAt.IsZero() {
		out.ExpiresAt = p.ExpiresAt.UnixMilli()
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ProviderToken) UnmarshalJSON(data []byte) error {
	var in providerTokenJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	p.AccessToken = in.AccessToken
	p.RefreshToken = in.RefreshToken
	p.Scopes = in.Scopes
	if in.ExpiresAt != 0 {
		p.ExpiresAt = time.UnixMilli(in.ExpiresAt)
	} else {
		p.ExpiresAt = time.Time{}
	}
	return nil
}

type rsRecordJSON struct {
	RSAccessToken  string         `json:"rs_access_token"`
	RSRefreshToken string         `json:"rs_refresh_token,omitempty"`
	Provider       *ProviderToken `json:"provider,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	ExpiresAt      int64          `json:"expires_at,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r RSRecord) MarshalJSON() ([]byte, error) {
	out := rsRecordJSON{
		RSAccessToken:  r.RSAccessToken,
		RSRefreshToken: r.RSRefreshToken,
		Provider:       r.Provider,
		CreatedAt:      r.CreatedAt.UnixMilli(),
	}
	if !r.ExpiresAt.IsZero() {
		out.ExpiresAt = r.ExpiresAt.UnixMilli()
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *RSRecord) UnmarshalJSON(data []byte) error {
	var in rsRecordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.RSAccessToken = in.RSAccessToken
	r.RSRefreshToken = in.RSRefreshToken
	r.Provider = in.Provider
	r.CreatedAt = time.UnixMilli(in.CreatedAt)
	if in.ExpiresAt != 0 {
		r.ExpiresAt = time.UnixMilli(in.ExpiresAt)
	} else {
		r.ExpiresAt = time.Time{}
	}
	return nil
}

type transactionJSON struct {
	CodeChallenge string         `json:"code_challenge"`
	State         string         `json:"state,omitempty"`
	Scope         string         `json:"scope,omitempty"`
	SessionID     string         `json:"sid,omitempty"`
	Provider      *ProviderToken `json:"provider,omitempty"`
	CreatedAt     int64          `json:"created_at"`
}

// MarshalJSON implements json.Marshaler.
func (t Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(transactionJSON{
		CodeChallenge: t.CodeChallenge,
		State:         t.State,
		Scope:         t.Scope,
		SessionID:     t.SessionID,
		Provider:      t.Provider,
		CreatedAt:     t.CreatedAt.UnixMilli(),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var in transactionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	t.CodeChallenge = in.CodeChallenge
	t.State = in.State
	t.Scope = in.Scope
	t.SessionID = in.SessionID
	t.Provider = in.Provider
	t.CreatedAt = time.UnixMilli(in.CreatedAt)
	return nil
}
