// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenbridge/mcp-bridge/pkg/networking"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(Config{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		AccountsURL:  srv.URL,
	}, WithHTTPClient(srv.Client()))
}

func TestExchangeCode(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/token", r.URL.Path)

		// client-secret-basic authentication.
		expected := "Basic " + base64.StdEncoding.EncodeToString([]byte("client-1:secret-1"))
		assert.Equal(t, expected, r.Header.Get("Authorization"))

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "code-1", r.PostForm.Get("code"))
		assert.Equal(t, "https://bridge.example/oauth/callback", r.PostForm.Get("redirect_uri"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "up-access",
			"refresh_token": "up-refresh",
			"expires_in":    120,
			"scope":         "read write",
		})
	})

	tok, err := client.ExchangeCode(t.Context(), "code-1", "https://bridge.example/oauth/callback")
	require.NoError(t, err)
	assert.Equal(t, "up-access", tok.AccessToken)
	assert.Equal(t, "up-refresh", tok.RefreshToken)
	assert.Equal(t, []string{"read", "write"}, tok.Scopes)
	assert.WithinDuration(t, time.Now().Add(120*time.Second), tok.ExpiresAt, 5*time.Second)
}

func TestRefreshDefaultsExpiresIn(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "up-refresh", r.PostForm.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "up-access-2"})
	})

	tok, err := client.Refresh(t.Context(), "up-refresh")
	require.NoError(t, err)
	assert.Equal(t, "up-access-2", tok.AccessToken)
	assert.Empty(t, tok.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresAt, 5*time.Second)
}

func TestTokenErrorBody(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "refresh token revoked",
		})
	})

	_, err := client.Refresh(t.Context(), "up-refresh")
	var te *TokenError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "invalid_grant", te.Code)
	assert.Equal(t, "refresh token revoked", te.Description)
	assert.Equal(t, http.StatusBadRequest, te.Status)
}

func TestMissingAccessToken(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"token_type": "bearer"})
	})

	_, err := client.Refresh(t.Context(), "up-refresh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider_no_token")
}

func TestWithThrottleConfiguresDefaultTransport(t *testing.T) {
	t.Parallel()

	client := NewClient(Config{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		AccountsURL:  "https://accounts.example",
	}, WithThrottle(networking.ThrottleConfig{RPS: 2.5, Burst: 7, Concurrency: 3}))

	throttled, ok := client.http.(*networking.ThrottledClient)
	require.True(t, ok)
	limits := throttled.Limits()
	assert.Equal(t, 2.5, limits.RPS)
	assert.Equal(t, 7, limits.Burst)
	assert.EqualValues(t, 3, limits.Concurrency)

	// A zero config still produces a throttled transport with defaults.
	plain := NewClient(Config{AccountsURL: "https://accounts.example"})
	throttled, ok = plain.http.(*networking.ThrottledClient)
	require.True(t, ok)
	assert.Equal(t, 10.0, throttled.Limits().RPS)
}

func TestTokenURLJoining(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://accounts.example/token",
		Config{AccountsURL: "https://accounts.example"}.TokenURL())
	assert.Equal(t, "https://accounts.example/token",
		Config{AccountsURL: "https://accounts.example/"}.TokenURL())
	assert.Equal(t, "https://accounts.example/oauth2/token",
		Config{AccountsURL: "https://accounts.example", TokenEndpointPath: "/oauth2/token"}.TokenURL())
}

func TestConfigured(t *testing.T) {
	t.Parallel()

	assert.False(t, Config{}.Configured())
	assert.False(t, Config{ClientID: "a", ClientSecret: "b"}.Configured())
	assert.True(t, Config{ClientID: "a", ClientSecret: "b", AccountsURL: "https://x"}.Configured())
}
