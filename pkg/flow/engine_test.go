// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenbridge/mcp-bridge/pkg/config"
	"github.com/tokenbridge/mcp-bridge/pkg/tokens"
	"github.com/tokenbridge/mcp-bridge/pkg/upstream"
)

type fakeProvider struct {
	configured    bool
	exchangeToken *tokens.ProviderToken
	refreshToken  *tokens.ProviderToken
	err           error

	exchangedCode string
	refreshCalls  int
}

func (f *fakeProvider) ExchangeCode(_ context.Context, code, _ string) (*tokens.ProviderToken, error) {
	f.exchangedCode = code
	if f.err != nil {
		return nil, f.err
	}
	c := *f.exchangeToken
	return &c, nil
}

func (f *fakeProvider) Refresh(_ context.Context, _ string) (*tokens.ProviderToken, error) {
	f.refreshCalls++
	if f.err != nil {
		return nil, f.err
	}
	c := *f.refreshToken
	return &c, nil
}

func (f *fakeProvider) Config() upstream.Config {
	if !f.configured {
		return upstream.Config{}
	}
	return upstream.Config{
		ClientID:     "provider-client",
		ClientSecret: "provider-secret",
		AccountsURL:  "https://accounts.example",
	}
}

func devConfig() *config.Config {
	return &config.Config{
		CIMD: config.CIMD{
			Enabled:        true,
			FetchTimeout:   5 * time.Second,
			MaxResponseLen: 64 * 1024,
		},
		OAuth: config.OAuth{
			RedirectURI: "https://bridge.example/oauth/callback",
		},
	}
}

func newEngine(t *testing.T, cfg *config.Config, provider Provider) (*Engine, *tokens.MemoryStore) {
	t.Helper()
	store := tokens.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	return NewEngine(cfg, store, provider), store
}

func validAuthorize() AuthorizeInput {
	return AuthorizeInput{
		ClientID:            "static-client",
		RedirectURI:         "http://127.0.0.1:8123/cb",
		CodeChallenge:       S256Challenge("verifier-1"),
		CodeChallengeMethod: "S256",
		State:               "client-state",
		Scope:               "read",
	}
}

func TestAuthorizeValidatesInput(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t, devConfig(), nil)

	tests := []struct {
		name   string
		mutate func(*AuthorizeInput)
	}{
		{"missing redirect_uri", func(in *AuthorizeInput) { in.RedirectURI = "" }},
		{"missing code_challenge", func(in *AuthorizeInput) { in.CodeChallenge = "" }},
		{"plain method", func(in *AuthorizeInput) { in.CodeChallengeMethod = "plain" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := validAuthorize()
			tt.mutate(&in)
			_, err := e.Authorize(t.Context(), in)
			var fe *Error
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, ErrInvalidRequest, fe.Code)
		})
	}
}

func TestAuthorizeDevShortcutMintsCode(t *testing.T) {
	t.Parallel()
	e, store := newEngine(t, devConfig(), nil)

	res, err := e.Authorize(t.Context(), validAuthorize())
	require.NoError(t, err)

	u, err := url.Parse(res.RedirectTo)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8123", u.Host)
	assert.Equal(t, "client-state", u.Query().Get("state"))

	code := u.Query().Get("code")
	require.NotEmpty(t, code)

	txnID, err := store.GetTxnIDByCode(t.Context(), code)
	require.NoError(t, err)
	assert.Equal(t, res.TxnID, txnID)

	txn, err := store.GetTransaction(t.Context(), txnID)
	require.NoError(t, err)
	assert.Equal(t, S256Challenge("verifier-1"), txn.CodeChallenge)
}

func TestAuthorizeDevShortcutRejectsNonLoopback(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t, devConfig(), nil)

	in := validAuthorize()
	in.RedirectURI = "https://evil.example/cb"
	_, err := e.Authorize(t.Context(), in)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrInvalidRequest, fe.Code)
}

func TestAuthorizeProductionRedirectsUpstream(t *testing.T) {
	t.Parallel()
	cfg := devConfig()
	cfg.OAuth.Scopes = []string{"openid", "profile"}
	cfg.OAuth.ExtraAuthParams = map[string]string{"audience": "api"}
	provider := &fakeProvider{configured: true}
	e, store := newEngine(t, cfg, provider)

	in := validAuthorize()
	in.Scope = ""
	in.SessionID = "sid-1"
	res, err := e.Authorize(t.Context(), in)
	require.NoError(t, err)

	u, err := url.Parse(res.RedirectTo)
	require.NoError(t, err)
	assert.Equal(t, "accounts.example", u.Host)
	assert.Equal(t, "/authorize", u.Path)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "provider-client", q.Get("client_id"))
	assert.Equal(t, "https://bridge.example/oauth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "openid profile", q.Get("scope"))
	assert.Equal(t, "api", q.Get("audience"))

	state, err := DecodeState(q.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, res.TxnID, state.TxnID)
	assert.Equal(t, "client-state", state.ClientState)
	assert.Equal(t, "http://127.0.0.1:8123/cb", state.ClientRedirect)
	assert.Equal(t, "sid-1", state.SessionID)

	_, err = store.GetTransaction(t.Context(), res.TxnID)
	assert.NoError(t, err)
}

func TestAuthorizeCIMDHappyPath(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{configured: true}
	store := tokens.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	client := &cannedClient{body: `{
		"client_id": "https://app.example.com/cimd.json",
		"redirect_uris": ["https://app.example.com/cb"]
	}`}
	e := NewEngine(devConfig(), store, provider, WithCIMDHTTPClient(client))

	in := validAuthorize()
	in.ClientID = "https://app.example.com/cimd.json"
	in.RedirectURI = "https://app.example.com/cb"
	res, err := e.Authorize(t.Context(), in)
	require.NoError(t, err)
	assert.Contains(t, res.RedirectTo, "https://accounts.example/authorize?")

	_, err = store.GetTransaction(t.Context(), res.TxnID)
	assert.NoError(t, err)
}

func TestAuthorizeCIMDRejectsUnlistedRedirect(t *testing.T) {
	t.Parallel()
	store := tokens.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	client := &cannedClient{body: `{
		"client_id": "https://app.example.com/cimd.json",
		"redirect_uris": ["https://app.example.com/cb"]
	}`}
	e := NewEngine(devConfig(), store, nil, WithCIMDHTTPClient(client))

	in := validAuthorize()
	in.ClientID = "https://app.example.com/cimd.json"
	in.RedirectURI = "https://app.example.com/other"
	_, err := e.Authorize(t.Context(), in)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrInvalidRequest, fe.Code)
}

func TestAuthorizeCIMDSSRFBlocked(t *testing.T) {
	t.Parallel()
	store := tokens.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	e := NewEngine(devConfig(), store, nil, WithCIMDHTTPClient(&cannedClient{}))

	in := validAuthorize()
	in.ClientID = "https://192.168.1.10/cimd.json"
	_, err := e.Authorize(t.Context(), in)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrInvalidClient, fe.Code)
	assert.Contains(t, fe.Description, "ssrf_blocked")
}

func TestAuthorizeCIMDDisabledSkipsFetch(t *testing.T) {
	t.Parallel()
	cfg := devConfig()
	cfg.CIMD.Enabled = false
	store := tokens.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	client := &cannedClient{}
	e := NewEngine(cfg, store, nil, WithCIMDHTTPClient(client))

	// With CIMD off a metadata-shaped client_id is treated as opaque and
	// never dereferenced.
	in := validAuthorize()
	in.ClientID = "https://app.example.com/cimd.json"
	res, err := e.Authorize(t.Context(), in)
	require.NoError(t, err)
	assert.False(t, client.called)

	_, err = store.GetTransaction(t.Context(), res.TxnID)
	assert.NoError(t, err)
}

func TestCallbackStoresProviderAndRedirects(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{
		configured: true,
		exchangeToken: &tokens.ProviderToken{
			AccessToken:  "up-access",
			RefreshToken: "up-refresh",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	}
	e, store := newEngine(t, devConfig(), provider)

	require.NoError(t, store.SaveTransaction(t.Context(), "txn-1", &tokens.Transaction{
		CodeChallenge: S256Challenge("verifier-1"),
		CreatedAt:     time.Now(),
	}))
	state, err := CompositeState{
		TxnID:          "txn-1",
		ClientState:    "cs-1",
		ClientRedirect: "http://localhost:9999/cb",
	}.Encode()
	require.NoError(t, err)

	res, err := e.HandleCallback(t.Context(), state, "provider-code")
	require.NoError(t, err)
	assert.Equal(t, "provider-code", provider.exchangedCode)

	u, err := url.Parse(res.RedirectTo)
	require.NoError(t, err)
	assert.Equal(t, "cs-1", u.Query().Get("state"))
	code := u.Query().Get("code")
	require.NotEmpty(t, code)

	txn, err := store.GetTransaction(t.Context(), "txn-1")
	require.NoError(t, err)
	require.NotNil(t, txn.Provider)
	assert.Equal(t, "up-access", txn.Provider.AccessToken)

	txnID, err := store.GetTxnIDByCode(t.Context(), code)
	require.NoError(t, err)
	assert.Equal(t, "txn-1", txnID)
}

func TestCallbackUnknownTransaction(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t, devConfig(), &fakeProvider{configured: true})

	state, err := CompositeState{TxnID: "missing"}.Encode()
	require.NoError(t, err)

	_, err = e.HandleCallback(t.Context(), state, "code")
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrUnknownTxn, fe.Code)
}

func TestCallbackUpstreamErrorMapped(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{
		configured: true,
		err:        &upstream.TokenError{Code: "invalid_grant", Description: "code reused"},
	}
	e, store := newEngine(t, devConfig(), provider)
	require.NoError(t, store.SaveTransaction(t.Context(), "txn-1", &tokens.Transaction{
		CreatedAt: time.Now(),
	}))

	state, err := CompositeState{TxnID: "txn-1", ClientRedirect: "http://localhost/cb"}.Encode()
	require.NoError(t, err)

	_, err = e.HandleCallback(t.Context(), state, "code")
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "provider_token_error", fe.Code)
	assert.Contains(t, fe.Description, "invalid_grant")
}

func TestCallbackNetworkFailure(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{configured: true, err: errors.New("connection refused")}
	e, store := newEngine(t, devConfig(), provider)
	require.NoError(t, store.SaveTransaction(t.Context(), "txn-1", &tokens.Transaction{
		CreatedAt: time.Now(),
	}))
	state, _ := CompositeState{TxnID: "txn-1", ClientRedirect: "http://localhost/cb"}.Encode()

	_, err := e.HandleCallback(t.Context(), state, "code")
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "fetch_failed", fe.Code)
}

func seedCodeExchange(t *testing.T, store tokens.Store, withProvider bool) {
	t.Helper()
	txn := &tokens.Transaction{
		CodeChallenge: S256Challenge("verifier-1"),
		Scope:         "read",
		CreatedAt:     time.Now(),
	}
	if withProvider {
		txn.Provider = &tokens.ProviderToken{
			AccessToken:  "up-access",
			RefreshToken: "up-refresh",
			ExpiresAt:    time.Now().Add(time.Hour),
			Scopes:       []string{"read", "write"},
		}
	}
	require.NoError(t, store.SaveTransaction(t.Context(), "txn-1", txn))
	require.NoError(t, store.SaveCode(t.Context(), "code-1", "txn-1"))
}

func TestTokenAuthorizationCodeGrant(t *testing.T) {
	t.Parallel()
	e, store := newEngine(t, devConfig(), nil)
	seedCodeExchange(t, store, true)

	resp, err := e.Token(t.Context(), TokenRequest{
		GrantType:    "authorization_code",
		Code:         "code-1",
		CodeVerifier: "verifier-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "bearer", resp.TokenType)
	assert.EqualValues(t, 3600, resp.ExpiresIn)
	assert.Equal(t, "read write", resp.Scope)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)

	// The mapping is live and the code is single-use.
	rec, err := store.GetByRSAccess(t.Context(), resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "up-access", rec.Provider.AccessToken)

	_, err = store.GetTxnIDByCode(t.Context(), "code-1")
	assert.ErrorIs(t, err, tokens.ErrNotFound)
	_, err = store.GetTransaction(t.Context(), "txn-1")
	assert.ErrorIs(t, err, tokens.ErrNotFound)
}

func TestTokenPKCEMismatch(t *testing.T) {
	t.Parallel()
	e, store := newEngine(t, devConfig(), nil)
	seedCodeExchange(t, store, true)

	_, err := e.Token(t.Context(), TokenRequest{
		GrantType:    "authorization_code",
		Code:         "code-1",
		CodeVerifier: "wrong",
	})
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrInvalidGrant, fe.Code)
}

func TestTokenGrantWithoutProviderSkipsMapping(t *testing.T) {
	t.Parallel()
	e, store := newEngine(t, devConfig(), nil)
	seedCodeExchange(t, store, false)

	resp, err := e.Token(t.Context(), TokenRequest{
		GrantType:    "authorization_code",
		Code:         "code-1",
		CodeVerifier: "verifier-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "read", resp.Scope)

	_, err = store.GetByRSAccess(t.Context(), resp.AccessToken)
	assert.ErrorIs(t, err, tokens.ErrNotFound)
}

func TestTokenUnknownCode(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t, devConfig(), nil)

	_, err := e.Token(t.Context(), TokenRequest{
		GrantType:    "authorization_code",
		Code:         "nope",
		CodeVerifier: "verifier-1",
	})
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrInvalidGrant, fe.Code)
}

func TestTokenUnsupportedGrant(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t, devConfig(), nil)

	_, err := e.Token(t.Context(), TokenRequest{GrantType: "password"})
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrUnsupportedGrantType, fe.Code)
}

func TestRefreshGrantPassThroughWhenFresh(t *testing.T) {
	t.Parallel()
	e, store := newEngine(t, devConfig(), &fakeProvider{configured: true})

	_, err := store.StoreRSMapping(t.Context(), "rs-acc", &tokens.ProviderToken{
		AccessToken: "up-access",
		ExpiresAt:   time.Now().Add(30 * time.Minute),
		Scopes:      []string{"read"},
	}, "rs-ref")
	require.NoError(t, err)

	resp, err := e.Token(t.Context(), TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: "rs-ref",
	})
	require.NoError(t, err)
	assert.Equal(t, "rs-acc", resp.AccessToken)
	assert.Equal(t, "rs-ref", resp.RefreshToken)
	assert.Equal(t, "read", resp.Scope)
	assert.InDelta(t, 30*60, resp.ExpiresIn, 5)
}

func TestRefreshGrantRotatesRSAccess(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{
		configured: true,
		refreshToken: &tokens.ProviderToken{
			AccessToken:  "up-access-2",
			RefreshToken: "up-refresh-2",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	}
	e, store := newEngine(t, devConfig(), provider)

	// Upstream token already expired: the grant must refresh inline.
	_, err := store.StoreRSMapping(t.Context(), "rs-acc", &tokens.ProviderToken{
		AccessToken:  "up-access",
		RefreshToken: "up-refresh",
		ExpiresAt:    time.Now().Add(-time.Second),
	}, "rs-ref")
	require.NoError(t, err)

	resp, err := e.Token(t.Context(), TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: "rs-ref",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, provider.refreshCalls)
	assert.NotEqual(t, "rs-acc", resp.AccessToken)
	assert.Greater(t, resp.ExpiresIn, int64(3500))

	// The old RS access token no longer resolves.
	_, err = store.GetByRSAccess(t.Context(), "rs-acc")
	assert.ErrorIs(t, err, tokens.ErrNotFound)

	rec, err := store.GetByRSAccess(t.Context(), resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "up-access-2", rec.Provider.AccessToken)
}

func TestRefreshGrantSurfacesUpstreamFailure(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{configured: true, err: errors.New("upstream down")}
	e, store := newEngine(t, devConfig(), provider)

	_, err := store.StoreRSMapping(t.Context(), "rs-acc", &tokens.ProviderToken{
		AccessToken:  "up-access",
		RefreshToken: "up-refresh",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}, "rs-ref")
	require.NoError(t, err)

	_, err = e.Token(t.Context(), TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: "rs-ref",
	})
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrProviderRefresh, fe.Code)
}

func TestRefreshGrantUnknownToken(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t, devConfig(), nil)

	_, err := e.Token(t.Context(), TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: "nope",
	})
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrInvalidGrant, fe.Code)
}

func TestRegisterDefaults(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t, devConfig(), nil)

	resp, err := e.Register(RegisterRequest{
		RedirectURIs: []string{"https://app.example/cb"},
	})
	require.NoError(t, err)
	assert.Len(t, resp.ClientID, 16)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, resp.GrantTypes)
	assert.Equal(t, []string{"code"}, resp.ResponseTypes)
	assert.Equal(t, "none", resp.TokenEndpointAuthMethod)
	assert.False(t, strings.ContainsAny(resp.ClientID, "+/="))
}
