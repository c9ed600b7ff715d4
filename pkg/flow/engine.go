// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/tokenbridge/mcp-bridge/pkg/config"
	"github.com/tokenbridge/mcp-bridge/pkg/logger"
	"github.com/tokenbridge/mcp-bridge/pkg/networking"
	"github.com/tokenbridge/mcp-bridge/pkg/tokens"
	"github.com/tokenbridge/mcp-bridge/pkg/upstream"
)

// rsTokenLifetime is the advertised expires_in for freshly minted RS
// access tokens.
const rsTokenLifetime = 3600

// Provider is the upstream surface the engine needs.
type Provider interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (*tokens.ProviderToken, error)
	Refresh(ctx context.Context, refreshToken string) (*tokens.ProviderToken, error)
	Config() upstream.Config
}

// Engine drives the authorization flow against the token store and the
// upstream provider.
type Engine struct {
	cfg      *config.Config
	store    tokens.Store
	provider Provider
	cimd     *cimdFetcher
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCIMDHTTPClient replaces the metadata fetch client, used by tests.
func WithCIMDHTTPClient(httpClient networking.HTTPClient) EngineOption {
	return func(e *Engine) { e.cimd = newCIMDFetcher(e.cfg.CIMD, httpClient) }
}

// NewEngine creates a flow engine. provider may be nil; the engine then
// uses the dev shortcut on /authorize and cannot refresh upstream tokens.
func NewEngine(cfg *config.Config, store tokens.Store, provider Provider, opts ...EngineOption) *Engine {
	e := &Engine{cfg: cfg, store: store, provider: provider}
	e.cimd = newCIMDFetcher(cfg.CIMD, nil)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) providerConfigured() bool {
	return e.provider != nil && e.provider.Config().Configured()
}

// AuthorizeInput are the query parameters of GET /authorize.
type AuthorizeInput struct {
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	Scope               string
	SessionID           string
}

// AuthorizeResult carries the redirect target for the user agent.
type AuthorizeResult struct {
	RedirectTo string
	TxnID      string
}

// Authorize validates the request, stores a transaction, and produces the
// next redirect: to the upstream provider in production, or straight back
// to the client with a freshly minted code in dev.
func (e *Engine) Authorize(ctx context.Context, in AuthorizeInput) (*AuthorizeResult, error) {
	if in.RedirectURI == "" {
		return nil, Errorf(ErrInvalidRequest, "redirect_uri is required")
	}
	if in.CodeChallenge == "" {
		return nil, Errorf(ErrInvalidRequest, "code_challenge is required")
	}
	if in.CodeChallengeMethod != "S256" {
		return nil, Errorf(ErrInvalidRequest, "code_challenge_method must be S256")
	}

	var metadata *ClientMetadata
	if e.cfg.CIMD.Enabled && networking.IsMetadataURL(in.ClientID) {
		meta, err := e.cimd.Fetch(ctx, in.ClientID)
		if err != nil {
			return nil, err
		}
		if !meta.AllowsRedirect(in.RedirectURI) {
			return nil, Errorf(ErrInvalidRequest,
				"redirect_uri is not listed in the client metadata")
		}
		metadata = meta
	}

	txnID, err := tokens.GenerateTxnID()
	if err != nil {
		return nil, Errorf(ErrServerError, "failed to generate transaction id")
	}
	txn := &tokens.Transaction{
		CodeChallenge: in.CodeChallenge,
		State:         in.State,
		Scope:         in.Scope,
		SessionID:     in.SessionID,
		CreatedAt:     time.Now(),
	}
	if err := e.store.SaveTransaction(ctx, txnID, txn); err != nil {
		return nil, Errorf(ErrServerError, "failed to save transaction")
	}

	if e.providerConfigured() {
		redirect, err := e.buildProviderAuthorizeURL(txnID, in)
		if err != nil {
			return nil, err
		}
		return &AuthorizeResult{RedirectTo: redirect, TxnID: txnID}, nil
	}
	return e.devShortcut(ctx, txnID, in, metadata)
}

// buildProviderAuthorizeURL assembles the upstream authorize redirect with
// the composite state.
func (e *Engine) buildProviderAuthorizeURL(txnID string, in AuthorizeInput) (string, error) {
	authorizeURL := e.cfg.OAuth.AuthorizationURL
	if authorizeURL == "" {
		authorizeURL = strings.TrimSuffix(e.provider.Config().AccountsURL, "/") + "/authorize"
	}

	state, err := CompositeState{
		TxnID:          txnID,
		ClientState:    in.State,
		ClientRedirect: in.RedirectURI,
		SessionID:      in.SessionID,
	}.Encode()
	if err != nil {
		return "", Errorf(ErrServerError, "failed to encode state")
	}

	scope := in.Scope
	if scope == "" {
		scope = strings.Join(e.cfg.OAuth.Scopes, " ")
	}

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {e.provider.Config().ClientID},
		"redirect_uri":  {e.cfg.OAuth.RedirectURI},
		"state":         {state},
	}
	if scope != "" {
		q.Set("scope", scope)
	}
	for k, v := range e.cfg.OAuth.ExtraAuthParams {
		q.Set(k, v)
	}
	return authorizeURL + "?" + q.Encode(), nil
}

// devShortcut mints a code immediately when no provider is configured.
func (e *Engine) devShortcut(
	ctx context.Context, txnID string, in AuthorizeInput, metadata *ClientMetadata,
) (*AuthorizeResult, error) {
	if err := e.checkClientRedirect(in.RedirectURI, metadata); err != nil {
		return nil, err
	}

	code, err := tokens.GenerateToken()
	if err != nil {
		return nil, Errorf(ErrServerError, "failed to generate code")
	}
	if err := e.store.SaveCode(ctx, code, txnID); err != nil {
		return nil, Errorf(ErrServerError, "failed to save code")
	}

	redirect, err := appendQuery(in.RedirectURI, url.Values{
		"code":  {code},
		"state": {in.State},
	})
	if err != nil {
		return nil, Errorf(ErrInvalidRequest, "redirect_uri is not a valid URL")
	}
	logger.Debugw("issued dev authorization code", "txn_id", txnID)
	return &AuthorizeResult{RedirectTo: redirect, TxnID: txnID}, nil
}

// checkClientRedirect enforces the redirect allowlist. Loopback hosts are
// always allowed outside production.
func (e *Engine) checkClientRedirect(redirectURI string, metadata *ClientMetadata) error {
	if e.cfg.OAuth.RedirectAllowAll {
		return nil
	}
	if metadata != nil && metadata.AllowsRedirect(redirectURI) {
		return nil
	}
	for _, allowed := range e.cfg.OAuth.RedirectAllowlist {
		if redirectURI == allowed {
			return nil
		}
	}
	if !e.cfg.Server.Production {
		if u, err := url.Parse(redirectURI); err == nil && isLoopbackHost(u.Hostname()) {
			return nil
		}
	}
	return Errorf(ErrInvalidRequest, "redirect_uri is not allowed")
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// CallbackResult is the redirect back to the client after the provider
// round trip.
type CallbackResult struct {
	RedirectTo string
}

// HandleCallback exchanges the provider code, persists the provider token
// into the transaction and redirects the user agent back to the client
// with a freshly minted RS authorization code.
func (e *Engine) HandleCallback(ctx context.Context, stateParam, providerCode string) (*CallbackResult, error) {
	state, err := DecodeState(stateParam)
	if err != nil {
		return nil, Errorf(ErrInvalidRequest, "%s", err.Error())
	}

	txn, err := e.store.GetTransaction(ctx, state.TxnID)
	if err != nil {
		return nil, Errorf(ErrUnknownTxn, "transaction %s not found", state.TxnID)
	}

	if !e.providerConfigured() {
		return nil, Errorf(ErrServerError, "no upstream provider configured")
	}
	providerToken, err := e.provider.ExchangeCode(ctx, providerCode, e.cfg.OAuth.RedirectURI)
	if err != nil {
		return nil, mapUpstreamError(err)
	}

	txn.Provider = providerToken
	if err := e.store.SaveTransaction(ctx, state.TxnID, txn); err != nil {
		return nil, Errorf(ErrServerError, "failed to update transaction")
	}

	code, err := tokens.GenerateToken()
	if err != nil {
		return nil, Errorf(ErrServerError, "failed to generate code")
	}
	if err := e.store.SaveCode(ctx, code, state.TxnID); err != nil {
		return nil, Errorf(ErrServerError, "failed to save code")
	}

	if err := e.checkClientRedirect(state.ClientRedirect, nil); err != nil {
		return nil, err
	}
	redirect, err := appendQuery(state.ClientRedirect, url.Values{
		"code":  {code},
		"state": {state.ClientState},
	})
	if err != nil {
		return nil, Errorf(ErrInvalidRequest, "client redirect is not a valid URL")
	}
	return &CallbackResult{RedirectTo: redirect}, nil
}

func mapUpstreamError(err error) *Error {
	var te *upstream.TokenError
	if errors.As(err, &te) {
		return Errorf("provider_token_error", "%s %s", te.Code, te.Description)
	}
	if strings.Contains(err.Error(), "provider_no_token") {
		return Errorf(ErrProviderNoToken, "provider response carried no access token")
	}
	return Errorf("fetch_failed", "%s", err.Error())
}

// TokenRequest is the parsed form body of POST /token.
type TokenRequest struct {
	GrantType    string
	Code         string
	CodeVerifier string
	RefreshToken string
}

// TokenResponse is the RFC 6749 success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// Token handles POST /token.
func (e *Engine) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case "authorization_code":
		return e.authorizationCodeGrant(ctx, req)
	case "refresh_token":
		return e.refreshTokenGrant(ctx, req)
	default:
		return nil, Errorf(ErrUnsupportedGrantType, "grant_type %q is not supported", req.GrantType)
	}
}

// S256Challenge computes the PKCE S256 transformation of a verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (e *Engine) authorizationCodeGrant(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.Code == "" || req.CodeVerifier == "" {
		return nil, Errorf(ErrInvalidRequest, "code and code_verifier are required")
	}

	txnID, err := e.store.GetTxnIDByCode(ctx, req.Code)
	if err != nil {
		return nil, Errorf(ErrInvalidGrant, "authorization code is invalid or expired")
	}
	txn, err := e.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, Errorf(ErrInvalidGrant, "transaction is gone")
	}

	expected := S256Challenge(req.CodeVerifier)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(txn.CodeChallenge)) != 1 {
		return nil, Errorf(ErrInvalidGrant, "code_verifier does not match the challenge")
	}

	rsAccess, err := tokens.GenerateToken()
	if err != nil {
		return nil, Errorf(ErrServerError, "failed to mint tokens")
	}
	rsRefresh, err := tokens.GenerateToken()
	if err != nil {
		return nil, Errorf(ErrServerError, "failed to mint tokens")
	}

	scope := txn.Scope
	if txn.Provider != nil && txn.Provider.AccessToken != "" {
		if _, err := e.store.StoreRSMapping(ctx, rsAccess, txn.Provider, rsRefresh); err != nil {
			return nil, Errorf(ErrServerError, "failed to store token mapping")
		}
		if len(txn.Provider.Scopes) > 0 {
			scope = strings.Join(txn.Provider.Scopes, " ")
		}
	} else {
		logger.Warnw("transaction has no provider token, issuing unmapped RS tokens",
			"txn_id", txnID)
	}

	// Single-use: the code and the transaction are consumed here.
	_ = e.store.DeleteTransaction(ctx, txnID)
	_ = e.store.DeleteCode(ctx, req.Code)

	return &TokenResponse{
		AccessToken:  rsAccess,
		RefreshToken: rsRefresh,
		TokenType:    "bearer",
		ExpiresIn:    rsTokenLifetime,
		Scope:        scope,
	}, nil
}

func (e *Engine) refreshTokenGrant(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, Errorf(ErrInvalidRequest, "refresh_token is required")
	}

	rec, err := e.store.GetByRSRefresh(ctx, req.RefreshToken)
	if err != nil {
		return nil, Errorf(ErrInvalidGrant, "refresh token is invalid or expired")
	}

	now := time.Now()
	needsRefresh := rec.Provider != nil && rec.Provider.ExpiresWithin(now, 60*time.Second)

	if needsRefresh && rec.Provider.RefreshToken != "" && e.providerConfigured() {
		newProvider, err := e.provider.Refresh(ctx, rec.Provider.RefreshToken)
		if err != nil {
			return nil, Errorf(ErrProviderRefresh, "%s", err.Error())
		}
		if newProvider.RefreshToken == "" {
			newProvider.RefreshToken = rec.Provider.RefreshToken
		}

		newRSAccess := ""
		if newProvider.RefreshToken != rec.Provider.RefreshToken {
			if newRSAccess, err = tokens.GenerateToken(); err != nil {
				return nil, Errorf(ErrServerError, "failed to mint tokens")
			}
		}
		if rec, err = e.store.UpdateByRSRefresh(ctx, req.RefreshToken, newProvider, newRSAccess); err != nil {
			return nil, Errorf(ErrServerError, "failed to rotate token mapping")
		}
	} else if needsRefresh {
		logger.Warnw("provider token expired and cannot be refreshed",
			"rs_token", logger.RedactToken(rec.RSAccessToken))
	}

	return &TokenResponse{
		AccessToken:  rec.RSAccessToken,
		RefreshToken: req.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    providerExpiresIn(rec, now),
		Scope:        providerScope(rec),
	}, nil
}

// providerExpiresIn derives expires_in from the upstream expiry, floored
// to one second.
func providerExpiresIn(rec *tokens.RSRecord, now time.Time) int64 {
	if rec.Provider == nil || !rec.Provider.HasExpiry() {
		return rsTokenLifetime
	}
	secs := int64(rec.Provider.ExpiresAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

func providerScope(rec *tokens.RSRecord) string {
	if rec.Provider == nil {
		return ""
	}
	return strings.Join(rec.Provider.Scopes, " ")
}

// RegisterRequest is the dynamic client registration body.
type RegisterRequest struct {
	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
	ClientName    string   `json:"client_name,omitempty"`
}

// RegisterResponse echoes the registration with a fresh client_id.
type RegisterResponse struct {
	ClientID                string   `json:"client_id"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ClientName              string   `json:"client_name,omitempty"`
}

// Register mints a client_id. No registration record is persisted.
func (e *Engine) Register(req RegisterRequest) (*RegisterResponse, error) {
	clientID, err := tokens.GenerateClientID()
	if err != nil {
		return nil, Errorf(ErrServerError, "failed to generate client id")
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	return &RegisterResponse{
		ClientID:                clientID,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: "none",
		ClientName:              req.ClientName,
	}, nil
}

func appendQuery(rawURL string, params url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			if v != "" || k == "code" {
				q.Set(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
