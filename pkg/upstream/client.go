// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

// Package upstream talks to the identity provider's token endpoint:
// authorization-code exchange and refresh-token grants per RFC 6749,
// authenticated with client-secret-basic.
package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tokenbridge/mcp-bridge/pkg/networking"
	"github.com/tokenbridge/mcp-bridge/pkg/tokens"
)

// DefaultTokenEndpointPath is appended to the accounts URL when the
// provider does not specify one.
const DefaultTokenEndpointPath = "/token"

// defaultExpiresIn applies when the provider omits expires_in.
const defaultExpiresIn = 3600

// Config identifies the upstream provider.
type Config struct {
	ClientID          string
	ClientSecret      string
	AccountsURL       string
	TokenEndpointPath string
}

// Configured reports whether provider credentials are present.
func (c Config) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.AccountsURL != ""
}

// TokenURL is the fully resolved token endpoint.
func (c Config) TokenURL() string {
	path := c.TokenEndpointPath
	if path == "" {
		path = DefaultTokenEndpointPath
	}
	return strings.TrimSuffix(c.AccountsURL, "/") + path
}

// TokenError is a structured OAuth error body returned by the provider.
type TokenError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
	Status      int    `json:"-"`
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("provider_token_error: %s %s", e.Code, e.Description)
}

// tokenResponse is the RFC 6749 token endpoint success shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Client performs token-endpoint calls through the throttled HTTP stack.
type Client struct {
	cfg      Config
	http     networking.HTTPClient
	throttle networking.ThrottleConfig
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client, used by tests and by callers
// that share one throttled client across components.
func WithHTTPClient(httpClient networking.HTTPClient) ClientOption {
	return func(c *Client) { c.http = httpClient }
}

// WithThrottle sets the rate limits applied to the default transport.
// Ignored when WithHTTPClient supplies a transport.
func WithThrottle(tc networking.ThrottleConfig) ClientOption {
	return func(c *Client) { c.throttle = tc }
}

// NewClient builds a provider client with a hardened, throttled transport.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		inner := networking.NewClientBuilder().
			WithTimeout(networking.HTTPTimeout).
			Build()
		c.http = networking.NewThrottledClient(inner, c.throttle)
	}
	return c
}

// Config returns the provider configuration the client was built with.
func (c *Client) Config() Config {
	return c.cfg
}

func (c *Client) basicAuth() string {
	raw := c.cfg.ClientID + ":" + c.cfg.ClientSecret
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// tokenErrorHandler surfaces structured OAuth error bodies instead of the
// generic HTTP error.
func tokenErrorHandler(resp *http.Response, body []byte) error {
	var te TokenError
	if err := json.Unmarshal(body, &te); err != nil || te.Code == "" {
		return nil
	}
	te.Status = resp.StatusCode
	return &te
}

func (c *Client) callTokenEndpoint(ctx context.Context, form url.Values) (*tokens.ProviderToken, error) {
	result, err := networking.FetchJSONWithForm[tokenResponse](
		ctx, c.http, c.cfg.TokenURL(), form,
		networking.WithHeader("Authorization", c.basicAuth()),
		networking.WithErrorHandler(tokenErrorHandler),
	)
	if err != nil {
		return nil, err
	}
	if result.Data.AccessToken == "" {
		return nil, fmt.Errorf("provider_no_token: token response missing access_token")
	}

	expiresIn := result.Data.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}
	return &tokens.ProviderToken{
		AccessToken:  result.Data.AccessToken,
		RefreshToken: result.Data.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
		Scopes:       strings.Fields(result.Data.Scope),
	}, nil
}

// ExchangeCode swaps a provider authorization code for a token set.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*tokens.ProviderToken, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	return c.callTokenEndpoint(ctx, form)
}

// Refresh performs a refresh_token grant.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*tokens.ProviderToken, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return c.callTokenEndpoint(ctx, form)
}
