// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the mcp-bridge configuration from the environment.
//
// Every recognized key is read through viper so that deployments can also
// supply values via a config file if they choose; the environment always
// wins. Load validates cross-field constraints (auth strategy, encryption
// key length) before the server starts.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tokenbridge/mcp-bridge/pkg/logger"
	"github.com/tokenbridge/mcp-bridge/pkg/networking"
)

// AuthStrategy enumerates the supported credential strategies.
type AuthStrategy string

// Supported auth strategies.
const (
	StrategyNone   AuthStrategy = "none"
	StrategyAPIKey AuthStrategy = "api_key"
	StrategyBearer AuthStrategy = "bearer"
	StrategyCustom AuthStrategy = "custom"
	StrategyOAuth  AuthStrategy = "oauth"
)

// Server holds the HTTP server and MCP identity settings.
type Server struct {
	Host            string
	Port            int
	Production      bool
	Title           string
	Version         string
	ProtocolVersion string
	Instructions    string
	AcceptHeaders   []string
	LogLevel        string
}

// Auth holds credential-resolution settings.
type Auth struct {
	Strategy             AuthStrategy
	Enabled              bool
	RequireRSToken       bool
	AllowDirectBearer    bool
	ResourceURI          string
	DiscoveryURL         string
	APIKey               string
	APIKeyHeader         string
	BearerToken          string
	CustomHeaders        map[string]string
	StrictSessionBinding bool
}

// OAuth holds settings for the authorization flow this server exposes.
type OAuth struct {
	ClientID          string
	ClientSecret      string
	Scopes            []string
	AuthorizationURL  string
	TokenURL          string
	RevocationURL     string
	RedirectURI       string
	RedirectAllowlist []string
	RedirectAllowAll  bool
	ExtraAuthParams   map[string]string
}

// CIMD holds Client-ID-Metadata-Document fetch settings.
type CIMD struct {
	Enabled        bool
	FetchTimeout   time.Duration
	MaxResponseLen int64
	AllowedDomains []string
}

// Provider holds the upstream identity provider settings.
type Provider struct {
	ClientID     string
	ClientSecret string
	APIURL       string
	AccountsURL  string
}

// Storage holds token persistence settings.
type Storage struct {
	TokensFile    string
	EncryptionKey string
	RedisURL      string
}

// Throttle holds outbound request throttling settings.
type Throttle struct {
	RPSLimit         float64
	Burst            int
	ConcurrencyLimit int64
}

// Config is the full mcp-bridge configuration.
type Config struct {
	Server   Server
	Auth     Auth
	OAuth    OAuth
	CIMD     CIMD
	Provider Provider
	Storage  Storage
	Throttle Throttle
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Server: Server{
			Host:            v.GetString("HOST"),
			Port:            v.GetInt("PORT"),
			Production:      strings.EqualFold(v.GetString("NODE_ENV"), "production"),
			Title:           v.GetString("MCP_TITLE"),
			Version:         v.GetString("MCP_VERSION"),
			ProtocolVersion: v.GetString("MCP_PROTOCOL_VERSION"),
			Instructions:    v.GetString("MCP_INSTRUCTIONS"),
			AcceptHeaders:   splitList(v.GetString("MCP_ACCEPT_HEADERS")),
			LogLevel:        v.GetString("LOG_LEVEL"),
		},
		Auth: Auth{
			Strategy:             AuthStrategy(strings.ToLower(v.GetString("AUTH_STRATEGY"))),
			Enabled:              v.GetBool("AUTH_ENABLED"),
			RequireRSToken:       v.GetBool("AUTH_REQUIRE_RS"),
			AllowDirectBearer:    v.GetBool("AUTH_ALLOW_DIRECT_BEARER"),
			ResourceURI:          v.GetString("AUTH_RESOURCE_URI"),
			DiscoveryURL:         v.GetString("AUTH_DISCOVERY_URL"),
			APIKey:               v.GetString("API_KEY"),
			APIKeyHeader:         strings.ToLower(v.GetString("API_KEY_HEADER")),
			BearerToken:          v.GetString("BEARER_TOKEN"),
			CustomHeaders:        parsePairs(v.GetString("CUSTOM_HEADERS")),
			StrictSessionBinding: v.GetBool("AUTH_STRICT_SESSION_BINDING"),
		},
		OAuth: OAuth{
			ClientID:          v.GetString("OAUTH_CLIENT_ID"),
			ClientSecret:      v.GetString("OAUTH_CLIENT_SECRET"),
			Scopes:            splitList(v.GetString("OAUTH_SCOPES")),
			AuthorizationURL:  v.GetString("OAUTH_AUTHORIZATION_URL"),
			TokenURL:          v.GetString("OAUTH_TOKEN_URL"),
			RevocationURL:     v.GetString("OAUTH_REVOCATION_URL"),
			RedirectURI:       v.GetString("OAUTH_REDIRECT_URI"),
			RedirectAllowlist: splitList(v.GetString("OAUTH_REDIRECT_ALLOWLIST")),
			RedirectAllowAll:  v.GetBool("OAUTH_REDIRECT_ALLOW_ALL"),
			ExtraAuthParams:   parsePairs(v.GetString("OAUTH_EXTRA_AUTH_PARAMS")),
		},
		CIMD: CIMD{
			Enabled:        v.GetBool("CIMD_ENABLED"),
			FetchTimeout:   time.Duration(v.GetInt("CIMD_FETCH_TIMEOUT_MS")) * time.Millisecond,
			MaxResponseLen: v.GetInt64("CIMD_MAX_RESPONSE_BYTES"),
			AllowedDomains: splitList(v.GetString("CIMD_ALLOWED_DOMAINS")),
		},
		Provider: Provider{
			ClientID:     v.GetString("PROVIDER_CLIENT_ID"),
			ClientSecret: v.GetString("PROVIDER_CLIENT_SECRET"),
			APIURL:       v.GetString("PROVIDER_API_URL"),
			AccountsURL:  v.GetString("PROVIDER_ACCOUNTS_URL"),
		},
		Storage: Storage{
			TokensFile:    v.GetString("RS_TOKENS_FILE"),
			EncryptionKey: v.GetString("RS_TOKENS_ENC_KEY"),
			RedisURL:      v.GetString("REDIS_URL"),
		},
		Throttle: Throttle{
			RPSLimit:         v.GetFloat64("RPS_LIMIT"),
			Burst:            v.GetInt("RPS_BURST"),
			ConcurrencyLimit: v.GetInt64("CONCURRENCY_LIMIT"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HOST", "127.0.0.1")
	v.SetDefault("PORT", 3000)
	v.SetDefault("MCP_TITLE", "mcp-bridge")
	v.SetDefault("MCP_VERSION", "0.1.0")
	v.SetDefault("MCP_PROTOCOL_VERSION", "2025-06-18")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_STRATEGY", string(StrategyNone))
	v.SetDefault("AUTH_ENABLED", true)
	v.SetDefault("API_KEY_HEADER", "x-api-key")
	v.SetDefault("CIMD_ENABLED", true)
	v.SetDefault("CIMD_FETCH_TIMEOUT_MS", 5000)
	v.SetDefault("CIMD_MAX_RESPONSE_BYTES", 64*1024)
	v.SetDefault("RPS_LIMIT", 10.0)
	v.SetDefault("RPS_BURST", 20)
	v.SetDefault("CONCURRENCY_LIMIT", 5)
}

func (c *Config) validate() error {
	switch c.Auth.Strategy {
	case StrategyNone, StrategyAPIKey, StrategyBearer, StrategyCustom, StrategyOAuth:
	default:
		return fmt.Errorf("invalid AUTH_STRATEGY %q", c.Auth.Strategy)
	}

	if key := c.Storage.EncryptionKey; key != "" {
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(key, "="))
		if err != nil {
			return fmt.Errorf("RS_TOKENS_ENC_KEY is not url-safe base64: %w", err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("RS_TOKENS_ENC_KEY must decode to 32 bytes, got %d", len(raw))
		}
	}

	if c.Auth.Strategy == StrategyAPIKey && c.Auth.APIKey == "" {
		return fmt.Errorf("AUTH_STRATEGY=api_key requires API_KEY")
	}
	if c.Auth.Strategy == StrategyBearer && c.Auth.BearerToken == "" {
		return fmt.Errorf("AUTH_STRATEGY=bearer requires BEARER_TOKEN")
	}
	return nil
}

// EncryptionKeyBytes decodes RS_TOKENS_ENC_KEY. Returns nil when unset.
func (c *Config) EncryptionKeyBytes() []byte {
	if c.Storage.EncryptionKey == "" {
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(c.Storage.EncryptionKey, "="))
	if err != nil {
		return nil
	}
	return raw
}

// HasProviderCredentials reports whether the upstream provider is configured
// well enough to run the production authorization path.
func (c *Config) HasProviderCredentials() bool {
	return c.Provider.ClientID != "" && c.Provider.ClientSecret != "" && c.Provider.AccountsURL != ""
}

// ThrottleConfig translates the RPS_LIMIT, RPS_BURST and CONCURRENCY_LIMIT
// settings into the networking throttle shape. Unset values stay zero and
// pick up the networking defaults.
func (c *Config) ThrottleConfig() networking.ThrottleConfig {
	return networking.ThrottleConfig{
		RPS:         c.Throttle.RPSLimit,
		Burst:       c.Throttle.Burst,
		Concurrency: c.Throttle.ConcurrencyLimit,
	}
}

// Dump returns a redacted view of the configuration for startup logging.
func (c *Config) Dump() map[string]any {
	return logger.RedactMap(map[string]any{
		"host":                   c.Server.Host,
		"port":                   c.Server.Port,
		"production":             c.Server.Production,
		"mcp_title":              c.Server.Title,
		"mcp_version":            c.Server.Version,
		"auth_strategy":          string(c.Auth.Strategy),
		"auth_enabled":           c.Auth.Enabled,
		"auth_require_rs":        c.Auth.RequireRSToken,
		"auth_allow_bearer":      c.Auth.AllowDirectBearer,
		"api_key":                c.Auth.APIKey,
		"bearer_token":           c.Auth.BearerToken,
		"provider_client_id":     c.Provider.ClientID,
		"provider_client_secret": c.Provider.ClientSecret,
		"provider_accounts_url":  c.Provider.AccountsURL,
		"rs_tokens_file":         c.Storage.TokensFile,
		"rs_tokens_enc_key":      c.Storage.EncryptionKey,
		"cimd_enabled":           c.CIMD.Enabled,
	})
}

// splitList splits a comma-separated list, trimming whitespace and dropping
// empty items.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parsePairs parses a comma-separated "k:v" list into a map. Keys are
// lowercased; values keep their case. Malformed items are skipped.
func parsePairs(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := make(map[string]string)
	for _, item := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(item, ":")
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
