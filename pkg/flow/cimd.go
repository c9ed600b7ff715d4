// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/tokenbridge/mcp-bridge/pkg/config"
	"github.com/tokenbridge/mcp-bridge/pkg/logger"
	"github.com/tokenbridge/mcp-bridge/pkg/networking"
)

// ClientMetadata is a Client-ID-Metadata-Document: a JSON document hosted
// at the client_id URL describing the client.
type ClientMetadata struct {
	ClientID     string   `json:"client_id"`
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name,omitempty"`
	ClientURI    string   `json:"client_uri,omitempty"`
	GrantTypes   []string `json:"grant_types,omitempty"`
	Scope        string   `json:"scope,omitempty"`
}

const clientMetadataSchema = `{
	"type": "object",
	"required": ["client_id", "redirect_uris"],
	"properties": {
		"client_id": {"type": "string", "format": "uri"},
		"redirect_uris": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "format": "uri"}
		},
		"client_name": {"type": "string"},
		"client_uri": {"type": "string", "format": "uri"},
		"grant_types": {"type": "array", "items": {"type": "string"}},
		"scope": {"type": "string"}
	}
}`

var compiledMetadataSchema = gojsonschema.NewStringLoader(clientMetadataSchema)

// cimdFetcher retrieves and validates client metadata documents.
type cimdFetcher struct {
	cfg  config.CIMD
	http networking.HTTPClient
}

func newCIMDFetcher(cfg config.CIMD, httpClient networking.HTTPClient) *cimdFetcher {
	if httpClient == nil {
		httpClient = networking.NewClientBuilder().
			WithTimeout(cfg.FetchTimeout).
			WithoutRedirects().
			Build()
	}
	return &cimdFetcher{cfg: cfg, http: httpClient}
}

// Fetch retrieves the metadata document at clientID. Any failure is an
// invalid_client flow error carrying the CIMD-specific detail code.
func (f *cimdFetcher) Fetch(ctx context.Context, clientID string) (*ClientMetadata, error) {
	if err := networking.CheckSSRFSafe(clientID, f.cfg.AllowedDomains); err != nil {
		var ssrf *networking.SSRFError
		if errors.As(err, &ssrf) && ssrf.Reason == "domain_not_allowed" {
			return nil, Errorf(ErrInvalidClient, "domain_not_allowed: %s", ssrf.Detail)
		}
		return nil, Errorf(ErrInvalidClient, "%s", err.Error())
	}

	fetchCtx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
	defer cancel()

	result, err := networking.FetchJSON[json.RawMessage](
		fetchCtx, f.http, clientID,
		networking.WithMaxResponseSize(f.cfg.MaxResponseLen),
	)
	if err != nil {
		return nil, classifyFetchError(err)
	}

	doc := gojsonschema.NewBytesLoader(result.Data)
	validation, err := gojsonschema.Validate(compiledMetadataSchema, doc)
	if err != nil {
		return nil, Errorf(ErrInvalidClient, "invalid_json: %s", err.Error())
	}
	if !validation.Valid() {
		details := make([]string, 0, len(validation.Errors()))
		for _, desc := range validation.Errors() {
			details = append(details, desc.String())
		}
		return nil, Errorf(ErrInvalidClient, "invalid_metadata: %s", strings.Join(details, "; "))
	}

	var meta ClientMetadata
	if err := json.Unmarshal(result.Data, &meta); err != nil {
		return nil, Errorf(ErrInvalidClient, "invalid_json: %s", err.Error())
	}
	if meta.ClientID != clientID {
		return nil, Errorf(ErrInvalidClient,
			"client_id_mismatch: document declares %s", meta.ClientID)
	}

	logger.Debugw("fetched client metadata",
		"client_id", clientID, "redirect_uris", len(meta.RedirectURIs))
	return &meta, nil
}

// AllowsRedirect reports whether the metadata lists the redirect URI.
func (m *ClientMetadata) AllowsRedirect(redirectURI string) bool {
	return slices.Contains(m.RedirectURIs, redirectURI)
}

func classifyFetchError(err error) *Error {
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Errorf(ErrInvalidClient, "fetch_timeout")
	case strings.Contains(msg, "response exceeds"):
		return Errorf(ErrInvalidClient, "metadata_too_large")
	case strings.Contains(msg, "unexpected content type"):
		return Errorf(ErrInvalidClient, "invalid_content_type")
	case strings.Contains(msg, "failed to parse JSON"):
		return Errorf(ErrInvalidClient, "invalid_json")
	default:
		return Errorf(ErrInvalidClient, "fetch_failed: %s", msg)
	}
}
