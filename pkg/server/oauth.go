// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tokenbridge/mcp-bridge/pkg/flow"
	"github.com/tokenbridge/mcp-bridge/pkg/logger"
)

// handleAuthorize starts the authorization flow.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := s.engine.Authorize(r.Context(), flow.AuthorizeInput{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		SessionID:           q.Get("sid"),
	})
	if err != nil {
		s.writeOAuthError(w, err)
		return
	}
	http.Redirect(w, r, result.RedirectTo, http.StatusFound)
}

// handleCallback is the upstream provider's redirect target.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		logger.Warnw("provider returned an authorization error",
			"error", errCode, "description", q.Get("error_description"))
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             errCode,
			"error_description": q.Get("error_description"),
		})
		return
	}

	result, err := s.engine.HandleCallback(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		s.writeOAuthError(w, err)
		return
	}
	http.Redirect(w, r, result.RedirectTo, http.StatusFound)
}

// handleToken serves the token endpoint grants.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeOAuthError(w, flow.Errorf(flow.ErrInvalidRequest, "malformed form body"))
		return
	}
	resp, err := s.engine.Token(r.Context(), flow.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
	})
	if err != nil {
		s.writeOAuthError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// handleRegister performs dynamic client registration.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req flow.RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeOAuthError(w, flow.Errorf(flow.ErrInvalidRequest, "malformed registration body"))
		return
	}
	resp, err := s.engine.Register(req)
	if err != nil {
		s.writeOAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleRevoke acknowledges revocation requests. RS tokens expire on their
// own; per RFC 7009 unknown tokens still get a 200.
func (s *Server) handleRevoke(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{})
}

// handleAuthServerMetadata serves the RFC 8414 document.
func (s *Server) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	origin := requestOrigin(r)
	doc := map[string]any{
		"issuer":                                origin,
		"authorization_endpoint":                origin + "/authorize",
		"token_endpoint":                        origin + "/token",
		"registration_endpoint":                 origin + "/register",
		"revocation_endpoint":                   origin + "/revoke",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none"},
	}
	if len(s.cfg.OAuth.Scopes) > 0 {
		doc["scopes_supported"] = s.cfg.OAuth.Scopes
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleProtectedResource serves the RFC 9728 document. The optional sid
// query parameter from the challenge header is accepted but does not change
// the document.
func (s *Server) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	origin := requestOrigin(r)

	resource := s.cfg.Auth.ResourceURI
	if resource == "" {
		resource = origin + "/mcp"
	}
	authServer := s.cfg.Auth.DiscoveryURL
	if authServer == "" {
		authServer = origin
	}

	doc := map[string]any{
		"resource":                 resource,
		"authorization_servers":    []string{authServer},
		"bearer_methods_supported": []string{"header"},
	}
	if len(s.cfg.OAuth.Scopes) > 0 {
		doc["scopes_supported"] = s.cfg.OAuth.Scopes
	}
	writeJSON(w, http.StatusOK, doc)
}

// writeOAuthError maps a flow failure onto the RFC 6749 error body.
func (s *Server) writeOAuthError(w http.ResponseWriter, err error) {
	var fe *flow.Error
	if !errors.As(err, &fe) {
		logger.Errorw("oauth endpoint failed", "error", err.Error())
		fe = flow.Errorf(flow.ErrServerError, "internal error")
	}
	writeJSON(w, oauthStatus(fe.Code), map[string]string{
		"error":             fe.Code,
		"error_description": fe.Description,
	})
}

func oauthStatus(code string) int {
	switch code {
	case flow.ErrServerError:
		return http.StatusInternalServerError
	case flow.ErrProviderRefresh, flow.ErrProviderNoToken, "provider_token_error", "fetch_failed":
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}
