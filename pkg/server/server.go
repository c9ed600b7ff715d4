// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

// Package server is the HTTP facade: the /mcp session endpoints, the OAuth
// endpoints the flow engine backs, the well-known discovery documents,
// health and metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokenbridge/mcp-bridge/pkg/auth"
	"github.com/tokenbridge/mcp-bridge/pkg/config"
	"github.com/tokenbridge/mcp-bridge/pkg/flow"
	"github.com/tokenbridge/mcp-bridge/pkg/logger"
	"github.com/tokenbridge/mcp-bridge/pkg/mcp"
	"github.com/tokenbridge/mcp-bridge/pkg/reqctx"
	"github.com/tokenbridge/mcp-bridge/pkg/sessions"
	"github.com/tokenbridge/mcp-bridge/pkg/telemetry"
	"github.com/tokenbridge/mcp-bridge/pkg/tokens"
)

// SessionHeader carries the server-issued session identifier.
const SessionHeader = "Mcp-Session-Id"

const (
	maxBodyBytes      = 4 << 20
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
	healthTimeout     = 2 * time.Second
)

// Server ties the dispatcher, the stores and the flow engine to the HTTP
// surface.
type Server struct {
	cfg        *config.Config
	dispatcher *mcp.Dispatcher
	sessions   sessions.Store
	contexts   *reqctx.Registry
	resolver   *auth.Resolver
	engine     *flow.Engine
	tokens     tokens.Store

	httpServer *http.Server
}

// New wires the facade. All dependencies are owned by the caller.
func New(
	cfg *config.Config,
	dispatcher *mcp.Dispatcher,
	sessionStore sessions.Store,
	contexts *reqctx.Registry,
	resolver *auth.Resolver,
	engine *flow.Engine,
	tokenStore tokens.Store,
) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		sessions:   sessionStore,
		contexts:   contexts,
		resolver:   resolver,
		engine:     engine,
		tokens:     tokenStore,
	}
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Post("/mcp", s.handleMCPPost)
	r.Get("/mcp", s.handleMCPGet)
	r.Delete("/mcp", s.handleMCPDelete)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", telemetry.Handler())

	r.Get("/.well-known/oauth-authorization-server", s.handleAuthServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", s.handleProtectedResource)

	r.Get("/authorize", s.handleAuthorize)
	r.Get("/oauth/callback", s.handleCallback)
	r.Post("/token", s.handleToken)
	r.Post("/register", s.handleRegister)
	r.Post("/revoke", s.handleRevoke)

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprintf("%d", s.cfg.Server.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	logger.Infow("http server listening", "address", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.tokens.Health(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"status": "unhealthy", "detail": "token store"})
		return
	}
	if err := s.sessions.Health(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"status": "unhealthy", "detail": "session store"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestOrigin reconstructs the external origin of the request.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugw("failed to write response body", "error", err.Error())
	}
}

// writeRPCError writes a JSON-RPC error envelope at an HTTP error status.
func writeRPCError(w http.ResponseWriter, status, code int, message string) {
	writeJSON(w, status, mcp.NewError(nil, code, message))
}
