// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tokenbridge/mcp-bridge/pkg/auth"
	"github.com/tokenbridge/mcp-bridge/pkg/logger"
	"github.com/tokenbridge/mcp-bridge/pkg/mcp"
	"github.com/tokenbridge/mcp-bridge/pkg/reqctx"
	"github.com/tokenbridge/mcp-bridge/pkg/sessions"
	"github.com/tokenbridge/mcp-bridge/pkg/telemetry"
)

const sseKeepalive = 30 * time.Second

// handleMCPPost dispatches one JSON-RPC message or batch.
func (s *Server) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, mcp.CodeParseError, "could not read request body")
		return
	}

	hasInitialize := bodyHasMethod(body, "initialize")
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" && !hasInitialize {
		writeRPCError(w, http.StatusBadRequest, mcp.CodeServerError,
			"Bad Request: Mcp-Session-Id required")
		return
	}

	ctx := r.Context()
	fingerprint := auth.Fingerprint(r.Header, s.cfg)

	if hasInitialize {
		// Mint the id now so challenges carry Mcp-Session-Id, but hold off
		// persisting until the request has cleared validation. A rejected
		// initialize must not consume a per-credential session slot.
		sessionID = sessions.NewSessionID()
	} else {
		sess, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			writeRPCError(w, http.StatusNotFound, mcp.CodeServerError, "Invalid session")
			return
		}
		if sess.APIKey != "" && sess.APIKey != fingerprint {
			// Sessions bind softly to the credential they were created
			// with; mismatches are served but logged.
			logger.Warnw("session used with a different credential",
				"session_id", sessionID)
			if s.cfg.Auth.StrictSessionBinding {
				writeRPCError(w, http.StatusForbidden, mcp.CodeServerError,
					"session is bound to a different credential")
				return
			}
		}
	}

	if err := s.validateOrigin(r); err != nil {
		s.writeChallenge(w, r, sessionID, err.Error())
		return
	}
	if err := s.validateProtocolVersion(r); err != nil {
		s.writeChallenge(w, r, sessionID, err.Error())
		return
	}
	if auth.NeedsChallenge(r.Header, s.cfg) {
		telemetry.AuthChallenges.Inc()
		s.writeChallenge(w, r, sessionID, "Unauthorized")
		return
	}

	msgs, err := mcp.ParseBody(body)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, mcp.CodeParseError, "Parse error")
		return
	}

	resolved, err := s.resolver.Resolve(ctx, r.Header)
	if err != nil {
		logger.Errorw("credential resolution failed", "error", err.Error())
		writeRPCError(w, http.StatusInternalServerError, mcp.CodeInternalError, "Internal error")
		return
	}
	snapshot := reqctx.AuthSnapshot{
		Strategy:      string(resolved.Strategy),
		Headers:       resolved.ResolvedHeaders,
		ProviderToken: resolved.ProviderToken,
		RSToken:       resolved.RSToken,
	}

	if hasInitialize {
		if _, err := s.sessions.Create(ctx, sessionID, fingerprint); err != nil {
			logger.Errorw("session creation failed", "error", err.Error())
			writeRPCError(w, http.StatusInternalServerError, mcp.CodeInternalError, "Internal error")
			return
		}
		telemetry.SessionsCreated.Inc()
	}

	var responses []*mcp.Response
	for _, msg := range msgs {
		msgCtx := ctx
		if !msg.IsNotification() {
			// Seed the registry before dispatch so an out-of-band cancel
			// arriving on another connection can find the handle.
			rc := s.contexts.Create(msg.RequestID(), sessionID, snapshot)
			msgCtx = reqctx.WithContext(msgCtx, rc)
		}
		resp := s.dispatcher.Dispatch(msgCtx, sessionID, msg)
		if !msg.IsNotification() {
			s.contexts.Delete(msg.RequestID())
		}
		if resp != nil {
			responses = append(responses, resp)
		}
	}

	w.Header().Set(SessionHeader, sessionID)
	switch {
	case len(responses) == 0:
		// Notification-only bodies are acknowledged without content.
		w.WriteHeader(http.StatusAccepted)
	case len(responses) == 1 && len(msgs) == 1:
		writeJSON(w, http.StatusOK, responses[0])
	default:
		writeJSON(w, http.StatusOK, responses)
	}
}

// handleMCPGet opens the SSE stream for a live session.
func (s *Server) handleMCPGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		writeRPCError(w, http.StatusMethodNotAllowed, mcp.CodeServerError,
			"Method Not Allowed: streaming requires Mcp-Session-Id")
		return
	}
	if _, err := s.sessions.Get(r.Context(), sessionID); err != nil {
		writeRPCError(w, http.StatusNotFound, mcp.CodeServerError, "Invalid session")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeRPCError(w, http.StatusInternalServerError, mcp.CodeInternalError,
			"streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set(SessionHeader, sessionID)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleMCPDelete tears the session down: store entry, in-flight request
// contexts, stream.
func (s *Server) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		writeRPCError(w, http.StatusBadRequest, mcp.CodeServerError,
			"Bad Request: Mcp-Session-Id required")
		return
	}
	if _, err := s.sessions.Get(r.Context(), sessionID); err != nil {
		writeRPCError(w, http.StatusNotFound, mcp.CodeServerError, "Invalid session")
		return
	}

	if err := s.sessions.Delete(r.Context(), sessionID); err != nil {
		logger.Warnw("session delete failed", "session_id", sessionID, "error", err.Error())
	}
	cancelled := s.contexts.DeleteBySession(sessionID)
	telemetry.SessionsDeleted.Inc()
	logger.Infow("session terminated",
		"session_id", sessionID, "cancelled_requests", cancelled)
	w.WriteHeader(http.StatusNoContent)
}

// writeChallenge answers 401 with the WWW-Authenticate pointer to the
// protected-resource document for this session.
func (s *Server) writeChallenge(w http.ResponseWriter, r *http.Request, sessionID, message string) {
	w.Header().Set("WWW-Authenticate", auth.ChallengeHeader(requestOrigin(r), sessionID))
	w.Header().Set(SessionHeader, sessionID)
	writeRPCError(w, http.StatusUnauthorized, mcp.CodeServerError, message)
}

// bodyHasMethod sniffs the raw body for a method name without committing to
// full parsing, covering both single messages and batches.
func bodyHasMethod(body []byte, method string) bool {
	parsed := gjson.ParseBytes(body)
	if parsed.IsArray() {
		found := false
		parsed.ForEach(func(_, msg gjson.Result) bool {
			if msg.Get("method").String() == method {
				found = true
				return false
			}
			return true
		})
		return found
	}
	return parsed.Get("method").String() == method
}
