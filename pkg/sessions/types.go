// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

// Package sessions tracks MCP session state keyed by server-issued session
// IDs, with per-credential and global caps and TTL eviction.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Session limits and lifetimes.
const (
	// DefaultTTL is the idle lifetime of a session, refreshed on access.
	DefaultTTL = 24 * time.Hour

	// MaxSessions caps the store globally; the oldest session by creation
	// time is evicted on overflow.
	MaxSessions = 10_000

	// MaxSessionsPerAPIKey caps sessions per credential fingerprint;
	// creation evicts the oldest by last access.
	MaxSessionsPerAPIKey = 5

	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = time.Minute
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

// Session is the server-side state for one MCP session.
type Session struct {
	ID              string    `json:"id"`
	APIKey          string    `json:"api_key,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastAccessed    time.Time `json:"last_accessed"`
	Initialized     bool      `json:"initialized"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// expired reports whether the session has been idle past the TTL.
func (s *Session) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastAccessed) > ttl
}

// Patch is a partial update; nil fields are left untouched.
type Patch struct {
	APIKey          *string
	Initialized     *bool
	ProtocolVersion *string
}

// Store is the session store contract. Every access-style operation bumps
// last_accessed. Callers receive snapshots; mutating them does not affect
// the store.
type Store interface {
	// Create registers a new session, evicting the caller's oldest
	// session first when the per-credential cap is reached.
	Create(ctx context.Context, sessionID, apiKey string) (*Session, error)

	// Get returns the session and touches last_accessed. Expired sessions
	// are deleted on read and reported as ErrNotFound.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Update merges the patch and bumps last_accessed.
	Update(ctx context.Context, sessionID string, patch Patch) (*Session, error)

	// Delete removes the session. Missing sessions return ErrNotFound.
	Delete(ctx context.Context, sessionID string) error

	// GetByAPIKey lists live sessions bound to a credential fingerprint.
	GetByAPIKey(ctx context.Context, apiKey string) ([]*Session, error)

	// CountByAPIKey counts live sessions for a credential fingerprint.
	CountByAPIKey(ctx context.Context, apiKey string) (int, error)

	// DeleteOldestByAPIKey evicts the least recently accessed session for
	// the fingerprint. A fingerprint with no sessions is a no-op.
	DeleteOldestByAPIKey(ctx context.Context, apiKey string) error

	// Health reports backend availability.
	Health(ctx context.Context) error

	// Close stops background work.
	Close() error
}

// NewSessionID returns a fresh server-chosen session identifier.
func NewSessionID() string {
	return uuid.NewString()
}
