// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tokenbridge/mcp-bridge/pkg/logger"
)

// MemoryStore is the in-process session store. Expired sessions are removed
// lazily on read and by a periodic sweep.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byAPIKey map[string]map[string]struct{}

	ttl           time.Duration
	sweepInterval time.Duration

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithTTL overrides the session idle TTL.
func WithTTL(ttl time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.ttl = ttl }
}

// WithSweepInterval overrides the sweep cadence.
func WithSweepInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.sweepInterval = interval }
}

// NewMemoryStore creates a memory-backed session store and starts its sweep.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		sessions:      make(map[string]*Session),
		byAPIKey:      make(map[string]map[string]struct{}),
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweepLoop()
	return s
}

func (s *MemoryStore) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-s.stopSweep:
			return
		}
	}
}

// sweepExpired collects expired IDs under the read lock, then deletes
// under the write lock.
func (s *MemoryStore) sweepExpired() {
	now := time.Now()

	s.mu.RLock()
	var expired []string
	for id, sess := range s.sessions {
		if sess.expired(now, s.ttl) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	for _, id := range expired {
		if sess, ok := s.sessions[id]; ok && sess.expired(now, s.ttl) {
			s.dropLocked(id)
		}
	}
	s.mu.Unlock()

	logger.Debugw("swept expired sessions", "count", len(expired))
}

// dropLocked removes the session and its credential index entry.
// Caller holds the write lock.
func (s *MemoryStore) dropLocked(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	if sess.APIKey == "" {
		return
	}
	if ids, ok := s.byAPIKey[sess.APIKey]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.byAPIKey, sess.APIKey)
		}
	}
}

// liveByAPIKeyLocked returns non-expired sessions for a fingerprint.
// Caller holds at least the read lock.
func (s *MemoryStore) liveByAPIKeyLocked(apiKey string, now time.Time) []*Session {
	var out []*Session
	for id := range s.byAPIKey[apiKey] {
		if sess, ok := s.sessions[id]; ok && !sess.expired(now, s.ttl) {
			out = append(out, sess)
		}
	}
	return out
}

// Create registers a session. When the credential already holds
// MaxSessionsPerAPIKey sessions, the least recently accessed one is evicted
// first; when the store is globally full, the oldest by creation goes.
func (s *MemoryStore) Create(_ context.Context, sessionID, apiKey string) (*Session, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if apiKey != "" {
		for len(s.liveByAPIKeyLocked(apiKey, now)) >= MaxSessionsPerAPIKey {
			s.deleteOldestByAPIKeyLocked(apiKey, now)
		}
	}
	if len(s.sessions) >= MaxSessions {
		s.evictOldestByCreationLocked()
	}

	sess := &Session{
		ID:           sessionID,
		APIKey:       apiKey,
		CreatedAt:    now,
		LastAccessed: now,
	}
	s.sessions[sessionID] = sess
	if apiKey != "" {
		if s.byAPIKey[apiKey] == nil {
			s.byAPIKey[apiKey] = make(map[string]struct{})
		}
		s.byAPIKey[apiKey][sessionID] = struct{}{}
	}
	return sess.clone(), nil
}

func (s *MemoryStore) evictOldestByCreationLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, sess := range s.sessions {
		if oldestID == "" || sess.CreatedAt.Before(oldestAt) {
			oldestID, oldestAt = id, sess.CreatedAt
		}
	}
	if oldestID != "" {
		logger.Warnw("session store at capacity, evicting oldest session",
			"session_id", oldestID, "created_at", oldestAt)
		s.dropLocked(oldestID)
	}
}

func (s *MemoryStore) deleteOldestByAPIKeyLocked(apiKey string, now time.Time) {
	live := s.liveByAPIKeyLocked(apiKey, now)
	if len(live) == 0 {
		return
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].LastAccessed.Before(live[j].LastAccessed)
	})
	logger.Debugw("per-credential session cap reached, evicting oldest",
		"session_id", live[0].ID)
	s.dropLocked(live[0].ID)
}

// Get returns the session and bumps last_accessed.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if sess.expired(now, s.ttl) {
		s.dropLocked(sessionID)
		return nil, ErrNotFound
	}
	sess.LastAccessed = now
	return sess.clone(), nil
}

// Update merges the patch and bumps last_accessed.
func (s *MemoryStore) Update(_ context.Context, sessionID string, patch Patch) (*Session, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.expired(now, s.ttl) {
		if ok {
			s.dropLocked(sessionID)
		}
		return nil, ErrNotFound
	}

	if patch.APIKey != nil && *patch.APIKey != sess.APIKey {
		if sess.APIKey != "" {
			if ids, ok := s.byAPIKey[sess.APIKey]; ok {
				delete(ids, sessionID)
				if len(ids) == 0 {
					delete(s.byAPIKey, sess.APIKey)
				}
			}
		}
		sess.APIKey = *patch.APIKey
		if sess.APIKey != "" {
			if s.byAPIKey[sess.APIKey] == nil {
				s.byAPIKey[sess.APIKey] = make(map[string]struct{})
			}
			s.byAPIKey[sess.APIKey][sessionID] = struct{}{}
		}
	}
	if patch.Initialized != nil {
		sess.Initialized = *patch.Initialized
	}
	if patch.ProtocolVersion != nil {
		sess.ProtocolVersion = *patch.ProtocolVersion
	}
	sess.LastAccessed = now
	return sess.clone(), nil
}

// Delete removes the session.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	s.dropLocked(sessionID)
	return nil
}

// GetByAPIKey lists live sessions for a credential fingerprint.
func (s *MemoryStore) GetByAPIKey(_ context.Context, apiKey string) ([]*Session, error) {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	live := s.liveByAPIKeyLocked(apiKey, now)
	out := make([]*Session, 0, len(live))
	for _, sess := range live {
		out = append(out, sess.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccessed.Before(out[j].LastAccessed)
	})
	return out, nil
}

// CountByAPIKey counts live sessions for a credential fingerprint.
func (s *MemoryStore) CountByAPIKey(_ context.Context, apiKey string) (int, error) {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.liveByAPIKeyLocked(apiKey, now)), nil
}

// DeleteOldestByAPIKey evicts the least recently accessed session for the
// fingerprint.
func (s *MemoryStore) DeleteOldestByAPIKey(_ context.Context, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteOldestByAPIKeyLocked(apiKey, time.Now())
	return nil
}

// Count reports the number of stored sessions, expired ones included.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Health always succeeds for the memory backend.
func (s *MemoryStore) Health(_ context.Context) error {
	return nil
}

// Close stops the sweep goroutine.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopSweep)
		<-s.sweepDone
	})
	return nil
}

// Compile-time interface compliance check.
var _ Store = (*MemoryStore)(nil)
