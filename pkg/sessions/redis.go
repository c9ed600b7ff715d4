// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokenbridge/mcp-bridge/pkg/logger"
)

// RedisStore layers write-through persistence over a MemoryStore. Sessions
// are stored individually with a server-side TTL; the per-credential index
// is a JSON array of session IDs under session:apikey:{key}.
type RedisStore struct {
	*MemoryStore

	client redis.UniversalClient
	prefix string
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*redisStoreConfig)

type redisStoreConfig struct {
	memOpts []MemoryStoreOption
	prefix  string
}

// WithKeyPrefix sets the key namespace. Defaults to "mcpbridge:".
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(c *redisStoreConfig) { c.prefix = prefix }
}

// WithRedisMemoryOptions forwards options to the underlying MemoryStore.
func WithRedisMemoryOptions(opts ...MemoryStoreOption) RedisStoreOption {
	return func(c *redisStoreConfig) { c.memOpts = append(c.memOpts, opts...) }
}

// NewRedisStore creates a RedisStore around an existing client. The caller
// keeps ownership of the client; Close does not close it.
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	cfg := &redisStoreConfig{prefix: "mcpbridge:"}
	for _, opt := range opts {
		opt(cfg)
	}
	return &RedisStore{
		MemoryStore: NewMemoryStore(cfg.memOpts...),
		client:      client,
		prefix:      cfg.prefix,
	}
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + "session:" + id }
func (s *RedisStore) apiKeyKey(key string) string { return s.prefix + "session:apikey:" + key }

func (s *RedisStore) writeSession(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.sessionKey(sess.ID), data, s.ttl).Err(); err != nil {
		logger.Warnw("redis write-through failed for session",
			"session_id", sess.ID, "error", err.Error())
		return fmt.Errorf("redis write failed: %w", err)
	}
	return nil
}

// indexAdd appends the session ID to the credential's JSON array index.
func (s *RedisStore) indexAdd(ctx context.Context, apiKey, sessionID string) {
	if apiKey == "" {
		return
	}
	ids, _ := s.readIndex(ctx, apiKey)
	if !slices.Contains(ids, sessionID) {
		ids = append(ids, sessionID)
	}
	s.writeIndex(ctx, apiKey, ids)
}

// indexRemove drops the session ID from the credential's index.
func (s *RedisStore) indexRemove(ctx context.Context, apiKey, sessionID string) {
	if apiKey == "" {
		return
	}
	ids, _ := s.readIndex(ctx, apiKey)
	ids = slices.DeleteFunc(ids, func(id string) bool { return id == sessionID })
	s.writeIndex(ctx, apiKey, ids)
}

func (s *RedisStore) readIndex(ctx context.Context, apiKey string) ([]string, error) {
	data, err := s.client.Get(ctx, s.apiKeyKey(apiKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("corrupt session index in redis: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) writeIndex(ctx context.Context, apiKey string, ids []string) {
	var err error
	if len(ids) == 0 {
		err = s.client.Del(ctx, s.apiKeyKey(apiKey)).Err()
	} else {
		var data []byte
		if data, err = json.Marshal(ids); err == nil {
			err = s.client.Set(ctx, s.apiKeyKey(apiKey), data, s.ttl).Err()
		}
	}
	if err != nil {
		logger.Warnw("redis session index update failed",
			"api_key_set", apiKey != "", "error", err.Error())
	}
}

// Create registers the session in both layers.
func (s *RedisStore) Create(ctx context.Context, sessionID, apiKey string) (*Session, error) {
	// Enforce the per-credential cap against the remote view so replicas
	// share the budget.
	if apiKey != "" {
		for {
			n, err := s.CountByAPIKey(ctx, apiKey)
			if err != nil || n < MaxSessionsPerAPIKey {
				break
			}
			if err := s.DeleteOldestByAPIKey(ctx, apiKey); err != nil {
				break
			}
		}
	}

	sess, err := s.MemoryStore.Create(ctx, sessionID, apiKey)
	if err != nil {
		return nil, err
	}
	if err := s.writeSession(ctx, sess); err != nil {
		return sess, err
	}
	s.indexAdd(ctx, apiKey, sessionID)
	return sess, nil
}

// Get serves from memory, falling back to redis for sessions created by
// other replicas. Remote hits are rehydrated locally and touched.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.MemoryStore.Get(ctx, sessionID)
	if err == nil {
		if werr := s.writeSession(ctx, sess); werr != nil {
			logger.Debugw("session touch not persisted", "session_id", sessionID)
		}
		return sess, nil
	}

	remote, rerr := s.fetchRemote(ctx, sessionID)
	if rerr != nil {
		return nil, rerr
	}
	s.rehydrate(remote)
	return s.MemoryStore.Get(ctx, sessionID)
}

func (s *RedisStore) fetchRemote(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		logger.Warnw("redis read failed, serving memory layer", "error", err.Error())
		return nil, ErrNotFound
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("corrupt session in redis: %w", err)
	}
	if sess.expired(time.Now(), s.ttl) {
		_ = s.client.Del(ctx, s.sessionKey(sessionID)).Err()
		return nil, ErrNotFound
	}
	return &sess, nil
}

// rehydrate installs a remote session into the memory layer preserving its
// original timestamps and flags.
func (s *RedisStore) rehydrate(remote *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[remote.ID] = remote.clone()
	if remote.APIKey != "" {
		if s.byAPIKey[remote.APIKey] == nil {
			s.byAPIKey[remote.APIKey] = make(map[string]struct{})
		}
		s.byAPIKey[remote.APIKey][remote.ID] = struct{}{}
	}
}

// Update merges the patch in memory and mirrors the result to redis.
func (s *RedisStore) Update(ctx context.Context, sessionID string, patch Patch) (*Session, error) {
	prev, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sess, err := s.MemoryStore.Update(ctx, sessionID, patch)
	if err != nil {
		return nil, err
	}
	if err := s.writeSession(ctx, sess); err != nil {
		return sess, err
	}
	if prev.APIKey != sess.APIKey {
		s.indexRemove(ctx, prev.APIKey, sessionID)
		s.indexAdd(ctx, sess.APIKey, sessionID)
	}
	return sess, nil
}

// Delete removes the session from both layers.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	sess, _ := s.fetchRemote(ctx, sessionID)
	if sess == nil {
		if m, err := s.MemoryStore.Get(ctx, sessionID); err == nil {
			sess = m
		}
	}

	memErr := s.MemoryStore.Delete(ctx, sessionID)
	if err := s.client.Del(ctx, s.sessionKey(sessionID)).Err(); err != nil {
		logger.Warnw("redis delete failed for session", "error", err.Error())
	}
	if sess != nil {
		s.indexRemove(ctx, sess.APIKey, sessionID)
		return nil
	}
	return memErr
}

// GetByAPIKey merges the remote index with locally known sessions.
func (s *RedisStore) GetByAPIKey(ctx context.Context, apiKey string) ([]*Session, error) {
	ids, err := s.readIndex(ctx, apiKey)
	if err != nil {
		logger.Warnw("redis read failed, serving memory layer", "error", err.Error())
		return s.MemoryStore.GetByAPIKey(ctx, apiKey)
	}

	seen := make(map[string]struct{}, len(ids))
	var out []*Session
	for _, id := range ids {
		if sess, gerr := s.Get(ctx, id); gerr == nil {
			out = append(out, sess)
			seen[id] = struct{}{}
		}
	}
	local, _ := s.MemoryStore.GetByAPIKey(ctx, apiKey)
	for _, sess := range local {
		if _, ok := seen[sess.ID]; !ok {
			out = append(out, sess)
		}
	}
	return out, nil
}

// CountByAPIKey counts sessions across both layers.
func (s *RedisStore) CountByAPIKey(ctx context.Context, apiKey string) (int, error) {
	all, err := s.GetByAPIKey(ctx, apiKey)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// DeleteOldestByAPIKey evicts the least recently accessed session for the
// fingerprint across both layers.
func (s *RedisStore) DeleteOldestByAPIKey(ctx context.Context, apiKey string) error {
	all, err := s.GetByAPIKey(ctx, apiKey)
	if err != nil || len(all) == 0 {
		return err
	}
	oldest := all[0]
	for _, sess := range all[1:] {
		if sess.LastAccessed.Before(oldest.LastAccessed) {
			oldest = sess
		}
	}
	return s.Delete(ctx, oldest.ID)
}

// Health pings the remote.
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Compile-time interface compliance check.
var _ Store = (*RedisStore)(nil)
