// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokenbridge/mcp-bridge/pkg/logger"
)

// Default timeouts for redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisStore layers write-through persistence over a MemoryStore using a
// remote key-value namespace. Every entry is written with a server-side TTL
// equal to its record TTL, so the remote side evicts on its own.
//
// The in-process memory layer gives read-your-writes within one process
// even when the remote is unreachable; it does not give it across
// replicas. Remote read errors degrade to the memory layer with a warning.
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
// keeps ownership of the client for reuse; Close does not close it.
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

// NewRedisClient builds a client from a redis URL with hardened timeouts.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opt.DialTimeout = DefaultDialTimeout
	opt.ReadTimeout = DefaultReadTimeout
	opt.WriteTimeout = DefaultWriteTimeout
	return redis.NewClient(opt), nil
}

func (s *RedisStore) accessKey(tok string) string  { return s.prefix + "rs:access:" + tok }
func (s *RedisStore) refreshKey(tok string) string { return s.prefix + "rs:refresh:" + tok }
func (s *RedisStore) txnKey(id string) string      { return s.prefix + "txn:" + id }
func (s *RedisStore) codeKey(code string) string   { return s.prefix + "code:" + code }

func recordTTL(rec *RSRecord, now time.Time) time.Duration {
	if rec.ExpiresAt.IsZero() {
		return DefaultRecordTTL
	}
	ttl := rec.ExpiresAt.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// StoreRSMapping writes through to redis after the memory layer accepts.
func (s *RedisStore) StoreRSMapping(
	ctx context.Context, rsAccess string, provider *ProviderToken, rsRefresh string,
) (*RSRecord, error) {
	rec, err := s.MemoryStore.StoreRSMapping(ctx, rsAccess, provider, rsRefresh)
	if err != nil {
		return nil, err
	}
	if err := s.writeRecord(ctx, rec, ""); err != nil {
		return rec, err
	}
	return rec, nil
}

// writeRecord persists a record and its refresh index, deleting
// staleAccess first when the access key rotated.
func (s *RedisStore) writeRecord(ctx context.Context, rec *RSRecord, staleAccess string) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := recordTTL(rec, time.Now())

	pipe := s.client.TxPipeline()
	if staleAccess != "" && staleAccess != rec.RSAccessToken {
		pipe.Del(ctx, s.accessKey(staleAccess))
	}
	pipe.Set(ctx, s.accessKey(rec.RSAccessToken), data, ttl)
	if rec.RSRefreshToken != "" {
		pipe.Set(ctx, s.refreshKey(rec.RSRefreshToken), rec.RSAccessToken, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warnw("redis write-through failed, memory layer retains the change",
			"error", err.Error())
		return fmt.Errorf("redis write failed: %w", err)
	}
	return nil
}

// GetByRSAccess serves from memory, falling back to redis for records
// written by other replicas.
func (s *RedisStore) GetByRSAccess(ctx context.Context, rsAccess string) (*RSRecord, error) {
	rec, err := s.MemoryStore.GetByRSAccess(ctx, rsAccess)
	if err == nil {
		return rec, nil
	}

	data, rerr := s.client.Get(ctx, s.accessKey(rsAccess)).Bytes()
	if errors.Is(rerr, redis.Nil) {
		return nil, ErrNotFound
	}
	if rerr != nil {
		logger.Warnw("redis read failed, serving memory layer", "error", rerr.Error())
		return nil, ErrNotFound
	}

	var remote RSRecord
	if err := json.Unmarshal(data, &remote); err != nil {
		return nil, fmt.Errorf("corrupt record in redis: %w", err)
	}
	if remote.IsExpired(time.Now()) {
		_ = s.client.Del(ctx, s.accessKey(rsAccess)).Err()
		return nil, ErrNotFound
	}
	s.MemoryStore.LoadRecords([]*RSRecord{&remote})
	return remote.clone(), nil
}

// GetByRSRefresh serves from memory, falling back to redis.
func (s *RedisStore) GetByRSRefresh(ctx context.Context, rsRefresh string) (*RSRecord, error) {
	rec, err := s.MemoryStore.GetByRSRefresh(ctx, rsRefresh)
	if err == nil {
		return rec, nil
	}

	access, rerr := s.client.Get(ctx, s.refreshKey(rsRefresh)).Result()
	if errors.Is(rerr, redis.Nil) {
		return nil, ErrNotFound
	}
	if rerr != nil {
		logger.Warnw("redis read failed, serving memory layer", "error", rerr.Error())
		return nil, ErrNotFound
	}
	return s.GetByRSAccess(ctx, access)
}

// UpdateByRSRefresh rotates in memory first, then mirrors the rotation to
// redis, deleting the stale access key before publishing the new one.
func (s *RedisStore) UpdateByRSRefresh(
	ctx context.Context, rsRefresh string, provider *ProviderToken, newRSAccess string,
) (*RSRecord, error) {
	// Ensure the memory layer has the record even if it was written by a
	// different replica.
	prev, err := s.GetByRSRefresh(ctx, rsRefresh)
	if err != nil {
		return nil, err
	}

	rec, err := s.MemoryStore.UpdateByRSRefresh(ctx, rsRefresh, provider, newRSAccess)
	if err != nil {
		return nil, err
	}
	if err := s.writeRecord(ctx, rec, prev.RSAccessToken); err != nil {
		return rec, err
	}
	return rec, nil
}

// DeleteByRSAccess removes the record from both layers.
func (s *RedisStore) DeleteByRSAccess(ctx context.Context, rsAccess string) error {
	rec, _ := s.MemoryStore.GetByRSAccess(ctx, rsAccess)
	memErr := s.MemoryStore.DeleteByRSAccess(ctx, rsAccess)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.accessKey(rsAccess))
	if rec != nil && rec.RSRefreshToken != "" {
		pipe.Del(ctx, s.refreshKey(rec.RSRefreshToken))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warnw("redis delete failed", "error", err.Error())
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return memErr
}

// SaveTransaction writes through with the transaction TTL.
func (s *RedisStore) SaveTransaction(ctx context.Context, txnID string, txn *Transaction) error {
	if err := s.MemoryStore.SaveTransaction(ctx, txnID, txn); err != nil {
		return err
	}
	data, err := json.Marshal(txn)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.txnKey(txnID), data, TransactionTTL).Err(); err != nil {
		logger.Warnw("redis write-through failed for transaction", "error", err.Error())
		return fmt.Errorf("redis write failed: %w", err)
	}
	return nil
}

// GetTransaction serves from memory, falling back to redis.
func (s *RedisStore) GetTransaction(ctx context.Context, txnID string) (*Transaction, error) {
	txn, err := s.MemoryStore.GetTransaction(ctx, txnID)
	if err == nil {
		return txn, nil
	}

	data, rerr := s.client.Get(ctx, s.txnKey(txnID)).Bytes()
	if errors.Is(rerr, redis.Nil) {
		return nil, ErrNotFound
	}
	if rerr != nil {
		logger.Warnw("redis read failed, serving memory layer", "error", rerr.Error())
		return nil, ErrNotFound
	}

	var remote Transaction
	if err := json.Unmarshal(data, &remote); err != nil {
		return nil, fmt.Errorf("corrupt transaction in redis: %w", err)
	}
	return &remote, nil
}

// DeleteTransaction removes the transaction from both layers.
func (s *RedisStore) DeleteTransaction(ctx context.Context, txnID string) error {
	_ = s.MemoryStore.DeleteTransaction(ctx, txnID)
	if err := s.client.Del(ctx, s.txnKey(txnID)).Err(); err != nil {
		logger.Warnw("redis delete failed for transaction", "error", err.Error())
	}
	return nil
}

// SaveCode writes through with the code TTL.
func (s *RedisStore) SaveCode(ctx context.Context, code, txnID string) error {
	if err := s.MemoryStore.SaveCode(ctx, code, txnID); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.codeKey(code), txnID, CodeTTL).Err(); err != nil {
		logger.Warnw("redis write-through failed for code", "error", err.Error())
		return fmt.Errorf("redis write failed: %w", err)
	}
	return nil
}

// GetTxnIDByCode serves from memory, falling back to redis.
func (s *RedisStore) GetTxnIDByCode(ctx context.Context, code string) (string, error) {
	txnID, err := s.MemoryStore.GetTxnIDByCode(ctx, code)
	if err == nil {
		return txnID, nil
	}

	txnID, rerr := s.client.Get(ctx, s.codeKey(code)).Result()
	if errors.Is(rerr, redis.Nil) {
		return "", ErrNotFound
	}
	if rerr != nil {
		logger.Warnw("redis read failed, serving memory layer", "error", rerr.Error())
		return "", ErrNotFound
	}
	return txnID, nil
}

// DeleteCode removes the code from both layers.
func (s *RedisStore) DeleteCode(ctx context.Context, code string) error {
	_ = s.MemoryStore.DeleteCode(ctx, code)
	if err := s.client.Del(ctx, s.codeKey(code)).Err(); err != nil {
		logger.Warnw("redis delete failed for code", "error", err.Error())
	}
	return nil
}

// Health pings the remote.
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Compile-time interface compliance check.
var _ Store = (*RedisStore)(nil)
