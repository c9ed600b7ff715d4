// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

// Package tokens persists the mapping between resource-server tokens issued
// by this process and the upstream provider tokens they stand for.
//
// A record is addressable by exactly one live RS access token and one live
// RS refresh token. Rotating either key removes the stale index entry
// before publishing the new one, so there is never a window with two valid
// access tokens for the same record.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"
)

// Store lifetimes and caps.
const (
	// DefaultRecordTTL is the record-level lifetime of an RS mapping.
	DefaultRecordTTL = 7 * 24 * time.Hour

	// TransactionTTL bounds an in-flight authorization.
	TransactionTTL = 10 * time.Minute

	// CodeTTL bounds an authorization code.
	CodeTTL = 10 * time.Minute

	// MaxRecords caps the number of live RS mappings per store.
	MaxRecords = 10_000

	// EvictBatch is how many oldest records are dropped when the cap is hit.
	EvictBatch = 10

	// DefaultSweepInterval is how often expired entries are collected.
	DefaultSweepInterval = time.Minute

	// opaqueTokenBytes is the entropy of generated RS tokens and codes.
	opaqueTokenBytes = 24
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound is returned when a key does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrExpired is returned when an entry exists but has outlived its TTL.
	ErrExpired = errors.New("expired")
)

// ProviderToken is an immutable snapshot of the upstream credential.
// It is replaced wholesale on refresh. The JSON form carries expires_at as
// epoch milliseconds; see serialize.go.
type ProviderToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// HasExpiry reports whether the upstream communicated a lifetime.
func (p *ProviderToken) HasExpiry() bool {
	return !p.ExpiresAt.IsZero()
}

// ExpiresWithin reports whether the token expires inside the given window
// (or already has). Tokens without an expiry never report true.
func (p *ProviderToken) ExpiresWithin(now time.Time, window time.Duration) bool {
	if !p.HasExpiry() {
		return false
	}
	return !now.Before(p.ExpiresAt.Add(-window))
}

// clone returns a deep copy so callers never alias store-owned state.
func (p *ProviderToken) clone() *ProviderToken {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Scopes != nil {
		cp.Scopes = append([]string(nil), p.Scopes...)
	}
	return &cp
}

// RSRecord binds an issued RS token pair to an upstream provider token.
type RSRecord struct {
	RSAccessToken  string
	RSRefreshToken string
	Provider       *ProviderToken
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// IsExpired reports whether the record itself (not the provider token) has
// outlived its TTL.
func (r *RSRecord) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

func (r *RSRecord) clone() *RSRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Provider = r.Provider.clone()
	return &cp
}

// Transaction is an in-flight OAuth authorization. The Provider field is
// populated once the upstream callback has completed; a transaction without
// it cannot produce an RS record.
type Transaction struct {
	CodeChallenge string
	State         string
	Scope         string
	SessionID     string
	Provider      *ProviderToken
	CreatedAt     time.Time
}

func (t *Transaction) clone() *Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Provider = t.Provider.clone()
	return &cp
}

// Store is the token persistence contract (spec C1). All operations are
// safe for concurrent use. Lookups return ErrNotFound for absent or
// lazily-evicted entries; backends may additionally surface I/O errors.
type Store interface {
	// StoreRSMapping creates or replaces a mapping. When rsRefresh matches
	// an existing record the record is updated in place and the old access
	// key is re-indexed to rsAccess.
	StoreRSMapping(ctx context.Context, rsAccess string, provider *ProviderToken, rsRefresh string) (*RSRecord, error)

	// GetByRSAccess resolves a record by its RS access token.
	GetByRSAccess(ctx context.Context, rsAccess string) (*RSRecord, error)

	// GetByRSRefresh resolves a record by its RS refresh token.
	GetByRSRefresh(ctx context.Context, rsRefresh string) (*RSRecord, error)

	// UpdateByRSRefresh atomically replaces the provider token of the record
	// addressed by rsRefresh. When newRSAccess is non-empty and differs from
	// the current access key, the old access index entry is deleted before
	// the new one is published.
	UpdateByRSRefresh(ctx context.Context, rsRefresh string, provider *ProviderToken, newRSAccess string) (*RSRecord, error)

	// DeleteByRSAccess removes a record and both of its index entries.
	DeleteByRSAccess(ctx context.Context, rsAccess string) error

	// SaveTransaction stores an in-flight authorization under txnID.
	SaveTransaction(ctx context.Context, txnID string, txn *Transaction) error

	// GetTransaction resolves a transaction by its ID.
	GetTransaction(ctx context.Context, txnID string) (*Transaction, error)

	// DeleteTransaction removes a transaction.
	DeleteTransaction(ctx context.Context, txnID string) error

	// SaveCode maps an authorization code to a transaction ID.
	SaveCode(ctx context.Context, code, txnID string) error

	// GetTxnIDByCode resolves the transaction ID behind a code.
	GetTxnIDByCode(ctx context.Context, code string) (string, error)

	// DeleteCode removes a code mapping.
	DeleteCode(ctx context.Context, code string) error

	// Health reports backend availability.
	Health(ctx context.Context) error

	// Close releases background resources and flushes pending writes.
	Close() error
}

// GenerateToken returns a url-safe opaque token with 24 bytes of entropy.
func GenerateToken() (string, error) {
	return generateOpaque(opaqueTokenBytes)
}

// GenerateTxnID returns a 16-byte transaction identifier.
func GenerateTxnID() (string, error) {
	return generateOpaque(16)
}

// GenerateClientID returns a 12-byte dynamic-registration client id.
func GenerateClientID() (string, error) {
	return generateOpaque(12)
}

func generateOpaque(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
