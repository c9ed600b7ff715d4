// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tokenbridge/mcp-bridge/pkg/logger"
)

// timedEntry wraps a value with its expiry for TTL tracking.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

// MemoryStore is the reference Store implementation. It is thread-safe and
// is also the in-process cache layer for the file and redis backends.
type MemoryStore struct {
	mu sync.RWMutex

	// records maps rs_access_token -> record. The record is the single
	// owner of its state; lookups hand out clones.
	records map[string]*RSRecord

	// refreshIndex maps rs_refresh_token -> rs_access_token. The two
	// indices either both resolve a record or both miss.
	refreshIndex map[string]string

	transactions map[string]*timedEntry[*Transaction]
	codes        map[string]*timedEntry[string]

	recordTTL     time.Duration
	sweepInterval time.Duration

	// onMutate, when set, is invoked (outside the lock) after any change to
	// the records maps. The file backend uses it to debounce persists.
	onMutate func()

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithSweepInterval overrides the background sweep cadence.
func WithSweepInterval(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.sweepInterval = d }
}

// WithRecordTTL overrides the record-level TTL.
func WithRecordTTL(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.recordTTL = d }
}

// withMutationHook registers the layered backends' write-through trigger.
func withMutationHook(fn func()) MemoryStoreOption {
	return func(s *MemoryStore) { s.onMutate = fn }
}

// NewMemoryStore creates a MemoryStore and starts its sweep goroutine.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		records:       make(map[string]*RSRecord),
		refreshIndex:  make(map[string]string),
		transactions:  make(map[string]*timedEntry[*Transaction]),
		codes:         make(map[string]*timedEntry[string]),
		recordTTL:     DefaultRecordTTL,
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

// Health is a no-op for in-memory storage.
func (*MemoryStore) Health(_ context.Context) error {
	return nil
}

// Close stops the sweep goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopSweep)
		<-s.sweepDone
	})
	return nil
}

func (s *MemoryStore) sweepLoop() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

// sweepExpired removes expired entries. Expired keys are collected under
// the read lock and deleted under the write lock to keep the write lock
// hold time short.
func (s *MemoryStore) sweepExpired() {
	now := time.Now()

	s.mu.RLock()
	var expiredRecords, expiredTxns, expiredCodes []string
	for access, rec := range s.records {
		if rec.IsExpired(now) {
			expiredRecords = append(expiredRecords, access)
		}
	}
	for id, e := range s.transactions {
		if now.After(e.expiresAt) {
			expiredTxns = append(expiredTxns, id)
		}
	}
	for code, e := range s.codes {
		if now.After(e.expiresAt) {
			expiredCodes = append(expiredCodes, code)
		}
	}
	s.mu.RUnlock()

	if len(expiredRecords) == 0 && len(expiredTxns) == 0 && len(expiredCodes) == 0 {
		return
	}

	s.mu.Lock()
	for _, access := range expiredRecords {
		s.dropRecordLocked(access)
	}
	for _, id := range expiredTxns {
		delete(s.transactions, id)
	}
	for _, code := range expiredCodes {
		delete(s.codes, code)
	}
	s.mu.Unlock()

	if len(expiredRecords) > 0 {
		s.notifyMutate()
	}
	logger.Debugw("token store sweep",
		"records", len(expiredRecords),
		"transactions", len(expiredTxns),
		"codes", len(expiredCodes),
	)
}

// dropRecordLocked removes a record and both of its index entries.
// Caller holds the write lock.
func (s *MemoryStore) dropRecordLocked(access string) {
	rec, ok := s.records[access]
	if !ok {
		return
	}
	delete(s.records, access)
	if rec.RSRefreshToken != "" {
		delete(s.refreshIndex, rec.RSRefreshToken)
	}
}

func (s *MemoryStore) notifyMutate() {
	if s.onMutate != nil {
		s.onMutate()
	}
}

// StoreRSMapping creates or replaces a mapping; see Store.
func (s *MemoryStore) StoreRSMapping(
	_ context.Context, rsAccess string, provider *ProviderToken, rsRefresh string,
) (*RSRecord, error) {
	now := time.Now()

	s.mu.Lock()
	var rec *RSRecord
	if existing, ok := s.lookupByRefreshLocked(rsRefresh, now); ok {
		// Update in place: the refresh token keeps addressing the same
		// record while the access key moves.
		if existing.RSAccessToken != rsAccess {
			delete(s.records, existing.RSAccessToken)
			// The destination key may hold an unrelated record; drop it
			// fully so its refresh index does not dangle.
			s.dropRecordLocked(rsAccess)
			existing.RSAccessToken = rsAccess
			s.records[rsAccess] = existing
			s.refreshIndex[rsRefresh] = rsAccess
		}
		existing.Provider = provider.clone()
		existing.ExpiresAt = now.Add(s.recordTTL)
		rec = existing
	} else {
		rec = &RSRecord{
			RSAccessToken:  rsAccess,
			RSRefreshToken: rsRefresh,
			Provider:       provider.clone(),
			CreatedAt:      now,
			ExpiresAt:      now.Add(s.recordTTL),
		}
		s.dropRecordLocked(rsAccess)
		s.records[rsAccess] = rec
		if rsRefresh != "" {
			s.refreshIndex[rsRefresh] = rsAccess
		}
		s.evictOverCapLocked()
	}
	out := rec.clone()
	s.mu.Unlock()

	s.notifyMutate()
	return out, nil
}

// evictOverCapLocked drops up to EvictBatch oldest records once the cap is
// crossed. Caller holds the write lock.
func (s *MemoryStore) evictOverCapLocked() {
	if len(s.records) <= MaxRecords {
		return
	}
	type aged struct {
		access    string
		createdAt time.Time
	}
	all := make([]aged, 0, len(s.records))
	for access, rec := range s.records {
		all = append(all, aged{access, rec.CreatedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].createdAt.Before(all[j].createdAt) })

	n := EvictBatch
	if n > len(all) {
		n = len(all)
	}
	for _, a := range all[:n] {
		s.dropRecordLocked(a.access)
	}
	logger.Warnw("token store over capacity, evicted oldest records", "evicted", n)
}

// lookupByRefreshLocked resolves a live record by refresh token, lazily
// evicting it when record-expired. Caller holds the write lock.
func (s *MemoryStore) lookupByRefreshLocked(rsRefresh string, now time.Time) (*RSRecord, bool) {
	if rsRefresh == "" {
		return nil, false
	}
	access, ok := s.refreshIndex[rsRefresh]
	if !ok {
		return nil, false
	}
	rec, ok := s.records[access]
	if !ok {
		delete(s.refreshIndex, rsRefresh)
		return nil, false
	}
	if rec.IsExpired(now) {
		s.dropRecordLocked(access)
		return nil, false
	}
	return rec, true
}

// GetByRSAccess resolves a record by access token with lazy eviction.
func (s *MemoryStore) GetByRSAccess(_ context.Context, rsAccess string) (*RSRecord, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[rsAccess]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.IsExpired(now) {
		s.dropRecordLocked(rsAccess)
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

// GetByRSRefresh resolves a record by refresh token with lazy eviction.
func (s *MemoryStore) GetByRSRefresh(_ context.Context, rsRefresh string) (*RSRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.lookupByRefreshLocked(rsRefresh, time.Now())
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

// UpdateByRSRefresh rotates the provider token and, optionally, the access
// key of the record addressed by rsRefresh; see Store.
func (s *MemoryStore) UpdateByRSRefresh(
	_ context.Context, rsRefresh string, provider *ProviderToken, newRSAccess string,
) (*RSRecord, error) {
	s.mu.Lock()
	rec, ok := s.lookupByRefreshLocked(rsRefresh, time.Now())
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	rec.Provider = provider.clone()
	if newRSAccess != "" && newRSAccess != rec.RSAccessToken {
		// Delete the old access index entry before publishing the new one
		// so the old key never coexists with the new one.
		delete(s.records, rec.RSAccessToken)
		rec.RSAccessToken = newRSAccess
		s.records[newRSAccess] = rec
		s.refreshIndex[rsRefresh] = newRSAccess
	}
	out := rec.clone()
	s.mu.Unlock()

	s.notifyMutate()
	return out, nil
}

// DeleteByRSAccess removes a record and both of its index entries.
func (s *MemoryStore) DeleteByRSAccess(_ context.Context, rsAccess string) error {
	s.mu.Lock()
	_, ok := s.records[rsAccess]
	s.dropRecordLocked(rsAccess)
	s.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	s.notifyMutate()
	return nil
}

// SaveTransaction stores an in-flight authorization.
func (s *MemoryStore) SaveTransaction(_ context.Context, txnID string, txn *Transaction) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transactions[txnID] = &timedEntry[*Transaction]{
		value:     txn.clone(),
		createdAt: now,
		expiresAt: now.Add(TransactionTTL),
	}
	return nil
}

// GetTransaction resolves a transaction with lazy eviction.
func (s *MemoryStore) GetTransaction(_ context.Context, txnID string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.transactions[txnID]
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(e.expiresAt) {
		delete(s.transactions, txnID)
		return nil, ErrNotFound
	}
	return e.value.clone(), nil
}

// DeleteTransaction removes a transaction.
func (s *MemoryStore) DeleteTransaction(_ context.Context, txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transactions, txnID)
	return nil
}

// SaveCode maps an authorization code to a transaction ID.
func (s *MemoryStore) SaveCode(_ context.Context, code, txnID string) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.codes[code] = &timedEntry[string]{
		value:     txnID,
		createdAt: now,
		expiresAt: now.Add(CodeTTL),
	}
	return nil
}

// GetTxnIDByCode resolves the transaction behind a code with lazy eviction.
func (s *MemoryStore) GetTxnIDByCode(_ context.Context, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.codes[code]
	if !ok {
		return "", ErrNotFound
	}
	if time.Now().After(e.expiresAt) {
		delete(s.codes, code)
		return "", ErrNotFound
	}
	return e.value, nil
}

// DeleteCode removes a code mapping.
func (s *MemoryStore) DeleteCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
	return nil
}

// SnapshotRecords returns clones of all live records, skipping any whose
// provider token has already expired. The file backend persists this.
func (s *MemoryStore) SnapshotRecords() []*RSRecord {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*RSRecord, 0, len(s.records))
	for _, rec := range s.records {
		if rec.IsExpired(now) {
			continue
		}
		out = append(out, rec.clone())
	}
	return out
}

// LoadRecords rehydrates the indices from persisted records, skipping
// record-expired and provider-expired entries.
func (s *MemoryStore) LoadRecords(records []*RSRecord) int {
	now := time.Now()
	loaded := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		if rec == nil || rec.RSAccessToken == "" || rec.IsExpired(now) {
			continue
		}
		if rec.Provider != nil && rec.Provider.HasExpiry() &&
			rec.Provider.RefreshToken == "" && now.After(rec.Provider.ExpiresAt) {
			// Expired upstream token with no way to refresh it.
			continue
		}
		cp := rec.clone()
		s.records[cp.RSAccessToken] = cp
		if cp.RSRefreshToken != "" {
			s.refreshIndex[cp.RSRefreshToken] = cp.RSAccessToken
		}
		loaded++
	}
	return loaded
}

// Stats contains entry counts, for tests and monitoring.
type Stats struct {
	Records      int
	RefreshIndex int
	Transactions int
	Codes        int
}

// Stats returns current entry counts.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Records:      len(s.records),
		RefreshIndex: len(s.refreshIndex),
		Transactions: len(s.transactions),
		Codes:        len(s.codes),
	}
}

// Compile-time interface compliance check.
var _ Store = (*MemoryStore)(nil)
