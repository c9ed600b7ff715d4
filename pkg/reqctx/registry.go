// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package reqctx

import (
	"context"
	"sync"
	"time"

	"github.com/tokenbridge/mcp-bridge/pkg/logger"
)

// Registry limits and lifetimes.
const (
	// DefaultMaxAge bounds how long an entry may sit in the registry.
	// Entries evicted by the sweep indicate a teardown leak upstream.
	DefaultMaxAge = 10 * time.Minute

	// DefaultSweepInterval is how often the leak sweep runs.
	DefaultSweepInterval = time.Minute
)

// AuthSnapshot is the credential state captured at dispatch time.
type AuthSnapshot struct {
	Strategy      string
	Headers       map[string]string
	ProviderToken string
	RSToken       string
}

// RequestContext is the per-dispatch state: identity, credential snapshot
// and the abort handle. It lives for exactly one JSON-RPC request.
type RequestContext struct {
	RequestID string
	SessionID string
	Auth      AuthSnapshot
	Cancel    *CancellationToken
	CreatedAt time.Time
}

// Registry tracks in-flight request contexts keyed by JSON-RPC id.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*RequestContext

	maxAge        time.Duration
	sweepInterval time.Duration

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxAge overrides the leak-sweep age bound.
func WithMaxAge(maxAge time.Duration) RegistryOption {
	return func(r *Registry) { r.maxAge = maxAge }
}

// WithSweepInterval overrides the sweep cadence.
func WithSweepInterval(interval time.Duration) RegistryOption {
	return func(r *Registry) { r.sweepInterval = interval }
}

// NewRegistry creates a registry and starts its leak sweep.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:       make(map[string]*RequestContext),
		maxAge:        DefaultMaxAge,
		sweepInterval: DefaultSweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.sweepLoop()
	return r
}

func (r *Registry) sweepLoop() {
	defer close(r.sweepDone)
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.CleanupExpired(r.maxAge)
		case <-r.stopSweep:
			return
		}
	}
}

// Create registers a context for an in-flight request. A colliding request
// ID replaces the previous entry after cancelling it.
func (r *Registry) Create(requestID, sessionID string, auth AuthSnapshot) *RequestContext {
	rc := &RequestContext{
		RequestID: requestID,
		SessionID: sessionID,
		Auth:      auth,
		Cancel:    NewCancellationToken(),
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	prev := r.entries[requestID]
	r.entries[requestID] = rc
	r.mu.Unlock()

	if prev != nil {
		logger.Warnw("request id collision, cancelling previous in-flight request",
			"request_id", requestID, "session_id", sessionID)
		prev.Cancel.Cancel("superseded by request with same id")
	}
	return rc
}

// Get returns the context for a request ID, nil when absent.
func (r *Registry) Get(requestID string) *RequestContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[requestID]
}

// CancelRequest fires the abort handle for a request ID. Returns false when
// no such request is in flight.
func (r *Registry) CancelRequest(requestID, reason string) bool {
	rc := r.Get(requestID)
	if rc == nil {
		return false
	}
	return rc.Cancel.Cancel(reason)
}

// Delete removes the entry. Called on response close, error, or cancel.
func (r *Registry) Delete(requestID string) {
	r.mu.Lock()
	delete(r.entries, requestID)
	r.mu.Unlock()
}

// DeleteBySession cancels and removes every entry for a session. Returns
// the number of entries removed.
func (r *Registry) DeleteBySession(sessionID string) int {
	r.mu.Lock()
	var victims []*RequestContext
	for id, rc := range r.entries {
		if rc.SessionID == sessionID {
			victims = append(victims, rc)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, rc := range victims {
		rc.Cancel.Cancel("session closed")
	}
	return len(victims)
}

// CleanupExpired removes entries older than maxAge. A nonzero count means
// some dispatch failed to tear its context down.
func (r *Registry) CleanupExpired(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.RLock()
	var stale []string
	for id, rc := range r.entries {
		if rc.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	r.mu.Lock()
	removed := 0
	for _, id := range stale {
		if rc, ok := r.entries[id]; ok && rc.CreatedAt.Before(cutoff) {
			rc.Cancel.Cancel("request context expired")
			delete(r.entries, id)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		logger.Warnw("evicted leaked request contexts", "count", removed)
	}
	return removed
}

// Len reports the number of in-flight entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close stops the sweep goroutine.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		close(r.stopSweep)
		<-r.sweepDone
	})
	return nil
}

type contextKey struct{}

// WithContext attaches the request context for ambient retrieval by
// downstream handlers. Nested attachments shadow outer ones.
func WithContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext retrieves the ambient request context; nil outside a dispatch.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rc
}
