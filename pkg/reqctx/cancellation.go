// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

// Package reqctx scopes per-request state to a single JSON-RPC dispatch:
// an explicit registry keyed by request ID plus ambient access through
// context.Context, each carrying a cancellation handle for the handler.
package reqctx

import (
	"fmt"
	"sync"
)

// CancelledError is the canonical cancellation failure surfaced by handlers.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "request was cancelled"
	}
	return fmt.Sprintf("request was cancelled: %s", e.Reason)
}

// CancellationToken is a one-shot abort handle. Listeners registered before
// the cancel fire at most once, in registration order, on the cancelling
// goroutine; listeners registered after it fire immediately.
type CancellationToken struct {
	mu        sync.Mutex
	cancelled bool
	reason    string
	listeners []func(reason string)

	done chan struct{}
}

// NewCancellationToken returns an uncancelled token.
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{done: make(chan struct{})}
}

// Cancel fires the token. Subsequent calls are no-ops and report false.
func (t *CancellationToken) Cancel(reason string) bool {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	t.reason = reason
	listeners := t.listeners
	t.listeners = nil
	close(t.done)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(reason)
	}
	return true
}

// IsCancelled reports whether the token has fired.
func (t *CancellationToken) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Reason returns the cancel reason, empty until the token fires.
func (t *CancellationToken) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// OnCancelled registers a listener. If the token already fired, the
// listener runs synchronously before returning.
func (t *CancellationToken) OnCancelled(fn func(reason string)) {
	t.mu.Lock()
	if t.cancelled {
		reason := t.reason
		t.mu.Unlock()
		fn(reason)
		return
	}
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Err returns a CancelledError once the token has fired, nil before.
// Handlers call this before and after suspension points.
func (t *CancellationToken) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cancelled {
		return nil
	}
	return &CancelledError{Reason: t.reason}
}

// Done returns a channel closed when the token fires, for select loops.
func (t *CancellationToken) Done() <-chan struct{} {
	return t.done
}
