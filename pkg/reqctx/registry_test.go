// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package reqctx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	r := NewRegistry(opts...)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestCreateGetDelete(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	rc := r.Create("req-1", "sid-1", AuthSnapshot{Strategy: "oauth", RSToken: "rs-1"})
	require.NotNil(t, rc)
	assert.Equal(t, "req-1", rc.RequestID)
	assert.False(t, rc.Cancel.IsCancelled())

	got := r.Get("req-1")
	require.NotNil(t, got)
	assert.Equal(t, "oauth", got.Auth.Strategy)

	r.Delete("req-1")
	assert.Nil(t, r.Get("req-1"))
	assert.Equal(t, 0, r.Len())
}

func TestCancelRequest(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	rc := r.Create("req-1", "sid-1", AuthSnapshot{})
	assert.True(t, r.CancelRequest("req-1", "client gave up"))
	assert.True(t, rc.Cancel.IsCancelled())
	assert.Equal(t, "client gave up", rc.Cancel.Reason())

	// Already cancelled and unknown IDs both report false.
	assert.False(t, r.CancelRequest("req-1", "again"))
	assert.False(t, r.CancelRequest("nope", ""))
}

func TestRequestIDCollisionCancelsPrevious(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	first := r.Create("req-1", "sid-1", AuthSnapshot{})
	second := r.Create("req-1", "sid-1", AuthSnapshot{})

	assert.True(t, first.Cancel.IsCancelled())
	assert.False(t, second.Cancel.IsCancelled())
	assert.Same(t, second, r.Get("req-1"))
}

func TestDeleteBySession(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	a := r.Create("req-1", "sid-1", AuthSnapshot{})
	b := r.Create("req-2", "sid-1", AuthSnapshot{})
	other := r.Create("req-3", "sid-2", AuthSnapshot{})

	assert.Equal(t, 2, r.DeleteBySession("sid-1"))
	assert.True(t, a.Cancel.IsCancelled())
	assert.True(t, b.Cancel.IsCancelled())
	assert.False(t, other.Cancel.IsCancelled())
	assert.Equal(t, 1, r.Len())

	assert.Equal(t, 0, r.DeleteBySession("sid-1"))
}

func TestCleanupExpired(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, WithSweepInterval(time.Hour))

	stale := r.Create("req-old", "sid-1", AuthSnapshot{})
	stale.CreatedAt = time.Now().Add(-time.Hour)
	fresh := r.Create("req-new", "sid-1", AuthSnapshot{})

	assert.Equal(t, 1, r.CleanupExpired(DefaultMaxAge))
	assert.True(t, stale.Cancel.IsCancelled())
	assert.Nil(t, r.Get("req-old"))
	require.NotNil(t, r.Get("req-new"))
	assert.False(t, fresh.Cancel.IsCancelled())

	assert.Equal(t, 0, r.CleanupExpired(DefaultMaxAge))
}

func TestSweepEvictsLeaks(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t,
		WithMaxAge(5*time.Millisecond), WithSweepInterval(10*time.Millisecond))

	r.Create("req-1", "sid-1", AuthSnapshot{})

	assert.Eventually(t, func() bool {
		return r.Len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestAmbientContext(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	assert.Nil(t, FromContext(context.Background()))

	outer := r.Create("req-1", "sid-1", AuthSnapshot{})
	ctx := WithContext(context.Background(), outer)
	assert.Same(t, outer, FromContext(ctx))

	// Nested attachment shadows; the outer scope is restored by using the
	// outer ctx value again.
	inner := r.Create("req-2", "sid-1", AuthSnapshot{})
	nested := WithContext(ctx, inner)
	assert.Same(t, inner, FromContext(nested))
	assert.Same(t, outer, FromContext(ctx))
}
