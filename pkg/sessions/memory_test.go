// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package sessions

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...MemoryStoreOption) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	created, err := s.Create(ctx, "sid-1", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "sid-1", created.ID)
	assert.Equal(t, "fp-1", created.APIKey)
	assert.False(t, created.Initialized)

	got, err := s.Get(ctx, "sid-1")
	require.NoError(t, err)
	assert.Equal(t, "fp-1", got.APIKey)
	assert.False(t, got.LastAccessed.Before(created.LastAccessed))

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetReturnsSnapshot(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.Create(ctx, "sid-1", "fp-1")
	require.NoError(t, err)

	got, err := s.Get(ctx, "sid-1")
	require.NoError(t, err)
	got.APIKey = "tampered"

	again, err := s.Get(ctx, "sid-1")
	require.NoError(t, err)
	assert.Equal(t, "fp-1", again.APIKey)
}

func TestUpdateMergesPatch(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.Create(ctx, "sid-1", "")
	require.NoError(t, err)

	initialized := true
	version := "2025-06-18"
	fp := "fp-late"
	sess, err := s.Update(ctx, "sid-1", Patch{
		Initialized:     &initialized,
		ProtocolVersion: &version,
		APIKey:          &fp,
	})
	require.NoError(t, err)
	assert.True(t, sess.Initialized)
	assert.Equal(t, "2025-06-18", sess.ProtocolVersion)
	assert.Equal(t, "fp-late", sess.APIKey)

	// Late binding registers the credential index.
	n, err := s.CountByAPIKey(ctx, "fp-late")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Nil fields leave previous values untouched.
	sess, err = s.Update(ctx, "sid-1", Patch{})
	require.NoError(t, err)
	assert.True(t, sess.Initialized)
	assert.Equal(t, "2025-06-18", sess.ProtocolVersion)

	_, err = s.Update(ctx, "nope", Patch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.Create(ctx, "sid-1", "fp-1")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "sid-1"))
	_, err = s.Get(ctx, "sid-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "sid-1"), ErrNotFound)

	n, err := s.CountByAPIKey(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPerAPIKeyCapEvictsOldest(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	for i := 0; i < MaxSessionsPerAPIKey; i++ {
		_, err := s.Create(ctx, "sid-"+strconv.Itoa(i), "fp-1")
		require.NoError(t, err)
		// Distinct last_accessed ordering.
		time.Sleep(time.Millisecond)
	}

	// Touch sid-0 so sid-1 becomes the eviction candidate.
	_, err := s.Get(ctx, "sid-0")
	require.NoError(t, err)

	_, err = s.Create(ctx, "sid-new", "fp-1")
	require.NoError(t, err)

	n, err := s.CountByAPIKey(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, MaxSessionsPerAPIKey, n)

	_, err = s.Get(ctx, "sid-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "sid-0")
	assert.NoError(t, err)
}

func TestTTLExpiryOnRead(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, WithTTL(10*time.Millisecond), WithSweepInterval(time.Hour))
	ctx := t.Context()

	_, err := s.Create(ctx, "sid-1", "fp-1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = s.Get(ctx, "sid-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, s.Count())
}

func TestTTLBumpedOnAccess(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, WithTTL(50*time.Millisecond), WithSweepInterval(time.Hour))
	ctx := t.Context()

	_, err := s.Create(ctx, "sid-1", "")
	require.NoError(t, err)

	// Keep touching within the TTL window; the session must survive
	// longer than one TTL in total.
	for i := 0; i < 4; i++ {
		time.Sleep(25 * time.Millisecond)
		_, err = s.Get(ctx, "sid-1")
		require.NoError(t, err)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, WithTTL(5*time.Millisecond), WithSweepInterval(10*time.Millisecond))
	ctx := t.Context()

	_, err := s.Create(ctx, "sid-1", "fp-1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return s.Count() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestGetByAPIKeySortedByAccess(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	for _, id := range []string{"sid-a", "sid-b", "sid-c"} {
		_, err := s.Create(ctx, id, "fp-1")
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	_, err := s.Get(ctx, "sid-a")
	require.NoError(t, err)

	all, err := s.GetByAPIKey(ctx, "fp-1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "sid-a", all[2].ID)

	none, err := s.GetByAPIKey(ctx, "fp-unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteOldestByAPIKey(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.Create(ctx, "sid-old", "fp-1")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = s.Create(ctx, "sid-new", "fp-1")
	require.NoError(t, err)

	require.NoError(t, s.DeleteOldestByAPIKey(ctx, "fp-1"))
	_, err = s.Get(ctx, "sid-old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "sid-new")
	assert.NoError(t, err)

	// No sessions for the key is a no-op.
	require.NoError(t, s.DeleteOldestByAPIKey(ctx, "fp-empty"))
}

func TestSessionsWithoutAPIKeyAreUncapped(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	for i := 0; i < MaxSessionsPerAPIKey*2; i++ {
		_, err := s.Create(ctx, "sid-"+strconv.Itoa(i), "")
		require.NoError(t, err)
	}
	assert.Equal(t, MaxSessionsPerAPIKey*2, s.Count())
}

func TestNewSessionIDShape(t *testing.T) {
	t.Parallel()

	id := NewSessionID()
	assert.Len(t, id, 36)
	assert.NotEqual(t, id, NewSessionID())
}
