// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package sessions

import (
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, mr *miniredis.Miniredis) *RedisStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStore(client)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisSessionWriteThroughAndIndex(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	s := newRedisStore(t, mr)
	ctx := t.Context()

	_, err := s.Create(ctx, "sid-1", "fp-1")
	require.NoError(t, err)
	_, err = s.Create(ctx, "sid-2", "fp-1")
	require.NoError(t, err)

	assert.True(t, mr.Exists("mcpbridge:session:sid-1"))

	// The credential index is a JSON array of session IDs.
	raw, err := mr.Get("mcpbridge:session:apikey:fp-1")
	require.NoError(t, err)
	var ids []string
	require.NoError(t, json.Unmarshal([]byte(raw), &ids))
	assert.ElementsMatch(t, []string{"sid-1", "sid-2"}, ids)
}

func TestRedisSessionCrossInstanceRead(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	writer := newRedisStore(t, mr)
	reader := newRedisStore(t, mr)
	ctx := t.Context()

	_, err := writer.Create(ctx, "sid-1", "fp-1")
	require.NoError(t, err)

	got, err := reader.Get(ctx, "sid-1")
	require.NoError(t, err)
	assert.Equal(t, "fp-1", got.APIKey)

	all, err := reader.GetByAPIKey(ctx, "fp-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRedisSessionDeleteCleansIndex(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	s := newRedisStore(t, mr)
	ctx := t.Context()

	_, err := s.Create(ctx, "sid-1", "fp-1")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "sid-1"))
	assert.False(t, mr.Exists("mcpbridge:session:sid-1"))
	assert.False(t, mr.Exists("mcpbridge:session:apikey:fp-1"))
}

func TestRedisSessionCapSharedAcrossReplicas(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	a := newRedisStore(t, mr)
	b := newRedisStore(t, mr)
	ctx := t.Context()

	for i, id := range []string{"s-0", "s-1", "s-2", "s-3", "s-4"} {
		store := a
		if i%2 == 1 {
			store = b
		}
		_, err := store.Create(ctx, id, "fp-1")
		require.NoError(t, err)
	}

	// A sixth session anywhere in the fleet evicts the oldest.
	_, err := b.Create(ctx, "s-5", "fp-1")
	require.NoError(t, err)

	n, err := a.CountByAPIKey(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, MaxSessionsPerAPIKey, n)
}

func TestRedisSessionUpdatePersists(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	writer := newRedisStore(t, mr)
	reader := newRedisStore(t, mr)
	ctx := t.Context()

	_, err := writer.Create(ctx, "sid-1", "fp-1")
	require.NoError(t, err)

	initialized := true
	version := "2025-06-18"
	_, err = writer.Update(ctx, "sid-1", Patch{Initialized: &initialized, ProtocolVersion: &version})
	require.NoError(t, err)

	got, err := reader.Get(ctx, "sid-1")
	require.NoError(t, err)
	assert.True(t, got.Initialized)
	assert.Equal(t, "2025-06-18", got.ProtocolVersion)
}

func TestRedisSessionHealth(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	s := newRedisStore(t, mr)

	assert.NoError(t, s.Health(t.Context()))
	mr.Close()
	assert.Error(t, s.Health(t.Context()))
}
