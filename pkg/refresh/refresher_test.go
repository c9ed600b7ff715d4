// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package refresh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenbridge/mcp-bridge/pkg/tokens"
	"github.com/tokenbridge/mcp-bridge/pkg/upstream"
)

type fakeProvider struct {
	calls  int
	result *tokens.ProviderToken
	err    error
}

func (f *fakeProvider) Refresh(_ context.Context, _ string) (*tokens.ProviderToken, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	c := *f.result
	return &c, nil
}

func (f *fakeProvider) Config() upstream.Config {
	return upstream.Config{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		AccountsURL:  "https://accounts.example",
	}
}

func newStore(t *testing.T) *tokens.MemoryStore {
	t.Helper()
	s := tokens.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s tokens.Store, expiresAt time.Time, refreshToken string) {
	t.Helper()
	_, err := s.StoreRSMapping(t.Context(), "rs-acc", &tokens.ProviderToken{
		AccessToken:  "up-current",
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}, "rs-ref")
	require.NoError(t, err)
}

func TestFreshTokenPassesThrough(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	seed(t, s, time.Now().Add(time.Hour), "up-refresh")
	provider := &fakeProvider{}

	res, err := New(s, provider).EnsureFresh(t.Context(), "rs-acc")
	require.NoError(t, err)
	assert.Equal(t, Result{AccessToken: "up-current"}, res)
	assert.Zero(t, provider.calls)
}

func TestNearExpiryRefreshesWithoutRotation(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	seed(t, s, time.Now().Add(30*time.Second), "up-refresh")
	provider := &fakeProvider{result: &tokens.ProviderToken{
		AccessToken: "up-new",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}

	res, err := New(s, provider).EnsureFresh(t.Context(), "rs-acc")
	require.NoError(t, err)
	assert.Equal(t, Result{AccessToken: "up-new", WasRefreshed: true}, res)
	assert.Equal(t, 1, provider.calls)

	// The RS access token is unchanged; the stored record carries the new
	// provider token and the retained refresh token.
	rec, err := s.GetByRSAccess(t.Context(), "rs-acc")
	require.NoError(t, err)
	assert.Equal(t, "up-new", rec.Provider.AccessToken)
	assert.Equal(t, "up-refresh", rec.Provider.RefreshToken)
}

func TestUpstreamRotationRotatesRSAccess(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	seed(t, s, time.Now().Add(30*time.Second), "up-refresh")
	provider := &fakeProvider{result: &tokens.ProviderToken{
		AccessToken:  "up-new",
		RefreshToken: "up-refresh-2",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}

	res, err := New(s, provider).EnsureFresh(t.Context(), "rs-acc")
	require.NoError(t, err)
	assert.True(t, res.WasRefreshed)

	// The old RS access token no longer resolves.
	_, err = s.GetByRSAccess(t.Context(), "rs-acc")
	assert.ErrorIs(t, err, tokens.ErrNotFound)

	rec, err := s.GetByRSRefresh(t.Context(), "rs-ref")
	require.NoError(t, err)
	assert.NotEqual(t, "rs-acc", rec.RSAccessToken)
	assert.Equal(t, "up-refresh-2", rec.Provider.RefreshToken)
}

func TestDedupSuppressesSecondRefresh(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	seed(t, s, time.Now().Add(30*time.Second), "up-refresh")
	// The refreshed token is still near expiry, so only the dedup window
	// keeps the second call from hitting the upstream again.
	provider := &fakeProvider{result: &tokens.ProviderToken{
		AccessToken: "up-new",
		ExpiresAt:   time.Now().Add(30 * time.Second),
	}}
	r := New(s, provider)

	res, err := r.EnsureFresh(t.Context(), "rs-acc")
	require.NoError(t, err)
	assert.True(t, res.WasRefreshed)

	res, err = r.EnsureFresh(t.Context(), "rs-acc")
	require.NoError(t, err)
	assert.False(t, res.WasRefreshed)
	assert.Equal(t, "up-new", res.AccessToken)
	assert.Equal(t, 1, provider.calls)
}

func TestRefreshFailureDegradesToExistingToken(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	seed(t, s, time.Now().Add(30*time.Second), "up-refresh")
	provider := &fakeProvider{err: errors.New("upstream down")}

	res, err := New(s, provider).EnsureFresh(t.Context(), "rs-acc")
	require.NoError(t, err)
	assert.Equal(t, Result{AccessToken: "up-current"}, res)

	// The record is not invalidated.
	_, err = s.GetByRSAccess(t.Context(), "rs-acc")
	assert.NoError(t, err)
}

func TestNoRefreshTokenDegrades(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	seed(t, s, time.Now().Add(30*time.Second), "")
	provider := &fakeProvider{}

	res, err := New(s, provider).EnsureFresh(t.Context(), "rs-acc")
	require.NoError(t, err)
	assert.Equal(t, Result{AccessToken: "up-current"}, res)
	assert.Zero(t, provider.calls)
}

func TestNoProviderConfigDegrades(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	seed(t, s, time.Now().Add(30*time.Second), "up-refresh")

	res, err := New(s, nil).EnsureFresh(t.Context(), "rs-acc")
	require.NoError(t, err)
	assert.Equal(t, Result{AccessToken: "up-current"}, res)
}

func TestUnknownRSToken(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	_, err := New(s, nil).EnsureFresh(t.Context(), "nope")
	assert.ErrorIs(t, err, tokens.ErrNotFound)
}

func TestRecordWithoutProviderToken(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	_, err := s.StoreRSMapping(t.Context(), "rs-acc", &tokens.ProviderToken{}, "rs-ref")
	require.NoError(t, err)

	res, err := New(s, nil).EnsureFresh(t.Context(), "rs-acc")
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}
