// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

// Package refresh keeps upstream provider tokens fresh: it detects
// near-expiry tokens on RS records, performs the upstream refresh, rotates
// storage atomically and deduplicates refreshes within the process.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/tokenbridge/mcp-bridge/pkg/logger"
	"github.com/tokenbridge/mcp-bridge/pkg/telemetry"
	"github.com/tokenbridge/mcp-bridge/pkg/tokens"
	"github.com/tokenbridge/mcp-bridge/pkg/upstream"
)

const (
	// ExpirySkew refreshes tokens this close to expiry.
	ExpirySkew = 60 * time.Second

	// dedupWindow suppresses a second refresh of the same RS token. This
	// is advisory: it does not coordinate across processes.
	dedupWindow = 30 * time.Second

	// dedupMaxEntries bounds the dedup map.
	dedupMaxEntries = 1000
)

// Result is the outcome of an EnsureFresh call. AccessToken is empty when
// the record carries no usable upstream credential.
type Result struct {
	AccessToken  string
	WasRefreshed bool
}

// Provider is the upstream surface the refresher needs.
type Provider interface {
	Refresh(ctx context.Context, refreshToken string) (*tokens.ProviderToken, error)
	Config() upstream.Config
}

// Refresher resolves an RS access token to a fresh upstream access token.
type Refresher struct {
	store    tokens.Store
	provider Provider

	mu                sync.Mutex
	recentlyRefreshed map[string]time.Time
}

// New creates a Refresher. provider may be nil when no upstream
// credentials are configured; refresh attempts then degrade to the
// stored token.
func New(store tokens.Store, provider Provider) *Refresher {
	return &Refresher{
		store:             store,
		provider:          provider,
		recentlyRefreshed: make(map[string]time.Time),
	}
}

// EnsureFresh returns the upstream access token for an RS access token,
// refreshing it first when it is within ExpirySkew of expiry. Refresh
// failures degrade to the stored token; the record is never invalidated
// here.
func (r *Refresher) EnsureFresh(ctx context.Context, rsAccess string) (Result, error) {
	rec, err := r.store.GetByRSAccess(ctx, rsAccess)
	if err != nil {
		return Result{}, err
	}
	if rec.Provider == nil || rec.Provider.AccessToken == "" {
		return Result{}, nil
	}

	existing := Result{AccessToken: rec.Provider.AccessToken}
	now := time.Now()

	if !rec.Provider.ExpiresWithin(now, ExpirySkew) {
		return existing, nil
	}
	if r.refreshedRecently(rsAccess, now) {
		telemetry.RefreshesDeduped.Inc()
		return existing, nil
	}
	if rec.Provider.RefreshToken == "" {
		logger.Warnw("provider token near expiry but not refreshable",
			"rs_token", logger.RedactToken(rsAccess))
		return existing, nil
	}
	if r.provider == nil || !r.provider.Config().Configured() {
		logger.Warnw("provider token near expiry but no provider credentials configured",
			"rs_token", logger.RedactToken(rsAccess))
		return existing, nil
	}

	newProvider, err := r.provider.Refresh(ctx, rec.Provider.RefreshToken)
	if err != nil {
		telemetry.RefreshesPerformed.WithLabelValues("failure").Inc()
		logger.Warnw("upstream refresh failed, serving existing token",
			"rs_token", logger.RedactToken(rsAccess), "error", err.Error())
		return existing, nil
	}
	if newProvider.RefreshToken == "" {
		newProvider.RefreshToken = rec.Provider.RefreshToken
	}

	// When the upstream rotated the refresh token, rotate the RS access
	// token too so a captured old token stops working.
	newRSAccess := ""
	if newProvider.RefreshToken != rec.Provider.RefreshToken {
		newRSAccess, err = tokens.GenerateToken()
		if err != nil {
			return existing, err
		}
	}

	updated, err := r.store.UpdateByRSRefresh(ctx, rec.RSRefreshToken, newProvider, newRSAccess)
	if err != nil {
		logger.Warnw("failed to persist refreshed token",
			"rs_token", logger.RedactToken(rsAccess), "error", err.Error())
		return existing, nil
	}

	r.markRefreshed(rsAccess, now)
	if updated.RSAccessToken != rsAccess {
		r.markRefreshed(updated.RSAccessToken, now)
	}
	telemetry.RefreshesPerformed.WithLabelValues("success").Inc()
	logger.Debugw("refreshed upstream token",
		"rs_token", logger.RedactToken(rsAccess),
		"rotated_rs_access", updated.RSAccessToken != rsAccess)

	return Result{AccessToken: updated.Provider.AccessToken, WasRefreshed: true}, nil
}

func (r *Refresher) refreshedRecently(rsAccess string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.recentlyRefreshed[rsAccess]
	return ok && now.Sub(at) < dedupWindow
}

func (r *Refresher) markRefreshed(rsAccess string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.recentlyRefreshed) >= dedupMaxEntries {
		for tok, at := range r.recentlyRefreshed {
			if now.Sub(at) >= dedupWindow {
				delete(r.recentlyRefreshed, tok)
			}
		}
		// Still full after sweeping: drop everything rather than grow.
		if len(r.recentlyRefreshed) >= dedupMaxEntries {
			r.recentlyRefreshed = make(map[string]time.Time)
		}
	}
	r.recentlyRefreshed[rsAccess] = now
}
