// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes process-level Prometheus counters.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsDispatched counts JSON-RPC requests by method.
	RequestsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mcpbridge",
		Name:      "requests_dispatched_total",
		Help:      "JSON-RPC requests dispatched, by method.",
	}, []string{"method"})

	// RequestsCancelled counts requests aborted via notifications/cancelled.
	RequestsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mcpbridge",
		Name:      "requests_cancelled_total",
		Help:      "Requests aborted through their cancellation handle.",
	})

	// SessionsCreated counts MCP sessions created.
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mcpbridge",
		Name:      "sessions_created_total",
		Help:      "MCP sessions created.",
	})

	// SessionsDeleted counts sessions removed by DELETE /mcp or eviction.
	SessionsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mcpbridge",
		Name:      "sessions_deleted_total",
		Help:      "MCP sessions deleted or evicted.",
	})

	// RefreshesPerformed counts upstream token refreshes attempted.
	RefreshesPerformed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mcpbridge",
		Name:      "refreshes_performed_total",
		Help:      "Upstream token refreshes, by outcome.",
	}, []string{"outcome"})

	// RefreshesDeduped counts refreshes skipped by the per-process dedup.
	RefreshesDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mcpbridge",
		Name:      "refreshes_deduped_total",
		Help:      "Refreshes skipped because the token was refreshed recently.",
	})

	// AuthChallenges counts 401 challenges issued by the facade.
	AuthChallenges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mcpbridge",
		Name:      "auth_challenges_total",
		Help:      "401 challenges issued.",
	})
)

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
