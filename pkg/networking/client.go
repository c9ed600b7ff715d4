// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tokenbridge/mcp-bridge/pkg/logger"
)

// HTTPTimeout is the default timeout for outgoing HTTP requests.
const HTTPTimeout = 30 * time.Second

// ErrNoRedirects is returned by clients built with redirects forbidden.
var errNoRedirects = fmt.Errorf("redirects are not allowed")

// ClientBuilder provides a fluent interface for building HTTP clients.
type ClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	forbidRedirects       bool
}

// NewClientBuilder returns a new ClientBuilder with hardened defaults.
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		clientTimeout:         HTTPTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithTimeout sets the overall client timeout.
func (b *ClientBuilder) WithTimeout(d time.Duration) *ClientBuilder {
	b.clientTimeout = d
	return b
}

// WithoutRedirects makes the client fail on any redirect response.
// CIMD fetches require this.
func (b *ClientBuilder) WithoutRedirects() *ClientBuilder {
	b.forbidRedirects = true
	return b
}

// Build creates the configured HTTP client.
func (b *ClientBuilder) Build() *http.Client {
	transport := &http.Transport{
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   b.clientTimeout,
	}
	if b.forbidRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return errNoRedirects
		}
	}
	return client
}

// ThrottledClient wraps an HTTP client with a token bucket, a concurrency
// gate and retry with exponential backoff. All calls to the upstream
// provider go through one shared instance so a refresh storm cannot
// overwhelm it.
type ThrottledClient struct {
	inner       HTTPClient
	limiter     *rate.Limiter
	gate        *semaphore.Weighted
	concurrency int64
	maxTries    uint
}

// ThrottleConfig configures a ThrottledClient.
type ThrottleConfig struct {
	// RPS is the sustained request rate. Zero means 10.
	RPS float64
	// Burst is the token bucket depth. Zero means 20.
	Burst int
	// Concurrency bounds in-flight requests. Zero means 5.
	Concurrency int64
	// MaxTries bounds attempts per request (first try included). Zero means 4.
	MaxTries uint
}

// NewThrottledClient builds a ThrottledClient around inner.
func NewThrottledClient(inner HTTPClient, cfg ThrottleConfig) *ThrottledClient {
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 4
	}
	return &ThrottledClient{
		inner:       inner,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		gate:        semaphore.NewWeighted(cfg.Concurrency),
		concurrency: cfg.Concurrency,
		maxTries:    cfg.MaxTries,
	}
}

// Limits reports the effective throttle settings after defaulting.
func (c *ThrottledClient) Limits() ThrottleConfig {
	return ThrottleConfig{
		RPS:         float64(c.limiter.Limit()),
		Burst:       c.limiter.Burst(),
		Concurrency: c.concurrency,
		MaxTries:    c.maxTries,
	}
}

// Do sends the request, retrying transport errors and 5xx/429 responses
// with exponential backoff (1s, 2s, 4s plus jitter). The request must have
// a rewindable body (GetBody set) for retries to work; form-encoded
// requests built by the fetch helpers satisfy this.
func (c *ThrottledClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if err := c.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.gate.Release(1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.25

	attempt := 0
	return backoff.Retry(ctx, func() (*http.Response, error) {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		r := req
		if attempt > 1 {
			var err error
			if r, err = rewind(req); err != nil {
				return nil, backoff.Permanent(err)
			}
		}

		resp, err := c.inner.Do(r)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			logger.Debugw("upstream request failed, retrying",
				"url", req.URL.Redacted(),
				"attempt", attempt,
				"error", err.Error(),
			)
			return nil, err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
		}
		return resp, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(c.maxTries))
}

func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body cannot be rewound for retry")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, nil
}

// Compile-time interface compliance check.
var _ HTTPClient = (*ThrottledClient)(nil)
