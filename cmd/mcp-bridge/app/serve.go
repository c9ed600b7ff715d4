// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tokenbridge/mcp-bridge/pkg/auth"
	"github.com/tokenbridge/mcp-bridge/pkg/config"
	"github.com/tokenbridge/mcp-bridge/pkg/flow"
	"github.com/tokenbridge/mcp-bridge/pkg/logger"
	"github.com/tokenbridge/mcp-bridge/pkg/mcp"
	"github.com/tokenbridge/mcp-bridge/pkg/refresh"
	"github.com/tokenbridge/mcp-bridge/pkg/reqctx"
	"github.com/tokenbridge/mcp-bridge/pkg/server"
	"github.com/tokenbridge/mcp-bridge/pkg/sessions"
	"github.com/tokenbridge/mcp-bridge/pkg/tokens"
	"github.com/tokenbridge/mcp-bridge/pkg/upstream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP bridge server",
	Long: `Start the HTTP server: the /mcp session endpoints, the OAuth
authorization surface, discovery documents, health and metrics. All settings
come from the environment (HOST, PORT, AUTH_STRATEGY, PROVIDER_*, ...).`,
	RunE: runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Initialize(cfg.Server.LogLevel, !cfg.Server.Production)
	logger.Infow("configuration loaded", "config", cfg.Dump())

	tokenStore, sessionStore, cleanup, err := buildStores(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	var flowProvider flow.Provider
	var refreshProvider refresh.Provider
	if cfg.HasProviderCredentials() {
		client := upstream.NewClient(upstream.Config{
			ClientID:     cfg.Provider.ClientID,
			ClientSecret: cfg.Provider.ClientSecret,
			AccountsURL:  cfg.Provider.AccountsURL,
		}, upstream.WithThrottle(cfg.ThrottleConfig()))
		flowProvider, refreshProvider = client, client
		logger.Infow("upstream provider configured", "accounts_url", cfg.Provider.AccountsURL)
	} else {
		logger.Warnw("no upstream provider configured, /authorize uses the development shortcut")
	}

	contexts := reqctx.NewRegistry()
	defer func() { _ = contexts.Close() }()

	refresher := refresh.New(tokenStore, refreshProvider)
	resolver := auth.NewResolver(cfg, tokenStore, refresher)
	engine := flow.NewEngine(cfg, tokenStore, flowProvider)
	dispatcher := mcp.NewDispatcher(mcp.NewRegistry(), contexts, sessionStore,
		mcp.ServerInfo{Name: cfg.Server.Title, Version: cfg.Server.Version},
		cfg.Server.Instructions)

	srv := server.New(cfg, dispatcher, sessionStore, contexts, resolver, engine, tokenStore)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Infow("shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Warnw("shutdown did not complete cleanly", "error", err.Error())
	}
	return nil
}

// buildStores selects the token and session backends from the storage
// configuration: redis when REDIS_URL is set, the encrypted file backend
// when RS_TOKENS_FILE is set, in-memory otherwise. The returned cleanup
// closes the stores, flushing the file backend.
func buildStores(cfg *config.Config) (tokens.Store, sessions.Store, func(), error) {
	if cfg.Storage.RedisURL != "" {
		client, err := tokens.NewRedisClient(cfg.Storage.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("redis storage: %w", err)
		}
		tokenStore := tokens.NewRedisStore(client)
		sessionStore := sessions.NewRedisStore(client)
		logger.Infow("using redis storage")
		return tokenStore, sessionStore, func() {
			_ = tokenStore.Close()
			_ = sessionStore.Close()
			_ = client.Close()
		}, nil
	}

	sessionStore := sessions.NewMemoryStore()

	if cfg.Storage.TokensFile != "" {
		var opts []tokens.FileStoreOption
		if key := cfg.EncryptionKeyBytes(); key != nil {
			opts = append(opts, tokens.WithEncryptionKey(key))
		}
		tokenStore, err := tokens.NewFileStore(cfg.Storage.TokensFile, opts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("file storage: %w", err)
		}
		logger.Infow("using file token storage", "path", cfg.Storage.TokensFile)
		return tokenStore, sessionStore, func() {
			_ = tokenStore.Close()
			_ = sessionStore.Close()
		}, nil
	}

	tokenStore := tokens.NewMemoryStore()
	logger.Infow("using in-memory storage")
	return tokenStore, sessionStore, func() {
		_ = tokenStore.Close()
		_ = sessionStore.Close()
	}, nil
}
