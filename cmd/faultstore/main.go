// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

// Package main is the entry point for the Faultstore server.
//
// Faultstore is a self-hosted error-logging service with a resilient
// write path: exceptions are deduplicated by hash, rolled up within a
// configurable window, and buffered in a bounded in-memory queue
// whenever the backing store is unavailable. A background retry loop
// drains the queue once the store recovers, so a storage outage never
// takes application error reporting down with it.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered settings from config file and environment
//     variables (Koanf v2)
//  2. Store: backend resolved by name from the registry (Memory, SQL,
//     JSON, Badger)
//  3. Ignore filter: regex and type-name rules that drop noise before
//     it reaches the store
//  4. Coordinator: rollup, failure-mode state machine, and backup queue
//  5. HTTP Server: REST API plus Prometheus metrics on /metrics
//
// Long-running pieces run under a suture supervisor tree with separate
// data and api layers.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (FAULTSTORE_* prefix)
//   - Config file (faultstore.yaml, or FAULTSTORE_CONFIG)
//   - Built-in defaults
//
// # Signal Handling
//
// The server shuts down gracefully on SIGINT and SIGTERM: the HTTP
// server stops accepting connections and drains in-flight requests,
// then the coordinator and store are closed.
//
// # Example Usage
//
// In-memory store (default):
//
//	./faultstore
//
// SQLite-backed store:
//
//	export FAULTSTORE_STORE_TYPE=SQL
//	export FAULTSTORE_STORE_PATH=/var/lib/faultstore/errors.db
//	./faultstore
//
// Badger-backed store with noise filtering:
//
//	export FAULTSTORE_STORE_TYPE=Badger
//	export FAULTSTORE_STORE_PATH=/var/lib/faultstore/badger
//	export FAULTSTORE_IGNORE_REGEXES="context canceled,broken pipe"
//	./faultstore
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/faultstore/internal/api"
	"github.com/tomtom215/faultstore/internal/config"
	"github.com/tomtom215/faultstore/internal/coordinator"
	"github.com/tomtom215/faultstore/internal/ignore"
	"github.com/tomtom215/faultstore/internal/logging"
	"github.com/tomtom215/faultstore/internal/store"
	"github.com/tomtom215/faultstore/internal/supervisor"
	"github.com/tomtom215/faultstore/internal/supervisor/services"
)

func main() {
	// Load configuration first to get logging settings.
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("store_type", cfg.Store.Type).
		Str("application", cfg.Store.ApplicationName).
		Bool("disabled", cfg.Disabled).
		Msg("Configuration loaded")

	backend, err := store.Resolve(cfg.StoreSettings())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to resolve error store")
	}
	logging.Info().Str("store_type", cfg.Store.Type).Msg("Error store initialized")

	filter, err := ignore.New(cfg.Ignore.Regexes, cfg.Ignore.Types)
	if err != nil {
		logging.Fatal().Err(err).Msg("Invalid ignore rules")
	}

	coord := coordinator.New(backend, coordinator.Options{
		Settings:    cfg.StoreSettings(),
		Filter:      filter,
		Disabled:    cfg.Disabled,
		BackendName: cfg.Store.Type,
	})
	defer func() {
		if err := coord.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing coordinator")
		}
	}()

	router := api.NewRouter(coord, api.RouterConfig{
		RateLimitRequests: cfg.Server.RateLimitReqs,
		RateLimitWindow:   cfg.Server.RateLimitWindow,
		CORSOrigins:       cfg.Server.CORSOrigins,
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  2 * cfg.Server.Timeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bridge zerolog to slog for sutureslog.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddDataService(services.NewStoreMonitorService(coord, 30*time.Second))
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Str("addr", cfg.ListenAddr()).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Drain the channel until the supervisor has fully stopped.
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Faultstore stopped gracefully")
}
