// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

// Package config loads and validates Faultstore configuration from
// layered sources: built-in defaults, an optional YAML file, and
// environment variables (highest priority).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/tomtom215/faultstore/internal/store"
)

// Config is the root configuration.
type Config struct {
	// Disabled short-circuits the write path: Log becomes a no-op.
	Disabled bool `koanf:"disabled"`

	Store   StoreConfig   `koanf:"store"`
	Ignore  IgnoreConfig  `koanf:"ignore"`
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`
}

// StoreConfig selects and sizes the backend.
type StoreConfig struct {
	// Type is the backend identifier resolved by convention, e.g.
	// "Memory", "JSON", "SQL", "Badger".
	Type string `koanf:"type"`

	// Size is the capacity/limit passed to the backend.
	Size int `koanf:"size"`

	// RollupSeconds is the dedup window in seconds.
	RollupSeconds int `koanf:"rollup_seconds"`

	// BackupQueueSize caps the in-memory backup queue.
	BackupQueueSize int `koanf:"backup_queue_size"`

	// ApplicationName scopes records logged by this process.
	ApplicationName string `koanf:"application_name"`

	// Path is the data directory or file for file-backed backends.
	Path string `koanf:"path"`

	// ConnectionString is the DSN for SQL backends.
	ConnectionString string `koanf:"connection_string"`
}

// IgnoreConfig lists exclusion rules applied before logging.
type IgnoreConfig struct {
	// Regexes are matched against the error's full string form.
	Regexes []string `koanf:"regexes"`

	// Types are fully-qualified type names matched against the error
	// and everything it wraps.
	Types []string `koanf:"types"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Timeout         time.Duration `koanf:"timeout"`
	RateLimitReqs   int           `koanf:"rate_limit_requests"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// LoggingConfig configures the diagnostic logger, not the error store.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, applied before file and
// environment layers.
func defaultConfig() *Config {
	return &Config{
		Disabled: false,
		Store: StoreConfig{
			Type:            store.DefaultType,
			Size:            store.DefaultSize,
			RollupSeconds:   int(store.DefaultRollupWindow / time.Second),
			BackupQueueSize: store.DefaultBackupQueueSize,
			ApplicationName: "faultstore",
			Path:            "/data/faultstore",
		},
		Ignore: IgnoreConfig{},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3895,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks the configuration, returning the first problem found.
func (c *Config) Validate() error {
	settings := c.StoreSettings()
	if err := settings.Normalize(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server: timeout must be positive, got %s", c.Server.Timeout)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging: format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// StoreSettings converts the store section into resolver settings.
func (c *Config) StoreSettings() store.Settings {
	return store.Settings{
		Type:             c.Store.Type,
		Size:             c.Store.Size,
		RollupWindow:     time.Duration(c.Store.RollupSeconds) * time.Second,
		BackupQueueSize:  c.Store.BackupQueueSize,
		ApplicationName:  c.Store.ApplicationName,
		Path:             c.Store.Path,
		ConnectionString: c.Store.ConnectionString,
	}
}

// ListenAddr renders the HTTP bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
