// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"faultstore.yaml",
	"faultstore.yml",
	"/etc/faultstore/config.yaml",
	"/etc/faultstore/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "FAULTSTORE_CONFIG"

// Load builds the configuration from layered sources:
//  1. built-in defaults
//  2. optional YAML config file
//  3. FAULTSTORE_* environment variables (highest priority)
//
// The result is validated; an invalid configuration is a fatal error at
// startup, never retried.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps FAULTSTORE_* environment variables to config paths.
// Unmapped variables are dropped so random environment does not pollute
// the configuration.
var envMappings = map[string]string{
	"faultstore_disabled": "disabled",

	"faultstore_store_type":              "store.type",
	"faultstore_store_size":              "store.size",
	"faultstore_store_rollup_seconds":    "store.rollup_seconds",
	"faultstore_store_backup_queue_size": "store.backup_queue_size",
	"faultstore_application_name":        "store.application_name",
	"faultstore_store_path":              "store.path",
	"faultstore_store_connection_string": "store.connection_string",

	"faultstore_ignore_regexes": "ignore.regexes",
	"faultstore_ignore_types":   "ignore.types",

	"faultstore_http_host":           "server.host",
	"faultstore_http_port":           "server.port",
	"faultstore_http_timeout":        "server.timeout",
	"faultstore_rate_limit_requests": "server.rate_limit_requests",
	"faultstore_rate_limit_window":   "server.rate_limit_window",
	"faultstore_cors_origins":        "server.cors_origins",

	"faultstore_log_level":  "logging.level",
	"faultstore_log_format": "logging.format",
	"faultstore_log_caller": "logging.caller",
}

func envTransform(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}

// sliceConfigPaths are parsed from comma-separated strings when set via
// environment variables.
var sliceConfigPaths = []string{
	"ignore.regexes",
	"ignore.types",
	"server.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}
