// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

package store

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Settings is the backend configuration handed to constructors.
type Settings struct {
	// Type identifies the backend for resolution, e.g. "Memory", "SQL".
	Type string

	// Size is the capacity or retention limit passed to the backend;
	// each backend interprets it (record cap for memory/JSON/Badger,
	// list limit for SQL). Must be >= 1.
	Size int

	// RollupWindow is the dedup window: identical errors written within
	// it roll up into one record. Default 600s.
	RollupWindow time.Duration

	// BackupQueueSize caps the in-memory backup queue. Default 1000.
	BackupQueueSize int

	// ApplicationName is the default application scope for records.
	ApplicationName string

	// Path is the data directory or file for file-backed backends.
	Path string

	// ConnectionString is the DSN for SQL backends.
	ConnectionString string
}

// Defaults applied during validation.
const (
	DefaultType            = "Memory"
	DefaultSize            = 200
	DefaultRollupWindow    = 600 * time.Second
	DefaultBackupQueueSize = 1000
)

// Normalize applies defaults and validates the settings.
// Invalid settings are fatal configuration errors.
func (s *Settings) Normalize() error {
	if s.Type == "" {
		// No backend configured: fall back to the bounded memory store.
		s.Type = DefaultType
	}
	if s.Size == 0 {
		s.Size = DefaultSize
	}
	if s.Size < 1 {
		return &ConfigError{Err: fmt.Errorf("size must be >= 1, got %d", s.Size)}
	}
	if s.RollupWindow == 0 {
		s.RollupWindow = DefaultRollupWindow
	}
	if s.RollupWindow < 0 {
		return &ConfigError{Err: fmt.Errorf("rollup window must not be negative, got %s", s.RollupWindow)}
	}
	if s.BackupQueueSize == 0 {
		s.BackupQueueSize = DefaultBackupQueueSize
	}
	if s.BackupQueueSize < 1 {
		return &ConfigError{Err: fmt.Errorf("backup queue size must be >= 1, got %d", s.BackupQueueSize)}
	}
	return nil
}

// Constructor builds a backend from settings.
type Constructor func(Settings) (ErrorStore, error)

type registration struct {
	name string
	ctor Constructor
}

var (
	regMu    sync.Mutex
	registry []registration
)

// Register adds a backend to the resolution table. Backends register at
// process start from init functions; registration order is resolution
// order for ambiguous matches.
func Register(name string, ctor Constructor) {
	regMu.Lock()
	defer regMu.Unlock()
	registry = append(registry, registration{name: name, ctor: ctor})
}

// Registered returns the registered backend names in registration order.
func Registered() []string {
	regMu.Lock()
	defer regMu.Unlock()
	names := make([]string, len(registry))
	for i, r := range registry {
		names[i] = r.name
	}
	return names
}

// Resolve selects and instantiates the backend named by settings.Type.
//
// Resolution is by convention: an exact (case-insensitive) match on
// Type + "Store" wins; failing that, the first registered name
// containing Type as a substring is taken. The substring fallback is a
// deliberate best-effort policy — ambiguity resolves to the
// first-registered match rather than an error. No match at all is a
// fatal configuration error naming the requested type, as is any
// constructor failure.
func Resolve(settings Settings) (ErrorStore, error) {
	if err := settings.Normalize(); err != nil {
		return nil, err
	}

	reg, err := lookup(settings.Type)
	if err != nil {
		return nil, err
	}

	s, err := reg.ctor(settings)
	if err != nil {
		return nil, &ConfigError{
			Backend: reg.name,
			Err:     fmt.Errorf("constructing %s: %w", reg.name, err),
		}
	}
	return s, nil
}

// lookup finds the registration for a backend type.
func lookup(storeType string) (registration, error) {
	regMu.Lock()
	defer regMu.Unlock()

	want := strings.ToLower(storeType) + "store"
	for _, r := range registry {
		if strings.ToLower(r.name) == want {
			return r, nil
		}
	}

	sub := strings.ToLower(storeType)
	for _, r := range registry {
		if strings.Contains(strings.ToLower(r.name), sub) {
			return r, nil
		}
	}

	return registration{}, &ConfigError{
		Backend: storeType,
		Err:     fmt.Errorf("no registered store matches type %q", storeType),
	}
}
