// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

package store

import (
	"errors"
	"testing"
	"time"
)

func TestSettingsNormalize(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		var s Settings
		if err := s.Normalize(); err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		if s.Type != DefaultType {
			t.Errorf("Expected type=%s, got %s", DefaultType, s.Type)
		}
		if s.Size != DefaultSize {
			t.Errorf("Expected size=%d, got %d", DefaultSize, s.Size)
		}
		if s.RollupWindow != DefaultRollupWindow {
			t.Errorf("Expected rollup window=%s, got %s", DefaultRollupWindow, s.RollupWindow)
		}
		if s.BackupQueueSize != DefaultBackupQueueSize {
			t.Errorf("Expected backup queue size=%d, got %d", DefaultBackupQueueSize, s.BackupQueueSize)
		}
	})

	tests := []struct {
		name     string
		settings Settings
	}{
		{"negative size", Settings{Size: -1}},
		{"negative rollup window", Settings{RollupWindow: -time.Second}},
		{"negative backup queue", Settings{BackupQueueSize: -5}},
	}
	for _, tt := range tests {
		t.Run(tt.name+" is a config error", func(t *testing.T) {
			err := tt.settings.Normalize()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !IsConfigError(err) {
				t.Errorf("Expected ConfigError, got %T", err)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		storeType string
		wantType  string
	}{
		{"exact convention match", "Memory", "*store.MemoryStore"},
		{"case insensitive", "mEmOrY", "*store.MemoryStore"},
		{"empty type defaults to memory", "", "*store.MemoryStore"},
		{"sql resolves to sql backend", "SQL", "*store.SQLStore"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := Settings{Type: tt.storeType}
			if tt.wantType == "*store.SQLStore" {
				settings.Path = t.TempDir() + "/errors.db"
			}
			s, err := Resolve(settings)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.storeType, err)
			}
			defer s.Close()
			if got := typeName(s); got != tt.wantType {
				t.Errorf("Expected %s, got %s", tt.wantType, got)
			}
		})
	}

	t.Run("unknown type is a config error", func(t *testing.T) {
		_, err := Resolve(Settings{Type: "Cassandra"})
		if err == nil {
			t.Fatal("Expected error for unknown backend")
		}
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("Expected ConfigError, got %T", err)
		}
		if cfgErr.Backend != "Cassandra" {
			t.Errorf("Expected error to name the requested type, got %q", cfgErr.Backend)
		}
	})

	t.Run("convention match beats earlier substring registration", func(t *testing.T) {
		// GammaArchive matches "Gamma" only by substring and registers
		// first; the GammaStore convention name must still win.
		Register("GammaArchive", func(Settings) (ErrorStore, error) {
			t.Error("Expected the convention match to win over a substring match")
			return nil, errors.New("wrong registration")
		})
		Register("GammaStore", func(s Settings) (ErrorStore, error) {
			return NewMemoryStore(s), nil
		})

		s, err := Resolve(Settings{Type: "Gamma"})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		defer s.Close()
		if _, ok := s.(*MemoryStore); !ok {
			t.Errorf("Expected GammaStore constructor result, got %T", s)
		}
	})

	t.Run("substring fallback takes first registration", func(t *testing.T) {
		Register("AlphaFallbackStore", func(s Settings) (ErrorStore, error) {
			return NewMemoryStore(s), nil
		})
		Register("BetaFallbackStore", func(Settings) (ErrorStore, error) {
			t.Error("Expected first-registered match to win")
			return nil, errors.New("wrong registration")
		})

		s, err := Resolve(Settings{Type: "Fallback"})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		defer s.Close()
		if _, ok := s.(*MemoryStore); !ok {
			t.Errorf("Expected AlphaFallbackStore constructor result, got %T", s)
		}
	})
}

func TestRegistered(t *testing.T) {
	names := Registered()
	want := map[string]bool{
		"MemoryStore": false,
		"JSONStore":   false,
		"SQLStore":    false,
		"BadgerStore": false,
	}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Errorf("Expected %s in registration table, got %v", n, names)
		}
	}
}

func typeName(v interface{}) string {
	switch v.(type) {
	case *MemoryStore:
		return "*store.MemoryStore"
	case *JSONStore:
		return "*store.JSONStore"
	case *SQLStore:
		return "*store.SQLStore"
	case *BadgerStore:
		return "*store.BadgerStore"
	default:
		return "unknown"
	}
}
