// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLStore(Settings{
		Size:         50,
		RollupWindow: time.Minute,
		Path:         filepath.Join(t.TempDir(), "errors.db"),
	})
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLStore(t)

	rec := testRecord(t, "query timeout")
	rec.CustomData = map[string]string{"query": "SELECT 1"}
	if err := s.Write(ctx, rec); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Message != rec.Message {
		t.Errorf("Expected message=%q, got %q", rec.Message, got.Message)
	}
	if got.ErrorHash != rec.ErrorHash {
		t.Errorf("Expected hash=%d, got %d", rec.ErrorHash, got.ErrorHash)
	}
	if got.CustomData["query"] != "SELECT 1" {
		t.Errorf("Expected custom data to survive, got %v", got.CustomData)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("Expected created_at=%s, got %s", rec.CreatedAt, got.CreatedAt)
	}
}

func TestSQLStoreRollup(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLStore(t)

	first := testRecord(t, "repeated timeout")
	second := testRecord(t, "repeated timeout")
	second.ErrorHash = first.ErrorHash

	if err := s.Write(ctx, first); err != nil {
		t.Fatalf("Write first: %v", err)
	}
	if err := s.Write(ctx, second); err != nil {
		t.Fatalf("Write second: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("Expected rollup to adopt ID %s, got %s", first.ID, second.ID)
	}
	got, err := s.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DuplicateCount != 2 {
		t.Errorf("Expected DuplicateCount=2, got %d", got.DuplicateCount)
	}
	if n, _ := s.Count(ctx, time.Time{}, ""); n != 1 {
		t.Errorf("Expected a single row after rollup, got %d", n)
	}
}

func TestSQLStoreBatchCapabilities(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLStore(t)

	ids := make([]uuid.UUID, 3)
	for i := range ids {
		rec := testRecord(t, "batch target "+string(rune('a'+i)))
		if err := s.Write(ctx, rec); err != nil {
			t.Fatalf("Write: %v", err)
		}
		ids[i] = rec.ID
	}

	t.Run("protect many", func(t *testing.T) {
		ok, err := ProtectMany(ctx, s, ids)
		if err != nil {
			t.Fatalf("ProtectMany: %v", err)
		}
		if !ok {
			t.Error("Expected all rows protected")
		}
		ok, err = ProtectMany(ctx, s, append([]uuid.UUID{uuid.New()}, ids...))
		if err != nil {
			t.Fatalf("ProtectMany with missing ID: %v", err)
		}
		if ok {
			t.Error("Expected false when an ID was missing")
		}
	})

	t.Run("delete many honors protection", func(t *testing.T) {
		ok, err := DeleteMany(ctx, s, ids)
		if err != nil {
			t.Fatalf("DeleteMany: %v", err)
		}
		if ok {
			t.Error("Expected false, rows were protected")
		}
		for _, id := range ids {
			if _, err := s.Get(ctx, id); err != nil {
				t.Errorf("Expected protected row %s to survive, got %v", id, err)
			}
		}
	})

	t.Run("hard delete removes protected rows", func(t *testing.T) {
		for _, id := range ids {
			ok, err := s.HardDelete(ctx, id)
			if err != nil {
				t.Fatalf("HardDelete: %v", err)
			}
			if !ok {
				t.Errorf("Expected hard delete of %s to succeed", id)
			}
		}
	})
}

func TestSQLStoreDeleteAll(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLStore(t)

	mine := testRecord(t, "mine")
	other := testRecord(t, "other")
	other.ApplicationName = "other-app"
	_ = s.Write(ctx, mine)
	_ = s.Write(ctx, other)

	if _, err := s.DeleteAll(ctx, "test-app"); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if _, err := s.Get(ctx, mine.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected scoped row removed, got %v", err)
	}
	if _, err := s.Get(ctx, other.ID); err != nil {
		t.Errorf("Expected out-of-scope row to survive, got %v", err)
	}
}

func TestSQLStoreHealthCheck(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLStore(t)

	if !HealthCheck(ctx, s) {
		t.Error("Expected SQL backend to pass the health probe")
	}
	if n, _ := s.Count(ctx, time.Time{}, ""); n != 0 {
		t.Errorf("Expected probe row removed, %d rows remain", n)
	}
}
