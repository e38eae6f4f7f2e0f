// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

func newTestJSONStore(t *testing.T) *JSONStore {
	t.Helper()
	s, err := NewJSONStore(Settings{
		Size:         5,
		RollupWindow: time.Minute,
		Path:         t.TempDir(),
	})
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	return s
}

func TestJSONStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := newTestJSONStore(t)

	rec := testRecord(t, "disk failure")
	rec.CustomData = map[string]string{"request_id": "abc-123"}
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
	if got.CustomData["request_id"] != "abc-123" {
		t.Errorf("Expected custom data to survive serialization, got %v", got.CustomData)
	}
}

func TestJSONStoreRollup(t *testing.T) {
	ctx := context.Background()
	s := newTestJSONStore(t)

	first := testRecord(t, "repeated failure")
	second := testRecord(t, "repeated failure")
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
	if _, total, _ := s.List(ctx, ""); total != 1 {
		t.Errorf("Expected one file after rollup, got %d", total)
	}
}

func TestJSONStoreCapacity(t *testing.T) {
	ctx := context.Background()
	s := newTestJSONStore(t)

	for i := 0; i < 8; i++ {
		rec := testRecord(t, fmt.Sprintf("failure %d", i))
		// Distinct timestamps keep file ordering deterministic.
		rec.CreatedAt = time.Now().Add(time.Duration(i) * time.Millisecond)
		if err := s.Write(ctx, rec); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	_, total, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 {
		t.Errorf("Expected capacity 5, got %d", total)
	}
}

func TestJSONStoreCapacitySkipsProtected(t *testing.T) {
	ctx := context.Background()
	s := newTestJSONStore(t)

	base := time.Now()
	protected := testRecord(t, "protected failure")
	protected.CreatedAt = base
	if err := s.Write(ctx, protected); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := s.Protect(ctx, protected.ID); err != nil {
		t.Fatalf("Protect: %v", err)
	}

	oldest := testRecord(t, "failure 1")
	oldest.CreatedAt = base.Add(time.Millisecond)
	if err := s.Write(ctx, oldest); err != nil {
		t.Fatalf("Write: %v", err)
	}
	for i := 2; i < 8; i++ {
		rec := testRecord(t, fmt.Sprintf("failure %d", i))
		rec.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		if err := s.Write(ctx, rec); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	if _, err := s.Get(ctx, protected.ID); err != nil {
		t.Errorf("Expected protected record to survive pruning, got %v", err)
	}
	if _, err := s.Get(ctx, oldest.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected oldest unprotected record pruned, got err=%v", err)
	}
	if _, total, _ := s.List(ctx, ""); total != 5 {
		t.Errorf("Expected capacity 5, got %d", total)
	}
}

func TestJSONStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestJSONStore(t)

	rec := testRecord(t, "to delete")
	_ = s.Write(ctx, rec)
	if _, err := s.Protect(ctx, rec.ID); err != nil {
		t.Fatalf("Protect: %v", err)
	}

	ok, err := s.Delete(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok {
		t.Error("Expected protected record to survive Delete")
	}

	ok, err = s.HardDelete(ctx, rec.ID)
	if err != nil {
		t.Fatalf("HardDelete: %v", err)
	}
	if !ok {
		t.Error("Expected HardDelete to remove the protected record")
	}
	if _, err := s.Get(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestJSONStoreMissingDirectory(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONStore(Settings{Size: 5, Path: dir})
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}

	err = s.Write(context.Background(), testRecord(t, "orphaned"))
	if !IsStoreFailure(err) {
		t.Errorf("Expected StoreFailure once the directory vanished, got %v", err)
	}
}
