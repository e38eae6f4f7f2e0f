// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

// Package store defines the contract every error-store backend satisfies,
// the failure taxonomy callers use to detect backend outages, and the
// name-based resolver that selects a backend from configuration.
//
// Backends ship in this package: a bounded in-memory store (the default),
// a JSON file-per-record store, a SQLite store, and a BadgerDB store.
// Store operations are not enrolled in any caller-side transaction; each
// call is an independent unit of work.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/tomtom215/faultstore/internal/models"
)

// ErrNotFound is returned by Get when no record has the requested ID.
var ErrNotFound = errors.New("error record not found")

// ErrorStore is the contract every backend implements.
//
// Any method may fail with a *StoreFailure, which callers interpret as
// "backend unavailable" and handle by entering failure mode. Write must
// roll up: when a non-protected record with the same hash was written
// within the rollup window, the backend increments that record's
// duplicate count and rewrites the incoming record's ID to the existing
// identity instead of creating a new row. Callers observe the identity
// divergence to set IsDuplicate.
type ErrorStore interface {
	// Write persists or rolls up the record.
	Write(ctx context.Context, rec *models.ErrorRecord) error

	// Get fetches a record by ID, returning ErrNotFound when absent.
	Get(ctx context.Context, id uuid.UUID) (*models.ErrorRecord, error)

	// Protect marks a record as exempt from bulk deletion.
	// Returns false when the record does not exist.
	Protect(ctx context.Context, id uuid.UUID) (bool, error)

	// Delete removes a record unless it is protected.
	Delete(ctx context.Context, id uuid.UUID) (bool, error)

	// DeleteAll removes all non-protected records, optionally scoped to
	// an application name ("" = all applications).
	DeleteAll(ctx context.Context, applicationName string) (bool, error)

	// List returns records (newest first) and their count, optionally
	// scoped to an application name.
	List(ctx context.Context, applicationName string) ([]*models.ErrorRecord, int, error)

	// Count returns the number of records created at or after since
	// (zero time = all), optionally scoped to an application name.
	Count(ctx context.Context, since time.Time, applicationName string) (int, error)

	// Close releases backend resources.
	Close() error
}

// HardDeleter is an optional capability: deletion irrespective of
// protection. Backends that track protection implement it; HardDelete
// falls back to Delete otherwise.
type HardDeleter interface {
	HardDelete(ctx context.Context, id uuid.UUID) (bool, error)
}

// BatchProtector is an optional capability for efficient bulk protection.
type BatchProtector interface {
	ProtectMany(ctx context.Context, ids []uuid.UUID) (bool, error)
}

// BatchDeleter is an optional capability for efficient bulk deletion.
type BatchDeleter interface {
	DeleteMany(ctx context.Context, ids []uuid.UUID) (bool, error)
}

// HardDelete removes a record irrespective of protection, using the
// backend's HardDeleter capability when present and falling back to
// plain Delete otherwise.
func HardDelete(ctx context.Context, s ErrorStore, id uuid.UUID) (bool, error) {
	if hd, ok := s.(HardDeleter); ok {
		return hd.HardDelete(ctx, id)
	}
	return s.Delete(ctx, id)
}

// ProtectMany protects each ID, reducing results with logical AND.
// Backends implementing BatchProtector are used directly.
func ProtectMany(ctx context.Context, s ErrorStore, ids []uuid.UUID) (bool, error) {
	if bp, ok := s.(BatchProtector); ok {
		return bp.ProtectMany(ctx, ids)
	}
	all := true
	for _, id := range ids {
		ok, err := s.Protect(ctx, id)
		if err != nil {
			return false, err
		}
		all = all && ok
	}
	return all, nil
}

// DeleteMany deletes each ID, reducing results with logical AND.
// Backends implementing BatchDeleter are used directly.
func DeleteMany(ctx context.Context, s ErrorStore, ids []uuid.UUID) (bool, error) {
	if bd, ok := s.(BatchDeleter); ok {
		return bd.DeleteMany(ctx, ids)
	}
	all := true
	for _, id := range ids {
		ok, err := s.Delete(ctx, id)
		if err != nil {
			return false, err
		}
		all = all && ok
	}
	return all, nil
}

// HealthCheck probes backend availability by writing a synthetic
// throwaway record and hard-deleting it. It returns false on any
// failure and never panics or propagates errors; concurrent health
// checks against the same backend are safe.
func HealthCheck(ctx context.Context, s ErrorStore) (healthy bool) {
	defer func() {
		if recover() != nil {
			healthy = false
		}
	}()

	probe := models.NewErrorRecord(errHealthProbe, models.RecordOptions{
		Source: "healthcheck",
	})
	// A unique message keeps the probe out of rollup with real records
	// and with concurrent probes.
	probe.Message = fmt.Sprintf("health check probe %s", probe.ID)
	probe.ErrorHash = xxhash.Sum64String(probe.Message)

	if err := s.Write(ctx, probe); err != nil {
		return false
	}
	if _, err := HardDelete(ctx, s, probe.ID); err != nil {
		return false
	}
	return true
}

var errHealthProbe = errors.New("health check probe")
