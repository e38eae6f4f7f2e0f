// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/faultstore/internal/models"
)

//nolint:gochecknoinits // startup-time registration table, see resolver.go
func init() {
	Register("MemoryStore", func(s Settings) (ErrorStore, error) {
		return NewMemoryStore(s), nil
	})
}

// MemoryStore retains the N most recent records in memory with no
// persistence. It is the default backend when none is configured and
// the reference implementation of the rollup contract.
type MemoryStore struct {
	settings Settings

	mu      sync.Mutex
	records []*models.ErrorRecord // oldest first
}

// NewMemoryStore creates a bounded in-memory store.
func NewMemoryStore(settings Settings) *MemoryStore {
	return &MemoryStore{settings: settings}
}

// Write persists or rolls up the record. A non-protected record with
// the same hash created within the rollup window absorbs the write:
// its duplicate count is incremented and the incoming record adopts
// its identity.
func (m *MemoryStore) Write(_ context.Context, rec *models.ErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settings.RollupWindow > 0 {
		cutoff := time.Now().Add(-m.settings.RollupWindow)
		for i := len(m.records) - 1; i >= 0; i-- {
			q := m.records[i]
			if q.ErrorHash == rec.ErrorHash && !q.IsProtected && q.CreatedAt.After(cutoff) {
				q.DuplicateCount++
				q.LastLogged = rec.CreatedAt
				rec.ID = q.ID
				return nil
			}
		}
	}

	m.records = append(m.records, rec.Copy())

	// Evict the oldest non-protected records beyond capacity. When
	// protected records crowd the buffer the store may exceed Size.
	if over := len(m.records) - m.settings.Size; over > 0 {
		kept := make([]*models.ErrorRecord, 0, m.settings.Size)
		for _, r := range m.records {
			if over > 0 && !r.IsProtected {
				over--
				continue
			}
			kept = append(kept, r)
		}
		m.records = kept
	}
	return nil
}

// Get fetches a record by ID.
func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.ErrorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records {
		if r.ID == id {
			return r.Copy(), nil
		}
	}
	return nil, ErrNotFound
}

// Protect marks a record as exempt from bulk deletion.
func (m *MemoryStore) Protect(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records {
		if r.ID == id {
			r.IsProtected = true
			return true, nil
		}
	}
	return false, nil
}

// Delete removes a record unless it is protected.
func (m *MemoryStore) Delete(_ context.Context, id uuid.UUID) (bool, error) {
	return m.remove(id, false), nil
}

// HardDelete removes a record irrespective of protection.
func (m *MemoryStore) HardDelete(_ context.Context, id uuid.UUID) (bool, error) {
	return m.remove(id, true), nil
}

func (m *MemoryStore) remove(id uuid.UUID, ignoreProtection bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.records {
		if r.ID != id {
			continue
		}
		if r.IsProtected && !ignoreProtection {
			return false
		}
		m.records = append(m.records[:i], m.records[i+1:]...)
		return true
	}
	return false
}

// DeleteAll removes all non-protected records in the application scope.
func (m *MemoryStore) DeleteAll(_ context.Context, applicationName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.records[:0]
	for _, r := range m.records {
		if r.IsProtected || (applicationName != "" && r.ApplicationName != applicationName) {
			kept = append(kept, r)
		}
	}
	m.records = kept
	return true, nil
}

// List returns records newest first in the application scope.
func (m *MemoryStore) List(_ context.Context, applicationName string) ([]*models.ErrorRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.ErrorRecord, 0, len(m.records))
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if applicationName != "" && r.ApplicationName != applicationName {
			continue
		}
		out = append(out, r.Copy())
	}
	return out, len(out), nil
}

// Count returns the number of records created at or after since.
func (m *MemoryStore) Count(_ context.Context, since time.Time, applicationName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.records {
		if applicationName != "" && r.ApplicationName != applicationName {
			continue
		}
		if !since.IsZero() && r.CreatedAt.Before(since) {
			continue
		}
		n++
	}
	return n, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}
