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
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/faultstore/internal/models"
)

//nolint:gochecknoinits // startup-time registration table, see resolver.go
func init() {
	Register("JSONStore", func(s Settings) (ErrorStore, error) {
		return NewJSONStore(s)
	})
}

// JSONStore persists one JSON file per record in a directory. The
// directory is bounded: once more than Size records exist, the oldest
// files are pruned on write.
//
// File names are "<created-unix-nano>-<id>.json" so lexical ordering of
// the numeric prefix is creation ordering and the record ID is
// recoverable without opening the file.
type JSONStore struct {
	settings Settings
	dir      string

	// mu serializes writes; reads tolerate concurrent file changes.
	mu sync.Mutex
}

// NewJSONStore creates a file-per-record store rooted at settings.Path.
func NewJSONStore(settings Settings) (*JSONStore, error) {
	if settings.Path == "" {
		return nil, errors.New("JSON store requires a path")
	}
	if err := os.MkdirAll(settings.Path, 0o750); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &JSONStore{settings: settings, dir: settings.Path}, nil
}

func (j *JSONStore) fileName(rec *models.ErrorRecord) string {
	return fmt.Sprintf("%d-%s.json", rec.CreatedAt.UnixNano(), rec.ID)
}

// Write persists or rolls up the record.
func (j *JSONStore) Write(_ context.Context, rec *models.ErrorRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	files, err := j.listFiles()
	if err != nil {
		return NewStoreFailure("JSONStore", "write", err)
	}

	if j.settings.RollupWindow > 0 {
		cutoff := time.Now().Add(-j.settings.RollupWindow).UnixNano()
		// Newest first so the most recent same-hash record wins.
		for i := len(files) - 1; i >= 0; i-- {
			if files[i].createdNano < cutoff {
				break
			}
			existing, err := j.readFile(files[i].name)
			if err != nil {
				continue // unreadable entry, not a rollup candidate
			}
			if existing.ErrorHash == rec.ErrorHash && !existing.IsProtected {
				existing.DuplicateCount++
				existing.LastLogged = rec.CreatedAt
				if err := j.writeFile(files[i].name, existing); err != nil {
					return NewStoreFailure("JSONStore", "write", err)
				}
				rec.ID = existing.ID
				return nil
			}
		}
	}

	if err := j.writeFile(j.fileName(rec), rec); err != nil {
		return NewStoreFailure("JSONStore", "write", err)
	}

	// Prune the oldest non-protected files beyond capacity. When
	// protected records crowd the directory it may exceed Size.
	if over := len(files) + 1 - j.settings.Size; over > 0 {
		for _, f := range files {
			if over <= 0 {
				break
			}
			existing, err := j.readFile(f.name)
			if err == nil && existing.IsProtected {
				continue
			}
			_ = os.Remove(filepath.Join(j.dir, f.name))
			over--
		}
	}
	return nil
}

// Get fetches a record by ID.
func (j *JSONStore) Get(_ context.Context, id uuid.UUID) (*models.ErrorRecord, error) {
	name, err := j.findFile(id)
	if err != nil {
		return nil, err
	}
	rec, err := j.readFile(name)
	if err != nil {
		return nil, NewStoreFailure("JSONStore", "get", err)
	}
	return rec, nil
}

// Protect marks a record as exempt from bulk deletion.
func (j *JSONStore) Protect(_ context.Context, id uuid.UUID) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	name, err := j.findFile(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rec, err := j.readFile(name)
	if err != nil {
		return false, NewStoreFailure("JSONStore", "protect", err)
	}
	rec.IsProtected = true
	if err := j.writeFile(name, rec); err != nil {
		return false, NewStoreFailure("JSONStore", "protect", err)
	}
	return true, nil
}

// Delete removes a record unless it is protected.
func (j *JSONStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	return j.remove(ctx, id, false)
}

// HardDelete removes a record irrespective of protection.
func (j *JSONStore) HardDelete(ctx context.Context, id uuid.UUID) (bool, error) {
	return j.remove(ctx, id, true)
}

func (j *JSONStore) remove(_ context.Context, id uuid.UUID, ignoreProtection bool) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	name, err := j.findFile(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !ignoreProtection {
		rec, err := j.readFile(name)
		if err != nil {
			return false, NewStoreFailure("JSONStore", "delete", err)
		}
		if rec.IsProtected {
			return false, nil
		}
	}
	if err := os.Remove(filepath.Join(j.dir, name)); err != nil {
		return false, NewStoreFailure("JSONStore", "delete", err)
	}
	return true, nil
}

// DeleteAll removes all non-protected records in the application scope.
func (j *JSONStore) DeleteAll(_ context.Context, applicationName string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	files, err := j.listFiles()
	if err != nil {
		return false, NewStoreFailure("JSONStore", "delete_all", err)
	}
	for _, f := range files {
		rec, err := j.readFile(f.name)
		if err != nil {
			continue
		}
		if rec.IsProtected {
			continue
		}
		if applicationName != "" && rec.ApplicationName != applicationName {
			continue
		}
		if err := os.Remove(filepath.Join(j.dir, f.name)); err != nil {
			return false, NewStoreFailure("JSONStore", "delete_all", err)
		}
	}
	return true, nil
}

// List returns records newest first in the application scope.
func (j *JSONStore) List(_ context.Context, applicationName string) ([]*models.ErrorRecord, int, error) {
	files, err := j.listFiles()
	if err != nil {
		return nil, 0, NewStoreFailure("JSONStore", "list", err)
	}
	out := make([]*models.ErrorRecord, 0, len(files))
	for i := len(files) - 1; i >= 0; i-- {
		rec, err := j.readFile(files[i].name)
		if err != nil {
			continue
		}
		if applicationName != "" && rec.ApplicationName != applicationName {
			continue
		}
		out = append(out, rec)
	}
	return out, len(out), nil
}

// Count returns the number of records created at or after since.
func (j *JSONStore) Count(_ context.Context, since time.Time, applicationName string) (int, error) {
	files, err := j.listFiles()
	if err != nil {
		return 0, NewStoreFailure("JSONStore", "count", err)
	}
	sinceNano := int64(0)
	if !since.IsZero() {
		sinceNano = since.UnixNano()
	}
	n := 0
	for _, f := range files {
		if f.createdNano < sinceNano {
			continue
		}
		if applicationName != "" {
			rec, err := j.readFile(f.name)
			if err != nil || rec.ApplicationName != applicationName {
				continue
			}
		}
		n++
	}
	return n, nil
}

// Close is a no-op for the JSON store.
func (j *JSONStore) Close() error {
	return nil
}

type jsonFile struct {
	name        string
	createdNano int64
}

// listFiles returns record files sorted oldest first.
func (j *JSONStore) listFiles() ([]jsonFile, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	files := make([]jsonFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "-")
		if !ok {
			continue
		}
		nano, err := strconv.ParseInt(prefix, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, jsonFile{name: e.Name(), createdNano: nano})
	}
	sort.Slice(files, func(a, b int) bool { return files[a].createdNano < files[b].createdNano })
	return files, nil
}

// findFile locates the file holding the record with the given ID.
func (j *JSONStore) findFile(id uuid.UUID) (string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return "", NewStoreFailure("JSONStore", "find", err)
	}
	suffix := "-" + id.String() + ".json"
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), suffix) {
			return e.Name(), nil
		}
	}
	return "", ErrNotFound
}

func (j *JSONStore) readFile(name string) (*models.ErrorRecord, error) {
	data, err := os.ReadFile(filepath.Join(j.dir, name))
	if err != nil {
		return nil, err
	}
	var rec models.ErrorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return &rec, nil
}

func (j *JSONStore) writeFile(name string, rec *models.ErrorRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return os.WriteFile(filepath.Join(j.dir, name), data, 0o600)
}
