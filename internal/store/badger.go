// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/faultstore/internal/models"
)

//nolint:gochecknoinits // startup-time registration table, see resolver.go
func init() {
	Register("BadgerStore", func(s Settings) (ErrorStore, error) {
		return NewBadgerStore(s)
	})
}

// Key layout in BadgerDB:
//
//	error:<id>                  -> record JSON
//	hash:<hash>:<created-nano>  -> record key (rollup lookup)
//	time:<created-nano>:<id>    -> record key (creation-order scan)
const (
	badgerErrorPrefix = "error:"
	badgerHashPrefix  = "hash:"
	badgerTimePrefix  = "time:"
)

// BadgerStore persists records in an embedded BadgerDB key-value store,
// bounded to the Size most recent records.
type BadgerStore struct {
	settings Settings
	db       *badger.DB
}

// NewBadgerStore opens (creating if needed) a BadgerDB at settings.Path.
func NewBadgerStore(settings Settings) (*BadgerStore, error) {
	if settings.Path == "" {
		return nil, errors.New("badger store requires a path")
	}
	opts := badger.DefaultOptions(settings.Path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{settings: settings, db: db}, nil
}

func errorKey(id uuid.UUID) []byte {
	return []byte(badgerErrorPrefix + id.String())
}

func hashKey(rec *models.ErrorRecord) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", badgerHashPrefix, rec.HashString(), rec.CreatedAt.UnixNano()))
}

func timeKey(rec *models.ErrorRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", badgerTimePrefix, rec.CreatedAt.UnixNano(), rec.ID))
}

// Write persists or rolls up the record in a single transaction.
func (b *BadgerStore) Write(_ context.Context, rec *models.ErrorRecord) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		if b.settings.RollupWindow > 0 {
			if done, err := b.tryRollup(txn, rec); err != nil || done {
				return err
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		key := errorKey(rec.ID)
		if err := txn.Set(key, data); err != nil {
			return err
		}
		if err := txn.Set(hashKey(rec), key); err != nil {
			return err
		}
		if err := txn.Set(timeKey(rec), key); err != nil {
			return err
		}
		return b.pruneLocked(txn)
	})
	if err != nil {
		return NewStoreFailure("BadgerStore", "write", err)
	}
	return nil
}

// tryRollup merges rec into the newest same-hash, non-protected record
// inside the rollup window. Returns done=true when the merge happened.
func (b *BadgerStore) tryRollup(txn *badger.Txn, rec *models.ErrorRecord) (bool, error) {
	cutoff := time.Now().Add(-b.settings.RollupWindow).UnixNano()
	prefix := []byte(badgerHashPrefix + rec.HashString() + ":")

	itOpts := badger.DefaultIteratorOptions
	itOpts.Prefix = prefix
	itOpts.Reverse = true
	it := txn.NewIterator(itOpts)
	defer it.Close()

	// Reverse iteration needs a seek key past the prefix range.
	seek := append(bytes.Clone(prefix), 0xff)
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().Key()
		nano, err := strconv.ParseInt(string(key[len(prefix):]), 10, 64)
		if err != nil {
			continue
		}
		if nano < cutoff {
			return false, nil // ordered newest-first; rest are older
		}

		var recKey []byte
		if err := it.Item().Value(func(v []byte) error {
			recKey = bytes.Clone(v)
			return nil
		}); err != nil {
			return false, err
		}
		existing, err := readRecord(txn, recKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			continue // stale index entry
		}
		if err != nil {
			return false, err
		}
		if existing.IsProtected {
			continue
		}

		existing.DuplicateCount++
		existing.LastLogged = rec.CreatedAt
		data, err := json.Marshal(existing)
		if err != nil {
			return false, fmt.Errorf("encode record: %w", err)
		}
		if err := txn.Set(recKey, data); err != nil {
			return false, err
		}
		rec.ID = existing.ID
		return true, nil
	}
	return false, nil
}

// pruneLocked removes the oldest non-protected records beyond capacity.
// Must run inside the write transaction. Protected records are skipped,
// so the store may exceed Size when they crowd the keyspace.
func (b *BadgerStore) pruneLocked(txn *badger.Txn) error {
	itOpts := badger.DefaultIteratorOptions
	itOpts.Prefix = []byte(badgerTimePrefix)
	itOpts.PrefetchValues = false
	it := txn.NewIterator(itOpts)
	var oldest [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		oldest = append(oldest, bytes.Clone(it.Item().Key()))
	}
	it.Close()

	over := len(oldest) - b.settings.Size
	for _, tk := range oldest {
		if over <= 0 {
			break
		}
		recKey, id := recordKeyFromTimeKey(tk)
		if id != uuid.Nil {
			rec, err := readRecord(txn, recKey)
			if err == nil && rec.IsProtected {
				continue
			}
			if err == nil {
				_ = txn.Delete(hashKey(rec))
			}
			_ = txn.Delete(recKey)
		}
		if err := txn.Delete(tk); err != nil {
			return err
		}
		over--
	}
	return nil
}

// recordKeyFromTimeKey recovers the record key from a time index key.
func recordKeyFromTimeKey(key []byte) ([]byte, uuid.UUID) {
	s := string(key[len(badgerTimePrefix):])
	_, idStr, ok := strings.Cut(s, ":")
	if !ok {
		return nil, uuid.Nil
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, uuid.Nil
	}
	return errorKey(id), id
}

// Get fetches a record by ID.
func (b *BadgerStore) Get(_ context.Context, id uuid.UUID) (*models.ErrorRecord, error) {
	var rec *models.ErrorRecord
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readRecord(txn, errorKey(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewStoreFailure("BadgerStore", "get", err)
	}
	return rec, nil
}

// Protect marks a record as exempt from bulk deletion.
func (b *BadgerStore) Protect(_ context.Context, id uuid.UUID) (bool, error) {
	found := false
	err := b.db.Update(func(txn *badger.Txn) error {
		rec, err := readRecord(txn, errorKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rec.IsProtected = true
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if err := txn.Set(errorKey(id), data); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, NewStoreFailure("BadgerStore", "protect", err)
	}
	return found, nil
}

// Delete removes a record unless it is protected.
func (b *BadgerStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	return b.remove(ctx, id, false)
}

// HardDelete removes a record irrespective of protection.
func (b *BadgerStore) HardDelete(ctx context.Context, id uuid.UUID) (bool, error) {
	return b.remove(ctx, id, true)
}

func (b *BadgerStore) remove(_ context.Context, id uuid.UUID, ignoreProtection bool) (bool, error) {
	removed := false
	err := b.db.Update(func(txn *badger.Txn) error {
		rec, err := readRecord(txn, errorKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.IsProtected && !ignoreProtection {
			return nil
		}
		if err := deleteRecord(txn, rec); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return false, NewStoreFailure("BadgerStore", "delete", err)
	}
	return removed, nil
}

// DeleteAll removes all non-protected records in the application scope.
func (b *BadgerStore) DeleteAll(_ context.Context, applicationName string) (bool, error) {
	recs, err := b.collect(applicationName)
	if err != nil {
		return false, NewStoreFailure("BadgerStore", "delete_all", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		for _, rec := range recs {
			if rec.IsProtected {
				continue
			}
			if err := deleteRecord(txn, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, NewStoreFailure("BadgerStore", "delete_all", err)
	}
	return true, nil
}

// List returns records newest first in the application scope.
func (b *BadgerStore) List(_ context.Context, applicationName string) ([]*models.ErrorRecord, int, error) {
	recs, err := b.collect(applicationName)
	if err != nil {
		return nil, 0, NewStoreFailure("BadgerStore", "list", err)
	}
	// collect walks the time index oldest first; reverse for newest first.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, len(recs), nil
}

// Count returns the number of records created at or after since.
func (b *BadgerStore) Count(_ context.Context, since time.Time, applicationName string) (int, error) {
	recs, err := b.collect(applicationName)
	if err != nil {
		return 0, NewStoreFailure("BadgerStore", "count", err)
	}
	n := 0
	for _, rec := range recs {
		if !since.IsZero() && rec.CreatedAt.Before(since) {
			continue
		}
		n++
	}
	return n, nil
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// collect loads all records (oldest first), filtered by application.
func (b *BadgerStore) collect(applicationName string) ([]*models.ErrorRecord, error) {
	var recs []*models.ErrorRecord
	err := b.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.Prefix = []byte(badgerTimePrefix)
		it := txn.NewIterator(itOpts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var recKey []byte
			if err := it.Item().Value(func(v []byte) error {
				recKey = bytes.Clone(v)
				return nil
			}); err != nil {
				return err
			}
			rec, err := readRecord(txn, recKey)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if applicationName != "" && rec.ApplicationName != applicationName {
				continue
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

func readRecord(txn *badger.Txn, key []byte) (*models.ErrorRecord, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var rec models.ErrorRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

func deleteRecord(txn *badger.Txn, rec *models.ErrorRecord) error {
	if err := txn.Delete(errorKey(rec.ID)); err != nil {
		return err
	}
	if err := txn.Delete(hashKey(rec)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	if err := txn.Delete(timeKey(rec)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return nil
}
