// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/tomtom215/faultstore/internal/models"
)

//nolint:gochecknoinits // startup-time registration table, see resolver.go
func init() {
	Register("SQLStore", func(s Settings) (ErrorStore, error) {
		return NewSQLStore(s)
	})
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS errors (
	id               TEXT PRIMARY KEY,
	application_name TEXT NOT NULL DEFAULT '',
	machine_name     TEXT NOT NULL DEFAULT '',
	type             TEXT NOT NULL DEFAULT '',
	source           TEXT NOT NULL DEFAULT '',
	message          TEXT NOT NULL DEFAULT '',
	detail           TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	last_logged      INTEGER NOT NULL,
	error_hash       TEXT NOT NULL,
	duplicate_count  INTEGER NOT NULL DEFAULT 1,
	is_protected     INTEGER NOT NULL DEFAULT 0,
	custom_data      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_errors_hash_created ON errors(error_hash, created_at);
CREATE INDEX IF NOT EXISTS idx_errors_app_created ON errors(application_name, created_at);
`

// SQLStore persists records in a SQLite database. Size is interpreted
// as the List limit; rows are retained until deleted.
type SQLStore struct {
	settings Settings
	db       *sql.DB
}

// NewSQLStore opens (creating if needed) the SQLite database named by
// settings.ConnectionString, falling back to settings.Path.
func NewSQLStore(settings Settings) (*SQLStore, error) {
	dsn := settings.ConnectionString
	if dsn == "" {
		dsn = settings.Path
	}
	if dsn == "" {
		return nil, errors.New("SQL store requires a connection string or path")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent log calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqlSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLStore{settings: settings, db: db}, nil
}

// Write persists or rolls up the record inside a transaction.
func (s *SQLStore) Write(ctx context.Context, rec *models.ErrorRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewStoreFailure("SQLStore", "write", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.settings.RollupWindow > 0 {
		cutoff := time.Now().Add(-s.settings.RollupWindow).UnixNano()
		var existingID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM errors
			 WHERE error_hash = ? AND is_protected = 0 AND created_at >= ?
			 ORDER BY created_at DESC LIMIT 1`,
			rec.HashString(), cutoff,
		).Scan(&existingID)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx,
				`UPDATE errors SET duplicate_count = duplicate_count + 1, last_logged = ? WHERE id = ?`,
				rec.CreatedAt.UnixNano(), existingID,
			); err != nil {
				return NewStoreFailure("SQLStore", "write", err)
			}
			if err := tx.Commit(); err != nil {
				return NewStoreFailure("SQLStore", "write", err)
			}
			id, parseErr := uuid.Parse(existingID)
			if parseErr != nil {
				return NewStoreFailure("SQLStore", "write", parseErr)
			}
			rec.ID = id
			return nil
		case errors.Is(err, sql.ErrNoRows):
			// No rollup target; insert below.
		default:
			return NewStoreFailure("SQLStore", "write", err)
		}
	}

	customData := ""
	if len(rec.CustomData) > 0 {
		data, err := json.Marshal(rec.CustomData)
		if err != nil {
			return NewStoreFailure("SQLStore", "write", err)
		}
		customData = string(data)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO errors
		 (id, application_name, machine_name, type, source, message, detail,
		  created_at, last_logged, error_hash, duplicate_count, is_protected,
		  custom_data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.ApplicationName, rec.MachineName, rec.Type,
		rec.Source, rec.Message, rec.Detail, rec.CreatedAt.UnixNano(),
		rec.LastLogged.UnixNano(), rec.HashString(), rec.DuplicateCount,
		boolToInt(rec.IsProtected), customData,
	); err != nil {
		return NewStoreFailure("SQLStore", "write", err)
	}
	if err := tx.Commit(); err != nil {
		return NewStoreFailure("SQLStore", "write", err)
	}
	return nil
}

// Get fetches a record by ID.
func (s *SQLStore) Get(ctx context.Context, id uuid.UUID) (*models.ErrorRecord, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+` FROM errors WHERE id = ?`, id.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewStoreFailure("SQLStore", "get", err)
	}
	return rec, nil
}

// Protect marks a record as exempt from bulk deletion.
func (s *SQLStore) Protect(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE errors SET is_protected = 1 WHERE id = ?`, id.String())
	if err != nil {
		return false, NewStoreFailure("SQLStore", "protect", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, NewStoreFailure("SQLStore", "protect", err)
	}
	return n > 0, nil
}

// ProtectMany protects a batch of IDs in one statement.
func (s *SQLStore) ProtectMany(ctx context.Context, ids []uuid.UUID) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	query, args := inClause(`UPDATE errors SET is_protected = 1 WHERE id IN `, ids)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, NewStoreFailure("SQLStore", "protect_many", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, NewStoreFailure("SQLStore", "protect_many", err)
	}
	return n == int64(len(ids)), nil
}

// Delete removes a record unless it is protected.
func (s *SQLStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.exec(ctx, "delete",
		`DELETE FROM errors WHERE id = ? AND is_protected = 0`, id.String())
}

// HardDelete removes a record irrespective of protection.
func (s *SQLStore) HardDelete(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.exec(ctx, "hard_delete",
		`DELETE FROM errors WHERE id = ?`, id.String())
}

// DeleteMany deletes a batch of non-protected IDs in one statement.
func (s *SQLStore) DeleteMany(ctx context.Context, ids []uuid.UUID) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	query, args := inClause(`DELETE FROM errors WHERE is_protected = 0 AND id IN `, ids)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, NewStoreFailure("SQLStore", "delete_many", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, NewStoreFailure("SQLStore", "delete_many", err)
	}
	return n == int64(len(ids)), nil
}

// DeleteAll removes all non-protected records in the application scope.
func (s *SQLStore) DeleteAll(ctx context.Context, applicationName string) (bool, error) {
	query := `DELETE FROM errors WHERE is_protected = 0`
	args := []any{}
	if applicationName != "" {
		query += ` AND application_name = ?`
		args = append(args, applicationName)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return false, NewStoreFailure("SQLStore", "delete_all", err)
	}
	return true, nil
}

// List returns up to Size records newest first in the application scope.
func (s *SQLStore) List(ctx context.Context, applicationName string) ([]*models.ErrorRecord, int, error) {
	query := selectColumns + ` FROM errors`
	args := []any{}
	if applicationName != "" {
		query += ` WHERE application_name = ?`
		args = append(args, applicationName)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, s.settings.Size)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, NewStoreFailure("SQLStore", "list", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.ErrorRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, NewStoreFailure("SQLStore", "list", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, NewStoreFailure("SQLStore", "list", err)
	}
	return out, len(out), nil
}

// Count returns the number of records created at or after since.
func (s *SQLStore) Count(ctx context.Context, since time.Time, applicationName string) (int, error) {
	query := `SELECT COUNT(*) FROM errors WHERE 1=1`
	args := []any{}
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, since.UnixNano())
	}
	if applicationName != "" {
		query += ` AND application_name = ?`
		args = append(args, applicationName)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, NewStoreFailure("SQLStore", "count", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) exec(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, NewStoreFailure("SQLStore", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, NewStoreFailure("SQLStore", op, err)
	}
	return n > 0, nil
}

const selectColumns = `SELECT id, application_name, machine_name, type, source,
	message, detail, created_at, last_logged, error_hash, duplicate_count,
	is_protected, custom_data`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.ErrorRecord, error) {
	var (
		rec        models.ErrorRecord
		idStr      string
		createdNs  int64
		loggedNs   int64
		hashStr    string
		protected  int
		customData string
	)
	if err := row.Scan(&idStr, &rec.ApplicationName, &rec.MachineName,
		&rec.Type, &rec.Source, &rec.Message, &rec.Detail, &createdNs,
		&loggedNs, &hashStr, &rec.DuplicateCount, &protected,
		&customData); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse record id: %w", err)
	}
	rec.ID = id
	rec.CreatedAt = time.Unix(0, createdNs).UTC()
	rec.LastLogged = time.Unix(0, loggedNs).UTC()
	rec.IsProtected = protected != 0
	if _, err := fmt.Sscanf(hashStr, "%x", &rec.ErrorHash); err != nil {
		return nil, fmt.Errorf("parse error hash: %w", err)
	}
	if customData != "" {
		if err := json.Unmarshal([]byte(customData), &rec.CustomData); err != nil {
			return nil, fmt.Errorf("decode custom data: %w", err)
		}
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// inClause builds "prefix (?, ?, ...)" with matching args.
func inClause(prefix string, ids []uuid.UUID) (string, []any) {
	args := make([]any, len(ids))
	placeholders := make([]byte, 0, len(ids)*3)
	placeholders = append(placeholders, '(')
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',', ' ')
		}
		placeholders = append(placeholders, '?')
		args[i] = id.String()
	}
	placeholders = append(placeholders, ')')
	return prefix + string(placeholders), args
}
