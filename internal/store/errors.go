// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

package store

import (
	"errors"
	"fmt"
)

// StoreFailure reports that a backend operation could not reach or use
// the backing store. Callers treat it as "backend unavailable": the
// retry coordinator responds by entering failure mode and queueing,
// never by propagating the failure to the logging caller.
type StoreFailure struct {
	// Backend is the store implementation name, e.g. "SQLStore".
	Backend string

	// Op is the failed operation, e.g. "write".
	Op string

	// Err is the underlying cause.
	Err error
}

// NewStoreFailure wraps err as a backend-unavailable failure.
func NewStoreFailure(backend, op string, err error) *StoreFailure {
	return &StoreFailure{Backend: backend, Op: op, Err: err}
}

// Error implements the error interface.
func (e *StoreFailure) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *StoreFailure) Unwrap() error {
	return e.Err
}

// IsStoreFailure reports whether err is (or wraps) a StoreFailure.
func IsStoreFailure(err error) bool {
	var sf *StoreFailure
	return errors.As(err, &sf)
}

// ConfigError reports an invalid deployment configuration: an unknown
// backend type, invalid settings, or a backend constructor failure.
// It is fatal at resolution time and never retried.
type ConfigError struct {
	// Backend names the requested or failing backend, when known.
	Backend string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("store configuration (%s): %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("store configuration: %v", e.Err)
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
