// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

// Package ignore decides which errors are dropped before they reach the
// store. Two rule kinds are supported: regular expressions matched
// against the rendered error (type, message and stack), and type names
// matched against every error in the wrap tree, including the branches
// of joined errors.
package ignore

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/tomtom215/faultstore/internal/models"
)

// Filter evaluates ignore rules against candidate errors. The zero
// value ignores nothing. Filter is safe for concurrent use; rule
// updates take effect for subsequent Match calls.
type Filter struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
	types    map[string]struct{}
}

// New builds a filter from regex sources and exact type names. Invalid
// regexes are fatal configuration errors.
func New(regexes []string, typeNames []string) (*Filter, error) {
	f := &Filter{}
	if err := f.SetRegexes(regexes); err != nil {
		return nil, err
	}
	f.SetTypes(typeNames)
	return f, nil
}

// SetRegexes replaces the regex rule set. All patterns are compiled up
// front so a bad pattern is rejected before it can silently match
// nothing.
func (f *Filter) SetRegexes(sources []string) error {
	compiled := make([]*regexp.Regexp, 0, len(sources))
	for _, src := range sources {
		re, err := regexp.Compile(src)
		if err != nil {
			return fmt.Errorf("ignore pattern %q: %w", src, err)
		}
		compiled = append(compiled, re)
	}

	f.mu.Lock()
	f.patterns = compiled
	f.mu.Unlock()
	return nil
}

// SetTypes replaces the type-name rule set. Names match the
// fully-qualified rendering produced by models.TypeName, applied to the
// error itself and every error it wraps.
func (f *Filter) SetTypes(names []string) {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}

	f.mu.Lock()
	f.types = set
	f.mu.Unlock()
}

// Match reports whether err should be ignored. rec is the record built
// for err; regex rules see its full rendering, type rules walk the
// wrap tree of the original error.
func (f *Filter) Match(err error, rec *models.ErrorRecord) bool {
	f.mu.RLock()
	patterns := f.patterns
	types := f.types
	f.mu.RUnlock()

	if len(patterns) == 0 && len(types) == 0 {
		return false
	}

	if len(patterns) > 0 {
		full := rec.FullString()
		for _, re := range patterns {
			if re.MatchString(full) {
				return true
			}
		}
	}

	return matchType(err, types)
}

// Empty reports whether the filter has no rules at all, letting hot
// paths skip record rendering.
func (f *Filter) Empty() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.patterns) == 0 && len(f.types) == 0
}

// matchType walks the wrap tree the way errors.As does, covering both
// single-error Unwrap and the multi-error form produced by errors.Join
// and fmt.Errorf with several %w verbs.
func matchType(err error, types map[string]struct{}) bool {
	if err == nil {
		return false
	}
	if _, ok := types[models.TypeName(err)]; ok {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return matchType(u.Unwrap(), types)
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if matchType(e, types) {
				return true
			}
		}
	}
	return false
}
