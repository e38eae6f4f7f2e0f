// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

// Package models defines the ErrorRecord entity shared by the store
// backends, the retry coordinator, and the HTTP API.
package models

import (
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// CustomDataErrKey is the reserved CustomData key under which failures of
// best-effort hooks (custom-data fetch, client-IP fetch, after-log
// notification) are recorded instead of being raised.
const CustomDataErrKey = "CustomDataFetchError"

// ErrorRecord is the unit stored and queued by Faultstore.
//
// Identity is assigned at creation and is immutable, with one exception:
// when a record is rolled up into an existing record (same ErrorHash
// within the rollup window, or a matching entry already in the backup
// queue), the record adopts the original record's ID and IsDuplicate is
// set.
type ErrorRecord struct {
	// ID is the process-unique identifier assigned at creation.
	ID uuid.UUID `json:"id"`

	// ApplicationName scopes the record to a logical application.
	ApplicationName string `json:"application_name,omitempty"`

	// MachineName is the host the error was logged on.
	MachineName string `json:"machine_name,omitempty"`

	// Type is the fully-qualified Go type of the logged error.
	Type string `json:"type"`

	// Source is the component that reported the error, when known.
	Source string `json:"source,omitempty"`

	// Message is the error message (err.Error()).
	Message string `json:"message"`

	// Detail is the stack trace captured at log time.
	Detail string `json:"detail,omitempty"`

	// CreatedAt is when the record was created.
	CreatedAt time.Time `json:"created_at"`

	// LastLogged is when the most recent occurrence rolled up into this
	// record; equal to CreatedAt until a rollup happens.
	LastLogged time.Time `json:"last_logged"`

	// ErrorHash is a stable fingerprint over type, message and the
	// logging call chain, used for dedup matching. Not globally unique;
	// collisions only affect rollup grouping.
	ErrorHash uint64 `json:"error_hash"`

	// DuplicateCount starts at 1 and is incremented whenever a new
	// occurrence matches this record's hash within the rollup window.
	DuplicateCount int `json:"duplicate_count"`

	// IsDuplicate is set when the identity assigned at creation differs
	// from the identity ultimately persisted, i.e. the record was merged
	// into an existing one.
	IsDuplicate bool `json:"is_duplicate,omitempty"`

	// IsProtected records must not be removed by bulk-delete operations.
	IsProtected bool `json:"is_protected,omitempty"`

	// CustomData carries caller- and hook-supplied key/value pairs.
	// Append-only: existing keys are never overwritten.
	CustomData map[string]string `json:"custom_data,omitempty"`
}

// RecordOptions controls ErrorRecord creation.
type RecordOptions struct {
	// ApplicationName overrides the configured application name.
	ApplicationName string

	// MachineName is the reporting host; defaults to os.Hostname upstream.
	MachineName string

	// Source identifies the reporting component.
	Source string

	// AppendFullStackTrace captures the full multi-goroutine stack
	// instead of the calling goroutine only.
	AppendFullStackTrace bool

	// RollupPerServer includes the machine name in the hash so that
	// identical errors from different hosts do not roll up together.
	RollupPerServer bool

	// CustomData is merged into the record at creation.
	CustomData map[string]string
}

// NewErrorRecord creates a record for err, capturing the current stack
// trace and computing the dedup fingerprint.
func NewErrorRecord(err error, opts RecordOptions) *ErrorRecord {
	now := time.Now().UTC()
	rec := &ErrorRecord{
		ID:              uuid.New(),
		ApplicationName: opts.ApplicationName,
		MachineName:     opts.MachineName,
		Source:          opts.Source,
		Type:            TypeName(err),
		Message:         err.Error(),
		Detail:          captureStack(opts.AppendFullStackTrace),
		CreatedAt:       now,
		LastLogged:      now,
		DuplicateCount:  1,
	}
	for k, v := range opts.CustomData {
		rec.AddCustomData(k, v)
	}
	rec.ErrorHash = rec.computeHash(stackFingerprint(), opts.RollupPerServer)
	return rec
}

// TypeName returns the fully-qualified type name of err, dereferencing
// one level of pointer indirection. Unnamed types fall back to the %T
// rendering.
func TypeName(err error) string {
	if err == nil {
		return ""
	}
	t := reflect.TypeOf(err)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.PkgPath() != "" && t.Name() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return fmt.Sprintf("%T", err)
}

// computeHash fingerprints the record over type, message and the
// normalized call chain. When perServer is set the machine name
// participates so identical errors from distinct hosts stay distinct.
//
// The raw Detail trace is not hash input: debug.Stack output embeds
// the goroutine header, argument pointer values and call-site line
// numbers, none of which are stable across goroutines or repeated log
// statements for the same error.
func (r *ErrorRecord) computeHash(frames string, perServer bool) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(r.Type)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(r.Message)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(frames)
	if perServer {
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(r.MachineName)
	}
	return d.Sum64()
}

// stackFingerprint renders the calling goroutine's frames as a chain
// of function names, one per line, starting at NewErrorRecord's
// caller. Function names only: an HTTP handler logging the same error
// on a fresh goroutine per request still produces the same chain.
func stackFingerprint() string {
	pcs := make([]uintptr, 32)
	// Skip runtime.Callers, stackFingerprint and NewErrorRecord.
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		frame, more := frames.Next()
		b.WriteString(frame.Function)
		b.WriteByte('\n')
		if !more {
			break
		}
	}
	return b.String()
}

// AddCustomData appends a key/value pair. Existing keys are preserved;
// CustomData is append-only by contract.
func (r *ErrorRecord) AddCustomData(key, value string) {
	if r.CustomData == nil {
		r.CustomData = make(map[string]string)
	}
	if _, exists := r.CustomData[key]; exists {
		return
	}
	r.CustomData[key] = value
}

// FullString renders the record the way an ignore regex sees it:
// type, message and stack concatenated.
func (r *ErrorRecord) FullString() string {
	var b strings.Builder
	b.WriteString(r.Type)
	b.WriteString(": ")
	b.WriteString(r.Message)
	if r.Detail != "" {
		b.WriteString("\n")
		b.WriteString(r.Detail)
	}
	return b.String()
}

// Copy returns a deep copy. Stores hand out copies so callers cannot
// mutate retained records.
func (r *ErrorRecord) Copy() *ErrorRecord {
	dup := *r
	if r.CustomData != nil {
		dup.CustomData = make(map[string]string, len(r.CustomData))
		for k, v := range r.CustomData {
			dup.CustomData[k] = v
		}
	}
	return &dup
}

// HashString renders the fingerprint as a stable string key, used by
// KV backends for index keys.
func (r *ErrorRecord) HashString() string {
	return strconv.FormatUint(r.ErrorHash, 16)
}

// captureStack returns the current stack trace. The capturing frames of
// this package are always included; trimming them is not worth the
// fragility of counting frames.
func captureStack(full bool) string {
	if full {
		return string(debug.Stack())
	}
	// debug.Stack captures only the calling goroutine; the "full" flag
	// is about keeping the complete trace rather than the top frames.
	stack := string(debug.Stack())
	const maxFrames = 32
	lines := strings.Split(stack, "\n")
	if len(lines) > maxFrames*2+1 {
		lines = lines[:maxFrames*2+1]
	}
	return strings.Join(lines, "\n")
}
