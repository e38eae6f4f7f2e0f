// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

package services

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/faultstore/internal/logging"
)

type fakeCoordinator struct {
	mu      sync.Mutex
	failing bool
	queued  int
	lastErr error
}

func (f *fakeCoordinator) InFailureMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failing
}

func (f *fakeCoordinator) QueueLength() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued
}

func (f *fakeCoordinator) LastRetryError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// syncBuffer guards concurrent writes from the monitor goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStoreMonitorServiceInterface(t *testing.T) {
	var _ suture.Service = (*StoreMonitorService)(nil)
}

func TestStoreMonitorService(t *testing.T) {
	var out syncBuffer
	prev := logging.Logger()
	logging.SetLogger(logging.NewTestLogger(&out))
	t.Cleanup(func() { logging.SetLogger(prev) })

	fc := &fakeCoordinator{
		failing: true,
		queued:  7,
		lastErr: errors.New("connection refused"),
	}
	svc := NewStoreMonitorService(fc, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "buffering writes") {
		if time.Now().After(deadline) {
			t.Fatal("monitor never reported the outage")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	logged := out.String()
	if !strings.Contains(logged, `"queue_length":7`) {
		t.Errorf("Expected queue length in report, got %s", logged)
	}
	if !strings.Contains(logged, "connection refused") {
		t.Errorf("Expected last retry error in report, got %s", logged)
	}
}

func TestStoreMonitorServiceQuietWhenHealthy(t *testing.T) {
	var out syncBuffer
	prev := logging.Logger()
	logging.SetLogger(logging.NewTestLogger(&out))
	t.Cleanup(func() { logging.SetLogger(prev) })

	svc := NewStoreMonitorService(&fakeCoordinator{}, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = svc.Serve(ctx)

	if strings.Contains(out.String(), "buffering writes") {
		t.Errorf("Expected no outage report while healthy, got %s", out.String())
	}
}
