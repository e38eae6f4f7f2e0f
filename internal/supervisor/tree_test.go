// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/faultstore/internal/logging"
)

type countingService struct {
	name   string
	serves atomic.Int32
}

func (c *countingService) Serve(ctx context.Context) error {
	c.serves.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (c *countingService) String() string { return c.name }

func TestDefaultTreeConfig(t *testing.T) {
	cfg := DefaultTreeConfig()
	if cfg.FailureThreshold != 5.0 {
		t.Errorf("Expected threshold 5.0, got %v", cfg.FailureThreshold)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("Expected 10s shutdown timeout, got %v", cfg.ShutdownTimeout)
	}
}

func TestNewTreeAppliesDefaults(t *testing.T) {
	tree := NewTree(logging.NewSlogLogger(), TreeConfig{})
	if tree.config.FailureBackoff != 15*time.Second {
		t.Errorf("Expected default backoff, got %v", tree.config.FailureBackoff)
	}
	if tree.Root() == nil {
		t.Fatal("Expected a root supervisor")
	}
}

func TestTreeRunsServicesOnBothLayers(t *testing.T) {
	tree := NewTree(logging.NewSlogLogger(), TreeConfig{
		FailureBackoff:  10 * time.Millisecond,
		ShutdownTimeout: time.Second,
	})

	data := &countingService{name: "data-svc"}
	api := &countingService{name: "api-svc"}
	tree.AddDataService(data)
	tree.AddAPIService(api)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for data.serves.Load() == 0 || api.serves.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("services never started: data=%d api=%d",
				data.serves.Load(), api.serves.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop after cancellation")
	}
}
