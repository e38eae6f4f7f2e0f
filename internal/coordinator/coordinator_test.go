// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/faultstore/internal/ignore"
	"github.com/tomtom215/faultstore/internal/models"
	"github.com/tomtom215/faultstore/internal/store"
)

// fakeStore is a controllable backend: writes fail while failing is
// set, records append without rollup.
type fakeStore struct {
	mu      sync.Mutex
	failing bool
	records []*models.ErrorRecord
	writes  int
}

var errBackendDown = store.NewStoreFailure("FakeStore", "write", errors.New("backend down"))

func (f *fakeStore) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *fakeStore) Write(_ context.Context, rec *models.ErrorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.failing {
		return errBackendDown
	}
	f.records = append(f.records, rec.Copy())
	return nil
}

func (f *fakeStore) Get(_ context.Context, id uuid.UUID) (*models.ErrorRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errBackendDown
	}
	for _, r := range f.records {
		if r.ID == id {
			return r.Copy(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) Protect(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return false, errBackendDown
	}
	for _, r := range f.records {
		if r.ID == id {
			r.IsProtected = true
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) Delete(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return false, errBackendDown
	}
	for i, r := range f.records {
		if r.ID == id {
			f.records = append(f.records[:i], f.records[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) DeleteAll(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return false, errBackendDown
	}
	f.records = nil
	return true, nil
}

func (f *fakeStore) List(_ context.Context, _ string) ([]*models.ErrorRecord, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, 0, errBackendDown
	}
	out := make([]*models.ErrorRecord, len(f.records))
	for i, r := range f.records {
		out[len(f.records)-1-i] = r.Copy()
	}
	return out, len(out), nil
}

func (f *fakeStore) Count(_ context.Context, _ time.Time, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return 0, errBackendDown
	}
	return len(f.records), nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) stored() []*models.ErrorRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.ErrorRecord, len(f.records))
	copy(out, f.records)
	return out
}

func newTestCoordinator(t *testing.T, s store.ErrorStore, opts Options) *Coordinator {
	t.Helper()
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	if opts.Settings.BackupQueueSize == 0 {
		opts.Settings.BackupQueueSize = 100
	}
	if opts.Settings.ApplicationName == "" {
		opts.Settings.ApplicationName = "test-app"
	}
	c := New(s, opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestLogNormalPath(t *testing.T) {
	fs := &fakeStore{}
	c := newTestCoordinator(t, fs, Options{})

	rec := c.Log(errors.New("first failure"), models.RecordOptions{})
	if rec == nil {
		t.Fatal("Expected a record from Log")
	}
	if rec.ApplicationName != "test-app" {
		t.Errorf("Expected configured application name, got %q", rec.ApplicationName)
	}
	if c.InFailureMode() {
		t.Error("Expected Normal mode after a successful write")
	}
	if got := fs.stored(); len(got) != 1 {
		t.Errorf("Expected 1 stored record, got %d", len(got))
	}
}

func TestLogDisabled(t *testing.T) {
	fs := &fakeStore{}
	c := newTestCoordinator(t, fs, Options{Disabled: true})

	if rec := c.Log(errors.New("ignored"), models.RecordOptions{}); rec != nil {
		t.Errorf("Expected nil from disabled coordinator, got %v", rec)
	}
	if len(fs.stored()) != 0 {
		t.Error("Expected no writes from disabled coordinator")
	}
}

func TestLogNilError(t *testing.T) {
	c := newTestCoordinator(t, &fakeStore{}, Options{})
	if rec := c.Log(nil, models.RecordOptions{}); rec != nil {
		t.Errorf("Expected nil for nil error, got %v", rec)
	}
}

func TestRollupIdempotence(t *testing.T) {
	ms := store.NewMemoryStore(store.Settings{Size: 50, RollupWindow: time.Minute})
	c := newTestCoordinator(t, ms, Options{})

	err := errors.New("repeated failure")
	var first *models.ErrorRecord
	for i := 0; i < 5; i++ {
		rec := c.Log(err, models.RecordOptions{})
		if rec == nil {
			t.Fatal("Expected a record from Log")
		}
		if first == nil {
			first = rec
			continue
		}
		if rec.ID != first.ID {
			t.Errorf("Expected rolled-up record to adopt ID %s, got %s", first.ID, rec.ID)
		}
		if !rec.IsDuplicate {
			t.Error("Expected IsDuplicate on a rolled-up record")
		}
	}

	recs, total, err2 := ms.List(context.Background(), "")
	if err2 != nil {
		t.Fatalf("List: %v", err2)
	}
	if total != 1 {
		t.Fatalf("Expected exactly one persisted record, got %d", total)
	}
	if recs[0].DuplicateCount != 5 {
		t.Errorf("Expected DuplicateCount=5, got %d", recs[0].DuplicateCount)
	}
}

func TestFailureModeTransition(t *testing.T) {
	fs := &fakeStore{}
	fs.setFailing(true)
	c := newTestCoordinator(t, fs, Options{})

	rec := c.Log(errors.New("write during outage"), models.RecordOptions{})
	if rec == nil {
		t.Fatal("Expected a record even during an outage")
	}
	if !c.InFailureMode() {
		t.Fatal("Expected Failing mode after a store failure")
	}
	if c.LastRetryError() == nil {
		t.Error("Expected lastRetryError to be captured")
	}
	if c.QueueLength() != 1 {
		t.Errorf("Expected 1 queued record, got %d", c.QueueLength())
	}

	// Subsequent logs skip the store entirely.
	before := fs.writes
	_ = c.Log(errors.New("another failure"), models.RecordOptions{})
	if fs.writes != before {
		t.Error("Expected Failing-mode log to skip the store attempt")
	}

	fs.setFailing(false)
	waitFor(t, "recovery to Normal", func() bool {
		return !c.InFailureMode() && c.QueueLength() == 0
	})

	// Both buffered records made it to the backend (health probes are
	// deleted after themselves).
	waitFor(t, "drained records in backend", func() bool {
		return len(fs.stored()) == 2
	})

	// lastRetryError is diagnostic and survives recovery.
	if c.LastRetryError() == nil {
		t.Error("Expected lastRetryError to survive recovery")
	}
}

func TestQueueBound(t *testing.T) {
	fs := &fakeStore{}
	fs.setFailing(true)
	c := newTestCoordinator(t, fs, Options{
		Settings: store.Settings{BackupQueueSize: 10},
	})

	for i := 0; i < 25; i++ {
		_ = c.Log(fmt.Errorf("distinct failure %d", i), models.RecordOptions{})
	}
	if got := c.QueueLength(); got > 10 {
		t.Errorf("Expected queue bounded at 10, got %d", got)
	}
}

func TestDedupDuringOutage(t *testing.T) {
	fs := &fakeStore{}
	fs.setFailing(true)
	c := newTestCoordinator(t, fs, Options{})

	err := errors.New("same failure during outage")
	first := c.Log(err, models.RecordOptions{})
	second := c.Log(err, models.RecordOptions{})

	if first == nil || second == nil {
		t.Fatal("Expected records from both Log calls")
	}
	if second.ID != first.ID {
		t.Errorf("Expected queued dedup to adopt ID %s, got %s", first.ID, second.ID)
	}
	if !second.IsDuplicate {
		t.Error("Expected IsDuplicate on the merged record")
	}
	if c.QueueLength() != 1 {
		t.Errorf("Expected a single queue entry, got %d", c.QueueLength())
	}

	got, err2 := c.Get(context.Background(), first.ID)
	if err2 != nil {
		t.Fatalf("Get from queue: %v", err2)
	}
	if got.DuplicateCount != 2 {
		t.Errorf("Expected DuplicateCount=2 on queued entry, got %d", got.DuplicateCount)
	}
}

func TestConcurrentDedupDuringOutage(t *testing.T) {
	fs := &fakeStore{}
	fs.setFailing(true)
	c := newTestCoordinator(t, fs, Options{})

	// Each Log call runs on its own goroutine, as it does under the
	// HTTP server.
	err := errors.New("same failure from two goroutines")
	recs := make(chan *models.ErrorRecord, 2)
	emit := func() { recs <- c.Log(err, models.RecordOptions{}) }
	go emit()
	go emit()

	a, b := <-recs, <-recs
	if a == nil || b == nil {
		t.Fatal("Expected records from both Log calls")
	}
	if a.ID != b.ID {
		t.Errorf("Expected both records to share one identity, got %s and %s", a.ID, b.ID)
	}
	if c.QueueLength() != 1 {
		t.Fatalf("Expected a single merged queue entry, got %d", c.QueueLength())
	}

	got, err2 := c.Get(context.Background(), a.ID)
	if err2 != nil {
		t.Fatalf("Get from queue: %v", err2)
	}
	if got.DuplicateCount != 2 {
		t.Errorf("Expected DuplicateCount=2 on merged entry, got %d", got.DuplicateCount)
	}
}

func TestFailingModeReads(t *testing.T) {
	fs := &fakeStore{}
	fs.setFailing(true)
	c := newTestCoordinator(t, fs, Options{})

	rec := c.Log(errors.New("buffered"), models.RecordOptions{})
	ctx := context.Background()

	t.Run("get served from queue", func(t *testing.T) {
		got, err := c.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Message != "buffered" {
			t.Errorf("Expected queued record, got %q", got.Message)
		}
	})

	t.Run("get unknown is not found", func(t *testing.T) {
		_, err := c.Get(ctx, uuid.New())
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("get all served from queue", func(t *testing.T) {
		recs, n, err := c.GetAll(ctx, "")
		if err != nil {
			t.Fatalf("GetAll: %v", err)
		}
		if n != 1 || recs[0].ID != rec.ID {
			t.Errorf("Expected the queued record, got n=%d", n)
		}
	})

	t.Run("count served from queue", func(t *testing.T) {
		n, err := c.GetCount(ctx, time.Time{}, "")
		if err != nil {
			t.Fatalf("GetCount: %v", err)
		}
		if n != 1 {
			t.Errorf("Expected count 1, got %d", n)
		}
	})

	t.Run("protect and delete are failing no-ops", func(t *testing.T) {
		if ok, err := c.Protect(ctx, rec.ID); ok || err != nil {
			t.Errorf("Expected Protect no-op, got ok=%v err=%v", ok, err)
		}
		if ok, err := c.Delete(ctx, rec.ID); ok || err != nil {
			t.Errorf("Expected Delete no-op, got ok=%v err=%v", ok, err)
		}
		if ok, err := c.ProtectMany(ctx, []uuid.UUID{rec.ID}); ok || err != nil {
			t.Errorf("Expected ProtectMany no-op, got ok=%v err=%v", ok, err)
		}
		if ok, err := c.DeleteMany(ctx, []uuid.UUID{rec.ID}); ok || err != nil {
			t.Errorf("Expected DeleteMany no-op, got ok=%v err=%v", ok, err)
		}
	})
}

func TestDeleteAllDuringOutage(t *testing.T) {
	fs := &fakeStore{}
	fs.setFailing(true)
	c := newTestCoordinator(t, fs, Options{})

	for i := 0; i < 3; i++ {
		_ = c.Log(fmt.Errorf("buffered %d", i), models.RecordOptions{})
	}
	if c.QueueLength() != 3 {
		t.Fatalf("Expected 3 queued records, got %d", c.QueueLength())
	}

	before := fs.writes
	ok, err := c.DeleteAll(context.Background(), "")
	if err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if !ok {
		t.Error("Expected DeleteAll during outage to report success")
	}
	if c.QueueLength() != 0 {
		t.Errorf("Expected queue cleared, got %d entries", c.QueueLength())
	}
	if fs.writes != before {
		t.Error("Expected DeleteAll during outage not to touch the backend")
	}
}

func TestIgnoreFilterIntegration(t *testing.T) {
	filter, err := ignore.New([]string{`transient glitch`}, nil)
	if err != nil {
		t.Fatalf("ignore.New: %v", err)
	}
	fs := &fakeStore{}
	c := newTestCoordinator(t, fs, Options{Filter: filter})

	if rec := c.Log(errors.New("a transient glitch happened"), models.RecordOptions{}); rec != nil {
		t.Error("Expected filtered error to return nil")
	}
	if len(fs.stored()) != 0 {
		t.Error("Expected filtered error never to reach the store")
	}

	if rec := c.Log(errors.New("a real failure"), models.RecordOptions{}); rec == nil {
		t.Error("Expected unfiltered error to be logged")
	}
}

func TestHooks(t *testing.T) {
	t.Run("before-log abort suppresses logging", func(t *testing.T) {
		fs := &fakeStore{}
		c := newTestCoordinator(t, fs, Options{Hooks: Hooks{
			OnBeforeLog: func(*models.ErrorRecord) (bool, error) { return true, nil },
		}})
		if rec := c.Log(errors.New("aborted"), models.RecordOptions{}); rec != nil {
			t.Error("Expected nil when OnBeforeLog aborts")
		}
		if len(fs.stored()) != 0 {
			t.Error("Expected no write after abort")
		}
	})

	t.Run("hook failures land under the sentinel key", func(t *testing.T) {
		fs := &fakeStore{}
		c := newTestCoordinator(t, fs, Options{Hooks: Hooks{
			CustomDataFetch: func() (map[string]string, error) {
				return nil, errors.New("fetch broke")
			},
		}})
		rec := c.Log(errors.New("primary failure"), models.RecordOptions{})
		if rec == nil {
			t.Fatal("Expected hook failure not to abort logging")
		}
		if rec.CustomData[models.CustomDataErrKey] != "fetch broke" {
			t.Errorf("Expected sentinel key with hook error, got %v", rec.CustomData)
		}
	})

	t.Run("custom data and client IP merge into the record", func(t *testing.T) {
		fs := &fakeStore{}
		c := newTestCoordinator(t, fs, Options{Hooks: Hooks{
			CustomDataFetch: func() (map[string]string, error) {
				return map[string]string{"request_id": "r-1"}, nil
			},
			ClientIPFetch: func() (string, error) { return "203.0.113.9", nil },
		}})
		rec := c.Log(errors.New("primary failure"), models.RecordOptions{})
		if rec == nil {
			t.Fatal("Expected a record")
		}
		if rec.CustomData["request_id"] != "r-1" {
			t.Errorf("Expected hook custom data, got %v", rec.CustomData)
		}
		if rec.CustomData["ClientIP"] != "203.0.113.9" {
			t.Errorf("Expected client IP, got %v", rec.CustomData)
		}
	})

	t.Run("after-log hook runs and its failure is recorded", func(t *testing.T) {
		fs := &fakeStore{}
		ran := false
		c := newTestCoordinator(t, fs, Options{Hooks: Hooks{
			OnAfterLog: func(*models.ErrorRecord) error {
				ran = true
				return errors.New("notify broke")
			},
		}})
		rec := c.Log(errors.New("primary failure"), models.RecordOptions{})
		if !ran {
			t.Error("Expected OnAfterLog to run")
		}
		if rec.CustomData[models.CustomDataErrKey] != "notify broke" {
			t.Errorf("Expected sentinel key with hook error, got %v", rec.CustomData)
		}
	})
}

func TestTest(t *testing.T) {
	fs := &fakeStore{}
	c := newTestCoordinator(t, fs, Options{})

	if !c.Test(context.Background()) {
		t.Error("Expected healthy backend to pass Test")
	}
	fs.setFailing(true)
	if c.Test(context.Background()) {
		t.Error("Expected failing backend to fail Test")
	}
}

func TestConcurrentLogDuringOutage(t *testing.T) {
	fs := &fakeStore{}
	fs.setFailing(true)
	c := newTestCoordinator(t, fs, Options{
		Settings: store.Settings{BackupQueueSize: 1000},
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_ = c.Log(fmt.Errorf("goroutine %d failure %d", g, i), models.RecordOptions{})
			}
		}(g)
	}
	wg.Wait()

	if got := c.QueueLength(); got != 160 {
		t.Errorf("Expected 160 distinct queued records, got %d", got)
	}

	fs.setFailing(false)
	waitFor(t, "full drain", func() bool {
		return !c.InFailureMode() && c.QueueLength() == 0
	})
	if got := len(fs.stored()); got != 160 {
		t.Errorf("Expected 160 records drained to backend, got %d", got)
	}
}
