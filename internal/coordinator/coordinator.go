// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

// Package coordinator implements the resilient write path: the
// Normal/Failing state machine, the bounded backup queue that absorbs
// writes during a backend outage, and the background flush loop that
// drains the queue once the backend recovers.
package coordinator

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/faultstore/internal/ignore"
	"github.com/tomtom215/faultstore/internal/logging"
	"github.com/tomtom215/faultstore/internal/metrics"
	"github.com/tomtom215/faultstore/internal/models"
	"github.com/tomtom215/faultstore/internal/store"
)

// DefaultRetryDelay is the pause between flush-loop health checks.
const DefaultRetryDelay = 2 * time.Second

// Hooks are caller-supplied extension points invoked around Log. All
// are best-effort: a hook failure is recorded in the record's custom
// data under models.CustomDataErrKey and never aborts the log
// operation. The one exception is OnBeforeLog's explicit abort signal,
// which suppresses logging entirely.
type Hooks struct {
	// OnBeforeLog runs before the record is persisted; returning
	// abort=true suppresses logging and Log returns nil.
	OnBeforeLog func(rec *models.ErrorRecord) (abort bool, err error)

	// OnAfterLog runs after the record was persisted or queued.
	OnAfterLog func(rec *models.ErrorRecord) error

	// CustomDataFetch supplies extra key/value pairs for every record.
	CustomDataFetch func() (map[string]string, error)

	// ClientIPFetch supplies the reporting client address, stored under
	// the "ClientIP" custom data key.
	ClientIPFetch func() (string, error)
}

// Options configures a Coordinator.
type Options struct {
	// Settings carries application name, rollup window and queue bound.
	Settings store.Settings

	// Filter drops matching errors before they are recorded. Nil
	// disables filtering.
	Filter *ignore.Filter

	Hooks Hooks

	// Disabled short-circuits Log to a nil return without side effects.
	Disabled bool

	// RetryDelay overrides the flush-loop pause, mainly for tests.
	RetryDelay time.Duration

	// BackendName labels store metrics; defaults to the settings type.
	BackendName string
}

// Coordinator owns the failure-mode state machine and backup queue.
// Construct with New, stop with Close. Safe for concurrent use.
type Coordinator struct {
	store      store.ErrorStore
	settings   store.Settings
	filter     *ignore.Filter
	hooks      Hooks
	disabled   bool
	retryDelay time.Duration
	backend    string

	queue *backupQueue

	// mu guards the mode flag, the loop-running flag and lastRetryError.
	// Queue operations deliberately run outside it.
	mu          sync.Mutex
	failing     bool
	loopRunning bool
	lastErr     error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Coordinator over an already-resolved store.
func New(s store.ErrorStore, opts Options) *Coordinator {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.BackendName == "" {
		opts.BackendName = opts.Settings.Type
	}
	queueSize := opts.Settings.BackupQueueSize
	if queueSize <= 0 {
		queueSize = store.DefaultBackupQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:      s,
		settings:   opts.Settings,
		filter:     opts.Filter,
		hooks:      opts.Hooks,
		disabled:   opts.Disabled,
		retryDelay: opts.RetryDelay,
		backend:    opts.BackendName,
		queue:      newBackupQueue(queueSize),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Close stops the flush loop, if running, and waits for it to exit.
// Queued-but-unflushed records are abandoned; the backup queue is
// best-effort by contract.
func (c *Coordinator) Close() error {
	c.cancel()
	c.wg.Wait()
	return c.store.Close()
}

// Log records err. It never fails for operational reasons: the return
// is nil when logging is disabled, the error was filtered, OnBeforeLog
// aborted, or an internal failure was swallowed while assembling the
// record. A backend outage is absorbed into the backup queue.
func (c *Coordinator) Log(err error, opts models.RecordOptions) (rec *models.ErrorRecord) {
	if c.disabled || err == nil {
		return nil
	}
	defer func() {
		// Log must never panic into the caller's error path.
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Msg("swallowed panic while logging error")
			rec = nil
		}
	}()

	if opts.ApplicationName == "" {
		opts.ApplicationName = c.settings.ApplicationName
	}
	if opts.MachineName == "" {
		opts.MachineName = localHostname()
	}
	rec = models.NewErrorRecord(err, opts)
	c.runCustomDataHooks(rec)

	if c.filter != nil && !c.filter.Empty() && c.filter.Match(err, rec) {
		metrics.ErrorsIgnored.Inc()
		return nil
	}

	if c.hooks.OnBeforeLog != nil {
		abort, hookErr := c.hooks.OnBeforeLog(rec)
		if hookErr != nil {
			rec.AddCustomData(models.CustomDataErrKey, hookErr.Error())
			metrics.HookFailures.WithLabelValues("before_log").Inc()
		}
		if abort {
			return nil
		}
	}

	originalID := rec.ID
	c.write(rec)
	if rec.ID != originalID {
		rec.IsDuplicate = true
		metrics.ErrorRollups.Inc()
	}
	metrics.ErrorsLogged.WithLabelValues(rec.ApplicationName).Inc()

	if c.hooks.OnAfterLog != nil {
		if hookErr := c.hooks.OnAfterLog(rec); hookErr != nil {
			rec.AddCustomData(models.CustomDataErrKey, hookErr.Error())
			metrics.HookFailures.WithLabelValues("after_log").Inc()
		}
	}
	return rec
}

// runCustomDataHooks merges hook-supplied data into the record. Hook
// failures land under the sentinel key instead of propagating.
func (c *Coordinator) runCustomDataHooks(rec *models.ErrorRecord) {
	if c.hooks.CustomDataFetch != nil {
		data, err := c.hooks.CustomDataFetch()
		if err != nil {
			rec.AddCustomData(models.CustomDataErrKey, err.Error())
			metrics.HookFailures.WithLabelValues("custom_data").Inc()
		}
		for k, v := range data {
			rec.AddCustomData(k, v)
		}
	}
	if c.hooks.ClientIPFetch != nil {
		ip, err := c.hooks.ClientIPFetch()
		if err != nil {
			rec.AddCustomData(models.CustomDataErrKey, err.Error())
			metrics.HookFailures.WithLabelValues("client_ip").Inc()
		} else if ip != "" {
			rec.AddCustomData("ClientIP", ip)
		}
	}
}

// write sends the record to the backend, or straight to the backup
// queue while Failing. A backend failure enqueues the record,
// transitions to Failing and arms the flush loop.
func (c *Coordinator) write(rec *models.ErrorRecord) {
	if c.InFailureMode() {
		c.queue.enqueue(rec)
		return
	}

	start := time.Now()
	err := c.store.Write(c.ctx, rec)
	metrics.ObserveStoreOp(c.backend, "write", start, err)
	if err == nil {
		return
	}

	logging.Warn().Err(err).Msg("store write failed, buffering to backup queue")
	c.queue.enqueue(rec)
	c.enterFailureMode(err)
}

// enterFailureMode flips the mode flag and starts the flush loop if one
// is not already running for this failure episode.
func (c *Coordinator) enterFailureMode(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastErr = err
	if !c.failing {
		c.failing = true
		metrics.SetFailureMode(true)
		logging.Warn().Err(err).Msg("entering failure mode")
	}
	if !c.loopRunning {
		c.loopRunning = true
		c.wg.Add(1)
		go c.flushLoop()
	}
}

// flushLoop retries the backend until the backup queue drains. Exactly
// one loop runs per failure episode. It honors coordinator shutdown.
func (c *Coordinator) flushLoop() {
	defer c.wg.Done()
	timer := time.NewTimer(c.retryDelay)
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.mu.Lock()
			c.loopRunning = false
			c.mu.Unlock()
			return
		case <-timer.C:
		}
		timer.Reset(c.retryDelay)

		if !store.HealthCheck(c.ctx, c.store) {
			metrics.QueueDrains.WithLabelValues("unhealthy").Inc()
			continue
		}

		if !c.drainPass() {
			metrics.QueueDrains.WithLabelValues("aborted").Inc()
			continue
		}
		metrics.QueueDrains.WithLabelValues("complete").Inc()

		c.mu.Lock()
		c.failing = false
		metrics.SetFailureMode(false)
		// A record may have raced into the queue between the emptiness
		// check and the flag flip; keep the loop alive for it.
		if c.queue.len() > 0 {
			c.mu.Unlock()
			continue
		}
		c.loopRunning = false
		c.mu.Unlock()
		logging.Info().Msg("backup queue drained, store recovered")
		return
	}
}

// drainPass writes queued records to the backend in FIFO order. A
// failed write re-enqueues the record through dedup and abandons the
// pass. Returns true when the queue was fully drained.
func (c *Coordinator) drainPass() bool {
	for {
		rec, ok := c.queue.dequeue()
		if !ok {
			return true
		}
		start := time.Now()
		err := c.store.Write(c.ctx, rec)
		metrics.ObserveStoreOp(c.backend, "write", start, err)
		if err != nil {
			c.mu.Lock()
			c.lastErr = err
			c.mu.Unlock()
			c.queue.enqueue(rec)
			return false
		}
	}
}

// Protect marks a record as exempt from bulk deletion. A no-op
// returning false while Failing: queue entries carry no durable
// protection state.
func (c *Coordinator) Protect(ctx context.Context, id uuid.UUID) (bool, error) {
	if c.InFailureMode() {
		return false, nil
	}
	start := time.Now()
	ok, err := c.store.Protect(ctx, id)
	metrics.ObserveStoreOp(c.backend, "protect", start, err)
	return ok, err
}

// ProtectMany protects a batch of records; false while Failing.
func (c *Coordinator) ProtectMany(ctx context.Context, ids []uuid.UUID) (bool, error) {
	if c.InFailureMode() {
		return false, nil
	}
	start := time.Now()
	ok, err := store.ProtectMany(ctx, c.store, ids)
	metrics.ObserveStoreOp(c.backend, "protect_many", start, err)
	return ok, err
}

// Delete removes a record; false while Failing.
func (c *Coordinator) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	if c.InFailureMode() {
		return false, nil
	}
	start := time.Now()
	ok, err := c.store.Delete(ctx, id)
	metrics.ObserveStoreOp(c.backend, "delete", start, err)
	return ok, err
}

// DeleteMany deletes a batch of records; false while Failing.
func (c *Coordinator) DeleteMany(ctx context.Context, ids []uuid.UUID) (bool, error) {
	if c.InFailureMode() {
		return false, nil
	}
	start := time.Now()
	ok, err := store.DeleteMany(ctx, c.store, ids)
	metrics.ObserveStoreOp(c.backend, "delete_many", start, err)
	return ok, err
}

// DeleteAll removes all non-protected records in the application scope.
// While Failing it discards the backup queue and reports success
// without touching the backend: clearing the buffer wipes all
// currently-unpersisted errors.
func (c *Coordinator) DeleteAll(ctx context.Context, applicationName string) (bool, error) {
	if c.InFailureMode() {
		n := c.queue.clear()
		logging.Info().Int("discarded", n).Msg("backup queue cleared by delete-all during outage")
		return true, nil
	}
	start := time.Now()
	ok, err := c.store.DeleteAll(ctx, applicationName)
	metrics.ObserveStoreOp(c.backend, "delete_all", start, err)
	return ok, err
}

// Get fetches a record, served from the backup queue while Failing.
func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*models.ErrorRecord, error) {
	if c.InFailureMode() {
		if rec, ok := c.queue.get(id); ok {
			return rec, nil
		}
		return nil, store.ErrNotFound
	}
	start := time.Now()
	rec, err := c.store.Get(ctx, id)
	metrics.ObserveStoreOp(c.backend, "get", start, err)
	return rec, err
}

// GetAll lists records newest first, served from the backup queue while
// Failing.
func (c *Coordinator) GetAll(ctx context.Context, applicationName string) ([]*models.ErrorRecord, int, error) {
	if c.InFailureMode() {
		recs := c.queue.snapshot(applicationName)
		return recs, len(recs), nil
	}
	start := time.Now()
	recs, n, err := c.store.List(ctx, applicationName)
	metrics.ObserveStoreOp(c.backend, "list", start, err)
	return recs, n, err
}

// GetCount counts records created at or after since, served from the
// backup queue while Failing.
func (c *Coordinator) GetCount(ctx context.Context, since time.Time, applicationName string) (int, error) {
	if c.InFailureMode() {
		return c.queue.count(since, applicationName), nil
	}
	start := time.Now()
	n, err := c.store.Count(ctx, since, applicationName)
	metrics.ObserveStoreOp(c.backend, "count", start, err)
	return n, err
}

// Test probes backend availability with a synthetic write+delete.
func (c *Coordinator) Test(ctx context.Context) bool {
	return store.HealthCheck(ctx, c.store)
}

// InFailureMode reports whether writes are currently buffered.
func (c *Coordinator) InFailureMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failing
}

// LastRetryError returns the most recent store failure. Retained across
// recovery for diagnostics, overwritten by each new failure.
func (c *Coordinator) LastRetryError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// QueueLength reports the current backup queue depth.
func (c *Coordinator) QueueLength() int {
	return c.queue.len()
}

// localHostname resolves the machine name once per process.
var localHostname = sync.OnceValue(func() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
})
