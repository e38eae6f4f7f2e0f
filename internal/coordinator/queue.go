// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

package coordinator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/faultstore/internal/metrics"
	"github.com/tomtom215/faultstore/internal/models"
)

// enqueueOutcome classifies what happened to a record on enqueue.
type enqueueOutcome int

const (
	enqueueAppended enqueueOutcome = iota
	enqueueMerged
	enqueueDropped
)

// backupQueue is the bounded in-memory buffer that absorbs writes while
// the backend is down. Multi-producer enqueue and single-consumer
// dequeue, with Clear safe against concurrent enqueue. FIFO for
// draining; a merge never reorders the surviving entries.
type backupQueue struct {
	mu       sync.Mutex
	capacity int
	items    []*models.ErrorRecord
}

func newBackupQueue(capacity int) *backupQueue {
	return &backupQueue{capacity: capacity}
}

// enqueue inserts rec, merging into an existing same-hash entry first.
// On a merge the incoming record adopts the queued entry's identity and
// is discarded; the queued entry's duplicate count is incremented. When
// the queue is at capacity and no merge target exists, rec is dropped.
// Queued entries are eligible merge targets regardless of age; the
// rollup window applies only to backend writes.
func (q *backupQueue) enqueue(rec *models.ErrorRecord) enqueueOutcome {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if item.ErrorHash == rec.ErrorHash {
			item.DuplicateCount++
			item.LastLogged = rec.CreatedAt
			rec.ID = item.ID
			rec.IsDuplicate = true
			return enqueueMerged
		}
	}

	if len(q.items) >= q.capacity {
		metrics.QueueDrops.Inc()
		return enqueueDropped
	}
	q.items = append(q.items, rec)
	metrics.QueueDepth.Set(float64(len(q.items)))
	return enqueueAppended
}

// dequeue pops the oldest entry.
func (q *backupQueue) dequeue() (*models.ErrorRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	rec := q.items[0]
	q.items = q.items[1:]
	metrics.QueueDepth.Set(float64(len(q.items)))
	return rec, true
}

func (q *backupQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// clear discards every queued entry, returning how many were dropped.
func (q *backupQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = nil
	metrics.QueueDepth.Set(0)
	return n
}

// get finds a queued entry by ID.
func (q *backupQueue) get(id uuid.UUID) (*models.ErrorRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if item.ID == id {
			return item.Copy(), true
		}
	}
	return nil, false
}

// snapshot returns copies of the queued entries, newest first, scoped
// to an application name ("" = all).
func (q *backupQueue) snapshot(applicationName string) []*models.ErrorRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*models.ErrorRecord, 0, len(q.items))
	for i := len(q.items) - 1; i >= 0; i-- {
		item := q.items[i]
		if applicationName != "" && item.ApplicationName != applicationName {
			continue
		}
		out = append(out, item.Copy())
	}
	return out
}

// count counts queued entries created at or after since.
func (q *backupQueue) count(since time.Time, applicationName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, item := range q.items {
		if applicationName != "" && item.ApplicationName != applicationName {
			continue
		}
		if !since.IsZero() && item.CreatedAt.Before(since) {
			continue
		}
		n++
	}
	return n
}
