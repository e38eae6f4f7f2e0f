// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

package services

import (
	"context"
	"time"

	"github.com/tomtom215/faultstore/internal/logging"
)

// WriteCoordinator exposes the failure-mode state the monitor reports
// on. Satisfied by *coordinator.Coordinator.
type WriteCoordinator interface {
	InFailureMode() bool
	QueueLength() int
	LastRetryError() error
}

// StoreMonitorService periodically surfaces the write path's failure
// state in the logs. The coordinator itself only logs transitions; this
// keeps a prolonged outage visible while the retry loop is backing off.
type StoreMonitorService struct {
	coord    WriteCoordinator
	interval time.Duration
	name     string
}

// NewStoreMonitorService creates the monitor. A non-positive interval
// defaults to 30 seconds.
func NewStoreMonitorService(coord WriteCoordinator, interval time.Duration) *StoreMonitorService {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &StoreMonitorService{
		coord:    coord,
		interval: interval,
		name:     "store-monitor",
	}
}

// Serve implements suture.Service.
func (s *StoreMonitorService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.coord.InFailureMode() {
				continue
			}
			ev := logging.Warn().
				Int("queue_length", s.coord.QueueLength())
			if err := s.coord.LastRetryError(); err != nil {
				ev = ev.Str("last_retry_error", err.Error())
			}
			ev.Msg("error store still unavailable, buffering writes")
		}
	}
}

// String identifies the service in suture's event log.
func (s *StoreMonitorService) String() string {
	return s.name
}
