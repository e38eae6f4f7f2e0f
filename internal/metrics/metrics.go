// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

// Package metrics provides Prometheus instrumentation for the write
// path: log/ignore/rollup counters, store operation durations and
// failures, failure-mode state, backup queue depth and drain outcomes,
// and API request metrics. Metrics are exposed at /metrics in
// Prometheus text format. All recording functions are safe for
// concurrent use.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Write path metrics
	ErrorsLogged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultstore_errors_logged_total",
			Help: "Total number of errors accepted by the write path",
		},
		[]string{"application"},
	)

	ErrorsIgnored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "faultstore_errors_ignored_total",
			Help: "Total number of errors dropped by ignore rules",
		},
	)

	ErrorRollups = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "faultstore_error_rollups_total",
			Help: "Total number of errors merged into an existing record",
		},
	)

	HookFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultstore_hook_failures_total",
			Help: "Total number of best-effort hook failures recorded in custom data",
		},
		[]string{"hook"}, // "before_log", "after_log", "custom_data", "client_ip"
	)

	// Store metrics
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faultstore_store_op_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	StoreFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultstore_store_failures_total",
			Help: "Total number of store operation failures",
		},
		[]string{"backend", "operation"},
	)

	// Failure mode and backup queue metrics
	FailureMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "faultstore_failure_mode",
			Help: "Whether the coordinator is in failure mode (0=normal, 1=failing)",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "faultstore_backup_queue_depth",
			Help: "Current number of records in the backup queue",
		},
	)

	QueueDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "faultstore_backup_queue_drops_total",
			Help: "Total number of records dropped because the backup queue was full",
		},
	)

	QueueDrains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultstore_backup_queue_drains_total",
			Help: "Total number of flush-loop drain passes by outcome",
		},
		[]string{"outcome"}, // "complete", "aborted", "unhealthy"
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultstore_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faultstore_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "endpoint"},
	)
)

// ObserveStoreOp records the duration of a store operation and counts a
// failure when err is non-nil.
func ObserveStoreOp(backend, operation string, start time.Time, err error) {
	StoreOpDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		StoreFailures.WithLabelValues(backend, operation).Inc()
	}
}

// SetFailureMode publishes the coordinator mode.
func SetFailureMode(failing bool) {
	if failing {
		FailureMode.Set(1)
	} else {
		FailureMode.Set(0)
	}
}
