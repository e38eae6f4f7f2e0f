// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

package api

import (
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/tomtom215/faultstore/internal/logging"
	"github.com/tomtom215/faultstore/internal/metrics"
)

// metricsMiddleware records request counts and latency per route.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		metrics.APIRequestsTotal.WithLabelValues(
			r.Method, endpoint, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(
			r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
