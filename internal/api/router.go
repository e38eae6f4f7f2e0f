// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

// Package api exposes the coordinator's public surface over HTTP using
// the Chi router.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/faultstore/internal/coordinator"
)

// RouterConfig tunes the middleware stack.
type RouterConfig struct {
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSOrigins       []string
}

// DefaultRouterConfig returns the middleware defaults used when a field
// is unset.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
		CORSOrigins:       []string{"*"},
	}
}

// NewRouter builds the HTTP surface over the coordinator.
func NewRouter(c *coordinator.Coordinator, cfg RouterConfig) http.Handler {
	def := DefaultRouterConfig()
	if cfg.RateLimitRequests <= 0 {
		cfg.RateLimitRequests = def.RateLimitRequests
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = def.RateLimitWindow
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = def.CORSOrigins
	}

	h := &handler{coord: c}
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(metricsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/errors", func(r chi.Router) {
			r.Post("/", h.logError)
			r.Get("/", h.listErrors)
			r.Delete("/", h.deleteAll)
			r.Get("/count", h.countErrors)
			r.Post("/protect", h.protectMany)
			r.Post("/delete", h.deleteMany)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getError)
				r.Delete("/", h.deleteError)
				r.Post("/protect", h.protectError)
			})
		})

		r.Get("/health", h.health)
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}
