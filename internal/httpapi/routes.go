// Package httpapi is the thin transport over the orchestrator contract: one
// debate endpoint, thread inspection, the event stream, and the ops surface
// (health, readiness, metrics, stats).
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/quorum/internal/circuitbreaker"
	"github.com/jordanhubbard/quorum/internal/events"
	"github.com/jordanhubbard/quorum/internal/health"
	"github.com/jordanhubbard/quorum/internal/idempotency"
	"github.com/jordanhubbard/quorum/internal/metrics"
	"github.com/jordanhubbard/quorum/internal/orchestrator"
	"github.com/jordanhubbard/quorum/internal/ratelimit"
	"github.com/jordanhubbard/quorum/internal/stats"
	"github.com/jordanhubbard/quorum/internal/store"
	"github.com/jordanhubbard/quorum/internal/temporal"
)

// Dependencies wires the handlers to the engine.
type Dependencies struct {
	Orchestrator *orchestrator.Orchestrator
	Store        store.Store
	Metrics      *metrics.Registry
	Health       *health.Tracker
	EventBus     *events.Bus
	Stats        *stats.Collector

	// Idempotency cache (nil = idempotency disabled).
	IdempotencyCache *idempotency.Cache

	// Temporal manager (nil when Temporal is disabled).
	Temporal *temporal.Manager

	// Circuit breaker for Temporal dispatch (nil when Temporal is disabled).
	CircuitBreaker *circuitbreaker.Breaker

	// Rate limiter for expensive endpoints (nil = no rate limiting).
	RateLimiter *ratelimit.Limiter
}

// maxRequestBodySize is the maximum allowed request body for POST endpoints (1 MB).
const maxRequestBodySize = 1 << 20

// bodySizeLimit wraps POST request bodies with http.MaxBytesReader.
func bodySizeLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MountRoutes attaches all endpoints to the router.
func MountRoutes(r chi.Router, d Dependencies) {
	r.Use(bodySizeLimit(maxRequestBodySize))

	r.Get("/healthz", d.handleHealthz)
	r.Get("/readyz", d.handleReadyz)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}
		debate := http.Handler(http.HandlerFunc(d.handleDebate))
		if d.IdempotencyCache != nil {
			debate = idempotency.Middleware(d.IdempotencyCache)(debate)
		}
		r.Method(http.MethodPost, "/debates", debate)

		r.Get("/threads", d.handleListThreads)
		r.Get("/threads/{threadID}", d.handleGetThread)
		r.Post("/threads/{threadID}/outcomes", d.handleSaveOutcome)
		r.Get("/search", d.handleSearch)
		r.Get("/stats", d.handleStats)
		r.Get("/providers/health", d.handleProviderHealth)
		r.Get("/events", SSEHandler(d.EventBus))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}
