// Package api exposes the feed pipeline over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/chainwatch/internal/aging"
	"github.com/lvonguyen/chainwatch/internal/api/gateway"
	"github.com/lvonguyen/chainwatch/internal/correlate"
	"github.com/lvonguyen/chainwatch/internal/errs"
	"github.com/lvonguyen/chainwatch/internal/ingest"
	"github.com/lvonguyen/chainwatch/internal/observability"
	"github.com/lvonguyen/chainwatch/internal/pattern"
	"github.com/lvonguyen/chainwatch/internal/sources"
	"github.com/lvonguyen/chainwatch/internal/stats"
	"github.com/lvonguyen/chainwatch/internal/store"
	"github.com/lvonguyen/chainwatch/internal/subscription"
)

// Server wires the engines behind the HTTP surface.
type Server struct {
	records    store.RecordStore
	edges      store.EdgeStore
	ingester   *ingest.Engine
	patterns   *pattern.Engine
	correlator *correlate.Engine
	sweeper    *aging.Sweeper
	registry   *subscription.Registry
	dispatcher *subscription.Dispatcher
	scheduler  *sources.Scheduler
	stats      *stats.Aggregator
	telemetry  *observability.Telemetry
	limiter    *gateway.RateLimiter
	logger     *zap.Logger

	startedAt time.Time
	version   string
}

// Deps collects the server's collaborators.
type Deps struct {
	Records    store.RecordStore
	Edges      store.EdgeStore
	Ingester   *ingest.Engine
	Patterns   *pattern.Engine
	Correlator *correlate.Engine
	Sweeper    *aging.Sweeper
	Registry   *subscription.Registry
	Dispatcher *subscription.Dispatcher
	Scheduler  *sources.Scheduler
	Stats      *stats.Aggregator
	Telemetry  *observability.Telemetry
	Limiter    *gateway.RateLimiter
	Version    string
}

func NewServer(d Deps) *Server {
	logger := zap.NewNop()
	if d.Telemetry != nil {
		logger = d.Telemetry.Logger()
	}
	return &Server{
		records:    d.Records,
		edges:      d.Edges,
		ingester:   d.Ingester,
		patterns:   d.Patterns,
		correlator: d.Correlator,
		sweeper:    d.Sweeper,
		registry:   d.Registry,
		dispatcher: d.Dispatcher,
		scheduler:  d.Scheduler,
		stats:      d.Stats,
		telemetry:  d.Telemetry,
		limiter:    d.Limiter,
		logger:     logger,
		startedAt:  time.Now().UTC(),
		version:    d.Version,
	}
}

// Router builds the chi router with the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.metricsMiddleware)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware(tierFromRequest, clientIDFromRequest))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.telemetry != nil {
		r.Handle("/metrics", s.telemetry.MetricsHandler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/observations", s.handleIngest)

		r.Route("/records", func(r chi.Router) {
			r.Get("/", s.handleListRecords)
			r.Get("/{id}", s.handleGetRecord)
			r.Patch("/{id}/status", s.handleTransition)
			r.Delete("/{id}", s.handleResolveRecord)
			r.Post("/{id}/votes", s.handleVote)
			r.Post("/{id}/disputes", s.handleDispute)
			r.Get("/{id}/correlations", s.handleRecordCorrelations)
		})

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", s.handleCreateSubscription)
			r.Get("/{id}", s.handleGetSubscription)
			r.Delete("/{id}", s.handleUnsubscribe)
		})

		r.Route("/watchlists", func(r chi.Router) {
			r.Post("/", s.handleCreateWatchlist)
			r.Get("/", s.handleListWatchlists)
		})

		r.Get("/stats", s.handleStats)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/status", s.handleAdminStatus)

			r.Route("/sources", func(r chi.Router) {
				r.Get("/", s.handleListSources)
				r.Patch("/{name}", s.handleUpdateSource)
				r.Post("/{name}/reactivate", s.handleReactivateSource)
				r.Post("/{name}/fetch", s.handleFetchSource)
			})

			r.Route("/patterns", func(r chi.Router) {
				r.Get("/", s.handleListPatterns)
				r.Post("/", s.handleCreatePattern)
				r.Patch("/{id}", s.handleUpdatePattern)
			})

			r.Patch("/correlations/{id}", s.handleSetCorrelationStatus)

			r.Post("/initialize", s.handleInitialize)
			r.Post("/aging/run", s.handleRunAging)
			r.Post("/stats/generate", s.handleGenerateStats)
			r.Post("/alert", s.handleEmergencyAlert)
		})
	})

	return r
}

// metricsMiddleware records request counts and latency per route pattern.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.telemetry == nil || s.telemetry.Metrics() == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		m := s.telemetry.Metrics()
		m.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// tierFromRequest maps the request to a rate-limit tier. Authentication is
// delegated upstream; the tier header is set by the edge proxy.
func tierFromRequest(r *http.Request) string {
	if tier := r.Header.Get("X-Client-Tier"); tier != "" {
		return tier
	}
	if r.Header.Get("X-User-ID") != "" {
		return "authenticated"
	}
	return "anonymous"
}

func clientIDFromRequest(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return r.Header.Get("X-Session-ID")
}

// envelope is the uniform response shape.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error: &errorBody{
			Code:    string(errs.KindOf(err)),
			Message: err.Error(),
		},
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.Validation("invalid request body: %v", err)
	}
	return nil
}
