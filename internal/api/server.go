package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"openattribution/internal/api/health"
	"openattribution/internal/api/httpx"
	"openattribution/internal/api/ingest"
	"openattribution/internal/api/query"
	"openattribution/internal/metrics"
	"openattribution/pkg/errors"
	"openattribution/pkg/logger"
)

// ServerConfig contains configuration for HTTP server
type ServerConfig struct {
	Port               int
	ServiceName        string
	Version            string
	RateLimitPerMinute int
	RateBurst          int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
}

// Server wraps HTTP server with lifecycle management
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
}

// NewServer creates and configures HTTP server with all routes
func NewServer(cfg ServerConfig, ingestHandler *ingest.Handler, queryHandler *query.Handler, healthHandler *health.Handler, log *logger.Logger) *Server {
	mux := http.NewServeMux()

	// Ingestion endpoints, rate limited as a group: the limiter protects
	// Postgres, not individual routes.
	limited := rateLimit(cfg.RateLimitPerMinute, cfg.RateBurst)
	mux.Handle("POST /session/start", limited(http.HandlerFunc(ingestHandler.HandleStartSession)))
	mux.Handle("POST /events", limited(http.HandlerFunc(ingestHandler.HandleRecordEvents)))
	mux.Handle("POST /session/end", limited(http.HandlerFunc(ingestHandler.HandleEndSession)))
	mux.Handle("POST /session/bulk", limited(http.HandlerFunc(ingestHandler.HandleBulkUpload)))

	// Internal query endpoints (not rate limited)
	mux.HandleFunc("GET /internal/sessions", queryHandler.HandleListSessions)
	mux.HandleFunc("GET /internal/sessions/by-external-id/{externalID}", queryHandler.HandleGetSessionByExternalID)
	mux.HandleFunc("GET /internal/sessions/{id}", queryHandler.HandleGetSession)
	mux.HandleFunc("GET /internal/sessions/{id}/attribution", queryHandler.HandleGetAttribution)

	// Health check endpoints (Kubernetes probes)
	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", healthHandler.HandleReadiness)
	mux.HandleFunc("GET /live", healthHandler.HandleLiveness)

	// Prometheus metrics endpoint
	mux.Handle("GET /metrics", metrics.Handler())

	// Root endpoint (service info)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"service":"%s","version":"%s","status":"running"}`,
			cfg.ServiceName, cfg.Version)
	})

	port := 8080
	if cfg.Port > 0 {
		port = cfg.Port
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 10 * time.Second
	}

	log.Infof("HTTP server configured on port %d", port)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      instrument(mux),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		log:        log,
	}
}

// Start begins listening for HTTP requests
// Blocks until server is stopped or encounters an error
func (s *Server) Start() error {
	s.log.Infof("Starting HTTP server on %s", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server failed")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
// Waits for active connections to complete within timeout
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Stopping HTTP server...")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "http server shutdown failed")
	}

	s.log.Info("✓ HTTP server stopped")
	return nil
}

// rateLimit returns a middleware sharing one token bucket across all wrapped
// routes. Zero perMinute disables limiting.
func rateLimit(perMinute, burst int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = perMinute
	}
	limiter := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				metrics.BatchesRejected.WithLabelValues("rate_limit").Inc()
				httpx.WriteError(w, errors.ErrRateLimitExceeded)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// instrument records request counts and latencies per matched route
// pattern, keeping label cardinality bounded.
func instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		mux.ServeHTTP(recorder, r)

		_, route := mux.Handler(r)
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(started).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
