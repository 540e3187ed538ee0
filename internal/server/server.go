// Package server provides the admin HTTP API of the query router: health
// probes, registry inspection and mutation, query plan previews and the
// token ring.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/devrev/pairdb/queryrouter/internal/config"
	"github.com/devrev/pairdb/queryrouter/internal/metrics"
	"github.com/devrev/pairdb/queryrouter/internal/router"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Server represents the admin HTTP server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	handlers    *Handlers
	healthCheck *HealthCheck
	out         *errorWriter
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	logger      *zap.Logger
	cfg         *config.Config
}

// NewServer creates a new admin server over r. gatherer may be nil, in
// which case no metrics endpoint is served.
func NewServer(cfg *config.Config, r *router.Router, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	muxRouter := mux.NewRouter()
	out := &errorWriter{logger: logger}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      muxRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		router:      muxRouter,
		httpServer:  httpServer,
		handlers:    &Handlers{router: r, out: out, logger: logger},
		healthCheck: &HealthCheck{router: r, out: out},
		out:         out,
		metrics:     m,
		gatherer:    gatherer,
		logger:      logger,
		cfg:         cfg,
	}
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	mws := []Middleware{
		RequestID,
		Recovery(s.out),
		AccessLog(s.logger, s.metrics),
	}
	if rl := s.cfg.RateLimiter; rl.Enabled {
		mws = append(mws, RateLimit(rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), rl.BurstSize), s.out))
	}
	s.router.Use(Chain(mws...))

	// Health check endpoints
	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	if s.cfg.Metrics.Enabled && s.gatherer != nil {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Registry
	v1.HandleFunc("/hosts", s.handlers.ListHosts).Methods(http.MethodGet)
	v1.HandleFunc("/hosts", s.handlers.AddHost).Methods(http.MethodPost)
	v1.HandleFunc("/hosts/{address}/up", s.handlers.MarkHostUp).Methods(http.MethodPut)
	v1.HandleFunc("/hosts/{address}/down", s.handlers.MarkHostDown).Methods(http.MethodPut)
	v1.HandleFunc("/hosts/{address}", s.handlers.RemoveHost).Methods(http.MethodDelete)

	// Routing
	v1.HandleFunc("/plan", s.handlers.QueryPlan).Methods(http.MethodGet)
	v1.HandleFunc("/ring", s.handlers.Ring).Methods(http.MethodGet)
	v1.HandleFunc("/keyspaces", s.handlers.ListKeyspaces).Methods(http.MethodGet)
	v1.HandleFunc("/keyspaces/{name}/replicas", s.handlers.Replicas).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.out.writeError(w, r, http.StatusNotFound, ErrorCodeNotFound, "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.out.writeError(w, r, http.StatusMethodNotAllowed, ErrorCodeInvalidRequest, "method not allowed")
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting admin HTTP server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the http.Handler for the server.
func (s *Server) GetHandler() http.Handler {
	return s.router
}
