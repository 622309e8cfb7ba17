package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/predmkts/predmkts/internal/core/datasource"
	"github.com/predmkts/predmkts/internal/core/engine"
	"github.com/predmkts/predmkts/internal/core/store"
	"github.com/predmkts/predmkts/internal/core/telemetry"
	apperrors "github.com/predmkts/predmkts/internal/errors"
	"github.com/predmkts/predmkts/internal/observability"
	"github.com/predmkts/predmkts/internal/server/handlers"
	servermw "github.com/predmkts/predmkts/internal/server/middleware"
)

// Options configures the gateway. Zero timeouts use the http.Server
// defaults the gateway has always shipped with.
type Options struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Build handlers.BuildInfo
	// AdminToken enables POST /admin/signal when set.
	AdminToken string

	Limiter   *engine.RateLimiter
	Collector *telemetry.Collector
	Sources   map[string]datasource.DataSource
	Store     store.BucketStore
	// MaxPages bounds /v1/sources/{name}/pages when the caller sets none.
	MaxPages int
}

// Server is the HTTP gateway in front of the shared limiter.
type Server struct {
	router *chi.Mux
	server *http.Server
	opts   Options
	health *handlers.HealthManager
}

// New builds the router and registers every route.
func New(opts Options) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 120 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)

	// RequestID first for correlation, Recovery innermost so panics are
	// measured like any other 500.
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics)
	r.Use(servermw.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewNotFoundError("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	})

	s := &Server{
		router: r,
		opts:   opts,
		health: handlers.NewHealthManager(opts.Build.Version),
	}
	if opts.Store != nil {
		s.health.RegisterChecker("bucket_store", handlers.StoreChecker{Store: opts.Store})
	}
	if opts.Limiter != nil {
		s.health.RegisterChecker("limiter", handlers.LimiterChecker{Limiter: opts.Limiter})
	}

	handlers.SetHTTPErrorResponder(s.handleError)
	s.registerRoutes()

	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.opts.Host, fmt.Sprintf("%d", s.opts.Port))
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	addr := s.Addr()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Starting HTTP server",
			zap.String("host", s.opts.Host),
			zap.Int("port", s.opts.Port),
			zap.String("addr", addr),
			zap.Int("sources", len(s.opts.Sources)))
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Shutting down HTTP server")
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port
func (s *Server) Port() int {
	return s.opts.Port
}
