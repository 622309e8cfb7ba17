package server

import (
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/predmkts/predmkts/internal/observability"
	"github.com/predmkts/predmkts/internal/server/handlers"
)

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.health.HealthHandler)
	s.router.Get("/health/live", s.health.LivenessHandler)
	s.router.Get("/health/ready", s.health.ReadinessHandler)
	s.router.Get("/health/startup", s.health.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler(s.opts.Build, s.opts.Limiter, s.opts.Sources))

	// Push-based application metrics proxied from the gofulmen exporter.
	s.router.Get("/metrics", metricsHandler(s.opts.Collector))
	if s.opts.Collector != nil {
		s.router.Method("GET", "/metrics/limiter", s.opts.Collector.Handler())
	}

	limiter := &handlers.LimiterHandler{Limiter: s.opts.Limiter}
	sources := &handlers.SourcesHandler{Sources: s.opts.Sources, MaxPages: s.opts.MaxPages}

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/limiter/stats", limiter.Stats)
		r.Get("/limiter/buckets", limiter.Buckets)
		r.Get("/limiter/events", limiter.Events)
		r.Get("/limiter/policies", limiter.Policies)

		r.Get("/sources", sources.List)
		r.Get("/sources/{name}/pages", sources.Pages)
	})

	s.registerAdminEndpoint()
}

// registerAdminEndpoint mounts the gofulmen signal endpoint when an admin
// token is configured.
func (s *Server) registerAdminEndpoint() {
	logger := observability.ServerLogger
	if s.opts.AdminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no PREDMKTS_ADMIN_TOKEN set)")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: s.opts.AdminToken,
		RateLimit: 10, // per minute
		RateBurst: 5,
		Manager:   nil, // global manager
	})
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("auth", "bearer token"),
			zap.String("rate_limit", "10/min, burst 5"))
		logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}
