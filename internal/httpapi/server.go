// Package httpapi exposes the pipeline to the browser extension over HTTP.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/NTBlok/ai-financial-agent/internal/config"
	"github.com/NTBlok/ai-financial-agent/internal/metrics"
	"github.com/NTBlok/ai-financial-agent/internal/pipeline"
)

// Server routes extension traffic to the pipeline.
type Server struct {
	router   *chi.Mux
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
	cfg      config.ServerConfig
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// New builds the HTTP server around the pipeline facade.
func New(p *pipeline.Pipeline, m *metrics.Metrics, cfg config.ServerConfig, logger *zap.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		pipeline: p,
		metrics:  m,
		cfg:      cfg,
		logger:   logger.Named("http"),
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.cfg.MaxBodyBytes > 0 {
		r.Use(bodyLimit(s.cfg.MaxBodyBytes))
	}

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.throttle)
		}

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/observe", s.handleObserve)
			r.Get("/audit", s.handleAudit)

			r.Route("/execute/{actionID}", func(r chi.Router) {
				r.Post("/", s.handleExecute)
				r.Post("/cancel", s.handleCancel)
			})

			r.Route("/actions/{actionID}", func(r chi.Router) {
				r.Get("/", s.handleStatus)
				r.Post("/override", s.handleOverride)
				r.Post("/retry", s.handleRetry)
			})
		})
	})
}

// ServeHTTP lets the Server be used as a standard http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// throttle rejects requests beyond the configured rate with 429.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.logger.Warn("request rejected by rate limiter", zap.String("path", r.URL.Path))
			writeErrorEnvelope(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bodyLimit caps request body sizes before the decoder sees them.
func bodyLimit(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}
