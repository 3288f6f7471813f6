package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/tdl/internal/config"
	"github.com/me/tdl/internal/metrics"
	"github.com/me/tdl/internal/parser"
	"github.com/me/tdl/internal/store"
)

// Server is the TDL schedule inspection and simulation API.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	base      *slog.Logger // unscoped logger handed to runs
	config    config.ServerConfig
	startTime time.Time
	parser    *parser.Parser
	validator *parser.Validator
	store     store.Store
	metrics   *metrics.Collector // optional; exposed on /metrics when set
	slots     *runSlots
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithMetrics attaches a Prometheus collector to every run and serves it
// on /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) {
		s.metrics = c
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, st store.Store, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		base:      logger,
		config:    cfg,
		startTime: time.Now(),
		parser:    parser.New(logger),
		validator: parser.NewValidator(logger),
		store:     st,
		slots:     newRunSlots(cfg.MaxRuns),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Post("/schedules", s.handleCreateSchedule)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleCreateRun)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Get("/events", s.handleListEvents)
			})
		})
	})
}
