package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/michaelbrown/flowgate/internal/config"
	"github.com/michaelbrown/flowgate/internal/jobs"
	"github.com/michaelbrown/flowgate/internal/metrics"
	"github.com/michaelbrown/flowgate/internal/storage"
)

// Options carries the optional collaborators of a Server.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// Server is the HTTP gateway in front of the sandbox service.
type Server struct {
	cfg     config.ServerConfig
	exec    jobs.Executor
	store   storage.Store
	jobs    *jobs.Manager
	metrics *metrics.Collector
	logger  *zap.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	router  chi.Router

	mu   sync.Mutex
	http *http.Server
}

// New creates a Server. exec serves /api/test; store and mgr serve the jobs API.
func New(cfg config.ServerConfig, exec jobs.Executor, store storage.Store, mgr *jobs.Manager, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		exec:    exec,
		store:   store,
		jobs:    mgr,
		metrics: opts.Metrics,
		logger:  opts.Logger.With(zap.String("component", "server")),
		baseCtx: ctx,
		stop:    stop,
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	r.Use(limitBody(s.cfg.MaxBodyBytes))

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(rateLimiter(s.baseCtx, s.cfg.RateLimit, s.cfg.RateBurst, s.logger))
		}
		r.Use(jsonContentType)

		r.Post("/test", s.handleTest)

		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleDeleteJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)

		// WebSocket (upgrade replaces the JSON content-type)
		r.Get("/jobs/{id}/ws", s.handleJobEvents)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, http.StatusNotFound, "route not found")
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening on the given port. It returns nil after Shutdown.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.baseCtx.Err() != nil {
		s.mu.Unlock()
		return nil
	}
	s.http = hs
	s.mu.Unlock()

	s.logger.Info("flowgate gateway listening", zap.String("addr", "http://localhost"+addr))
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server and stops background dispatch.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gateway")
	s.mu.Lock()
	s.stop()
	hs := s.http
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []error
	if hs != nil {
		errs = append(errs, hs.Shutdown(shutdownCtx))
	}
	if s.jobs != nil {
		errs = append(errs, s.jobs.Shutdown(shutdownCtx))
	}
	return errors.Join(errs...)
}
