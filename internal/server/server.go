package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/dammer/internal/config"
	"github.com/me/dammer/internal/store"
	"github.com/me/dammer/pkg/model"
)

// Reporter is a run in progress, typically an *orchestrator.Orchestrator.
type Reporter interface {
	Report() model.Run
}

// Server is the dammer status API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	store     store.Store

	mu   sync.Mutex
	live []Reporter
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithLive exposes a run in progress. Its report takes precedence over the
// stored copy of the same run.
func WithLive(r Reporter) Option {
	return func(s *Server) {
		s.live = append(s.live, r)
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, st store.Store, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     st,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// AddLive exposes a run started after the server was created.
func (s *Server) AddLive(r Reporter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = append(s.live, r)
}

func (s *Server) liveRun(id string) (model.Run, bool) {
	s.mu.Lock()
	live := append([]Reporter(nil), s.live...)
	s.mu.Unlock()
	for _, r := range live {
		if run := r.Report(); run.ID == id {
			return run, true
		}
	}
	return model.Run{}, false
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.config.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Delete("/", s.handleDeleteRun)
				r.Get("/units", s.handleListUnits)
			})
		})
	})
}
