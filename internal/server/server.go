// Package server exposes the channel directory over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voyagen/mayotv/internal/cache"
	"github.com/voyagen/mayotv/internal/config"
	"github.com/voyagen/mayotv/internal/logger"
	"github.com/voyagen/mayotv/internal/models"
	"github.com/voyagen/mayotv/internal/service"
)

// Directory is the orchestrator the handlers read from.
type Directory interface {
	Full(ctx context.Context) (*models.Directory, service.Origin)
	Skeleton(ctx context.Context) (*models.Skeleton, error)
	Refresh(ctx context.Context) (*models.Directory, error)
	Invalidate(ctx context.Context) error
}

// RefreshQueue hands directory rebuilds to a background worker.
type RefreshQueue interface {
	Push(ctx context.Context, reason string) (cache.RefreshJob, error)
}

// Server holds dependencies for the HTTP API.
type Server struct {
	dir    Directory
	views  *cache.Store[[]models.Channel]
	queue  RefreshQueue // nil runs refreshes inline
	cfg    config.Server
	log    logger.Logger
	router chi.Router
}

type Option func(*Server)

// WithQueue makes POST /api/directory/refresh enqueue instead of rebuilding inline.
func WithQueue(q RefreshQueue) Option {
	return func(s *Server) { s.queue = q }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a Server and registers routes. views memoizes filtered
// channel lists with its own default TTL.
func New(dir Directory, views *cache.Store[[]models.Channel], cfg config.Server, opts ...Option) *Server {
	s := &Server{dir: dir, views: views, cfg: cfg, log: logger.NewTestLogger()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Component("server")
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsHandler(s.cfg.CORSOrigins))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/docs", handleSwaggerUI)
		r.Get("/docs/openapi.yaml", handleOpenAPISpec)

		r.Group(func(r chi.Router) {
			r.Use(rateLimit(s.cfg.RateLimit, s.cfg.RateWindow))

			// Directory
			r.Get("/directory/skeleton", s.handleSkeleton)
			r.Get("/directory", s.handleDirectory)
			r.Post("/directory/refresh", s.handleRefresh)
			r.Delete("/directory/cache", s.handleInvalidate)

			// Browsing
			r.Get("/channels", s.handleChannels)
			r.Get("/countries", s.handleCountries)
			r.Get("/categories", s.handleCategories)
			r.Get("/languages", s.handleLanguages)
			r.Get("/playlist.m3u", s.handlePlaylist)

			// View cache
			r.Get("/cache/stats", s.handleCacheStats)
			r.Delete("/cache", s.handleCacheClear)
		})
	})
	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on the configured port.
// It blocks until the server is shut down or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := ":" + s.cfg.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("server shutdown")
		}
	}()

	s.log.Info().Str("addr", addr).Msg("listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ListenAndServe: %w", err)
	}
	return nil
}
