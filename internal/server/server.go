// Package server provides the HTTP API for kioku.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/cache"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/warmer"
	"github.com/hyperjump/kioku/pkg/utils"
)

// Cache is the part of the semantic cache the API exposes.
type Cache interface {
	Ask(ctx context.Context, question string) (*cache.Result, error)
	Stats() models.CacheStats
	Entry(position int) (*models.CacheEntry, bool)
	Entries(offset, limit int) ([]*models.CacheEntry, int)
	SearchQuestions(ctx context.Context, q models.EntryListQuery) (*models.EntryList, error)
	Clear(ctx context.Context) error
}

// Warmer runs warm-ups submitted over the API.
type Warmer interface {
	Warm(ctx context.Context, questions []string) (*warmer.Report, error)
}

// Server is the HTTP server for the kioku API.
type Server struct {
	cache      Cache
	warmer     Warmer
	config     *config.ServerConfig
	storeFiles []string
	logger     *zap.Logger
	server     *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithWarmer enables POST /api/v1/warm.
func WithWarmer(w Warmer) Option {
	return func(s *Server) { s.warmer = w }
}

// WithStoreFiles lists the files backing the store, reported as store_bytes in status.
func WithStoreFiles(files ...string) Option {
	return func(s *Server) { s.storeFiles = files }
}

// NewServer creates a server with the given dependencies.
func NewServer(c Cache, cfg *config.ServerConfig, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		cache:  c,
		config: cfg,
		logger: utils.OrNop(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	timeout := s.config.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(middleware.Compress(5))

	r.Post("/api/v1/ask", s.handleAsk)
	r.Get("/api/v1/status", s.handleStatus)
	r.Get("/api/v1/entries", s.handleListEntries)
	r.Get("/api/v1/entries/{position}", s.handleGetEntry)
	r.Delete("/api/v1/cache", s.handleClear)
	r.Post("/api/v1/warm", s.handleWarm)
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
