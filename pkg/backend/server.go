// Package backend serves the kit's operational HTTP API: per-provider health
// and circuit state, aggregated call statistics, and the administrative
// operations (enable/disable a provider, force-close a breaker). It is a
// read-mostly dashboard surface and never sits on the hot call path.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/cecil-the-coder/rpc-provider-kit/pkg/types"
)

// Manager is the surface the API needs from the provider manager.
type Manager interface {
	Health() []types.ProviderHealth
	ProviderHealth(id string) (types.ProviderHealth, error)
	SetEnabled(id string, enabled bool) error
	ForceCloseBreaker(id string) error
	ResetBreakers()
}

// Stats is the surface the API needs from the stats collector. It may be nil
// when stats aggregation is disabled.
type Stats interface {
	Snapshot(ctx context.Context) (*types.StatsSnapshot, error)
	TimeBuckets(ctx context.Context, since time.Time) ([]types.TimeBucket, error)
}

// Config configures the HTTP server.
type Config struct {
	Addr            string        // listen address, e.g. "127.0.0.1:8090"
	ReadTimeout     time.Duration // default 10s
	WriteTimeout    time.Duration // default 30s
	ShutdownTimeout time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// Server is the operational API server.
type Server struct {
	cfg        Config
	mgr        Manager
	stats      Stats
	router     chi.Router
	httpServer *http.Server
	log        *zap.Logger
}

// NewServer creates the server and mounts all routes.
func NewServer(cfg Config, mgr Manager, stats Stats, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:   cfg.withDefaults(),
		mgr:   mgr,
		stats: stats,
		log:   log,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/providers", s.handleListProviders)
		r.Route("/providers/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetProvider)
			r.Post("/enable", s.handleSetEnabled(true))
			r.Post("/disable", s.handleSetEnabled(false))
			r.Post("/breaker/close", s.handleForceClose)
		})
		r.Post("/breakers/reset", s.handleResetBreakers)

		r.Get("/stats", s.handleStats)
		r.Get("/stats/buckets", s.handleStatsBuckets)
	})

	return r
}

// Handler returns the mounted router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info("backend API listening", zap.String("addr", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("backend: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	s.log.Info("backend API shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("backend: shutdown: %w", err)
	}
	return nil
}

// requestLogger logs one line per request with the chi request id.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.log.Debug("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}
