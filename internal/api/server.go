package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dchatpar/inboxgrove/internal/config"
	"github.com/dchatpar/inboxgrove/internal/metrics"
	"github.com/dchatpar/inboxgrove/internal/wizard"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	sessions   *wizard.Manager
	keys       *KeyManagement
	metrics    *metrics.Metrics
	config     *config.ServerConfig
	logger     *slog.Logger
	version    string
	startTime  time.Time
}

// Options carries the collaborators of the API server
type Options struct {
	Sessions *wizard.Manager
	Keys     *KeyManagement // optional
	Metrics  *metrics.Metrics
	Version  string
}

// NewServer creates a new API server
func NewServer(cfg *config.ServerConfig, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		sessions:  opts.Sessions,
		keys:      opts.Keys,
		metrics:   opts.Metrics,
		config:    cfg,
		logger:    logger.With("component", "api"),
		version:   opts.Version,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleDeleteSession)
				r.Get("/records", s.handleRecords)

				r.Post("/search", s.handleSearch)
				r.Post("/purchase", s.handlePurchase)
				r.Post("/owned", s.handleOwned)
				r.Post("/dns-host", s.handleConnectDNSHost)
				r.Post("/dns-host/skip", s.handleSkipDNSHost)
				r.Post("/dkim/{selector}", s.handleGenerateDKIM)
				r.Post("/deploy", s.handleDeploy)
				r.Post("/verify", s.handleVerify)
				r.Post("/advance", s.handleAdvance)
				r.Post("/back", s.handleBack)
			})
		})

		if s.keys != nil {
			s.keys.RegisterRoutes(r)
		}
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
