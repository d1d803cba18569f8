// Package app wires configuration, storage, provider adapters, the wizard
// and the HTTP servers into a runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dchatpar/inboxgrove/internal/api"
	"github.com/dchatpar/inboxgrove/internal/config"
	"github.com/dchatpar/inboxgrove/internal/keystore"
	"github.com/dchatpar/inboxgrove/internal/metrics"
	"github.com/dchatpar/inboxgrove/internal/wizard"
)

// App is the main application
type App struct {
	config        *config.Config
	keys          *keystore.Store
	sessions      *wizard.Manager
	apiServer     *api.Server
	metricsServer *metrics.Server
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := NewLogger(cfg.Logging, os.Stdout)

	keys, err := keystore.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}

	m := metrics.New()
	deps, err := NewDeps(cfg, keys, m, logger)
	if err != nil {
		keys.Close()
		return nil, err
	}
	sessions := wizard.NewManager(WizardConfig(cfg), deps)

	apiServer := api.NewServer(&cfg.Server, api.Options{
		Sessions: sessions,
		Keys:     api.NewKeyManagement(keys, cfg.Storage.BundleName, logger.With("component", "dkim")),
		Metrics:  m,
		Version:  version,
	}, logger)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger)
	}

	return &App{
		config:        cfg,
		keys:          keys,
		sessions:      sessions,
		apiServer:     apiServer,
		metricsServer: metricsServer,
		logger:        logger,
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting inboxgrove",
		"api_addr", a.config.Server.ListenAddr,
		"dns_host", a.config.DNSHost.Provider,
		"verifier", a.config.Verifier.Backend,
		"dkim_authority", a.config.Wizard.DKIMAuthority,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Cancel in-flight steps before the key store goes away
	a.sessions.Close()

	if err := a.keys.Close(); err != nil {
		a.logger.Error("key store close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// NewLogger creates a logger based on configuration
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
