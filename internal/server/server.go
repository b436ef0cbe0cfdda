// Package server exposes the issuer over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/plugin-license-manager/internal/config"
	"github.com/guided-traffic/plugin-license-manager/internal/server/handlers/health"
	licensehandler "github.com/guided-traffic/plugin-license-manager/internal/server/handlers/license"
	"github.com/guided-traffic/plugin-license-manager/internal/server/middleware"
)

// API is what the server needs from the issuer.
type API interface {
	middleware.Authenticator
	licensehandler.Issuer
}

// Server represents the license API server
type Server struct {
	httpServer *http.Server
	api        API
	store      health.Pinger
	build      health.BuildInfo
	config     *config.Config
	logger     *logrus.Entry

	tracker     *middleware.RequestTracker
	httpLogger  *middleware.Logger
	auth        *middleware.Auth
	ipLimiter   *middleware.RateLimiter
	rateLimiter *middleware.RateLimiter
}

// NewServer creates a new license API server instance
func NewServer(cfg *config.Config, api API, store health.Pinger, build health.BuildInfo) (*Server, error) {
	if api == nil {
		return nil, fmt.Errorf("issuer is required")
	}

	logger := logrus.WithField("component", "license-server")

	server := &Server{
		api:     api,
		store:   store,
		build:   build,
		config:  cfg,
		logger:  logger,
		tracker: middleware.NewRequestTracker(logger),
	}
	server.httpLogger = middleware.NewLogger(logger, cfg.LogHealthRequests)
	server.auth = middleware.NewAuth(api, logger)
	server.ipLimiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerMinute: cfg.Server.RateLimit.IPRequestsPerMinute,
		Burst:             cfg.Server.RateLimit.IPBurst,
	}, middleware.IPKeyExtractor, logger)
	server.rateLimiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		Burst:             cfg.Server.RateLimit.Burst,
	}, middleware.SiteKeyExtractor, logger)

	// Create HTTP server with routes
	router := mux.NewRouter()
	server.setupRoutes(router)

	server.httpServer = &http.Server{
		Addr:              cfg.Server.BindAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return server, nil
}

// Handler returns the root handler, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then drains in-flight requests
func (s *Server) Start(ctx context.Context) error {
	tlsCfg := s.config.Server.TLS

	// Start HTTP server in a goroutine
	serverErrChan := make(chan error, 1)
	go func() {
		if tlsCfg.Enabled {
			s.logger.WithFields(logrus.Fields{
				"address":   s.httpServer.Addr,
				"cert_file": tlsCfg.CertFile,
				"key_file":  tlsCfg.KeyFile,
			}).Info("Starting HTTPS server")

			if err := s.httpServer.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile); err != nil && err != http.ErrServerClosed {
				serverErrChan <- fmt.Errorf("HTTPS server failed: %w", err)
			}
		} else {
			s.logger.WithField("address", s.httpServer.Addr).Info("Starting HTTP server")
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErrChan <- fmt.Errorf("HTTP server failed: %w", err)
			}
		}
	}()

	// Wait for context cancellation or server error
	select {
	case err := <-serverErrChan:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown() error {
	s.tracker.BeginShutdown(time.Now())

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("Failed to gracefully shutdown server")
		return err
	}

	s.logger.Info("Server stopped")
	return nil
}
