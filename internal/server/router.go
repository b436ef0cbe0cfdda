package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/guided-traffic/plugin-license-manager/internal/monitoring"
	"github.com/guided-traffic/plugin-license-manager/internal/server/handlers/health"
	licensehandler "github.com/guided-traffic/plugin-license-manager/internal/server/handlers/license"
	"github.com/guided-traffic/plugin-license-manager/internal/server/response"
	"github.com/guided-traffic/plugin-license-manager/pkg/licenseapi"
)

// setupRoutes configures the HTTP routes for the license API
func (s *Server) setupRoutes(router *mux.Router) {
	// Add monitoring middleware if monitoring is enabled
	if s.config.Monitoring.Enabled {
		router.Use(monitoring.HTTPMiddleware)
	}
	router.Use(s.httpLogger.Middleware)
	router.Use(s.tracker.Middleware)

	errWriter := response.NewErrorWriter(s.logger)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errWriter.WriteError(w, r, http.StatusNotFound, response.CodeNotFound, "no such endpoint")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errWriter.WriteError(w, r, http.StatusMethodNotAllowed, response.CodeMethodNotAllowed, "method not allowed")
	})

	healthHandler := health.NewHandler(s.logger, s.build, s.store)
	healthHandler.SetShutdownStateHandler(s.tracker.ShutdownState)

	// Health and version endpoints - before middleware to avoid authentication
	healthRouter := router.NewRoute().Subrouter()
	healthRouter.HandleFunc("/health", healthHandler.Health).Methods("GET")
	healthRouter.HandleFunc("/version", healthHandler.Version).Methods("GET")

	// License endpoints - order matters: the address limit runs before auth
	// so failed logins are throttled, the site limit after it
	apiRouter := router.NewRoute().Subrouter()
	apiRouter.Use(s.ipLimiter.Middleware)
	apiRouter.Use(s.auth.Middleware)
	apiRouter.Use(s.rateLimiter.Middleware)

	licenseHandler := licensehandler.NewHandler(s.api, s.logger)
	apiRouter.HandleFunc(licenseapi.PathVerify, licenseHandler.Verify).Methods("POST")
	apiRouter.HandleFunc(licenseapi.PathVerifyBatch, licenseHandler.VerifyBatch).Methods("POST")
	apiRouter.HandleFunc(licenseapi.PathInfo, licenseHandler.Info).Methods("POST")
}
