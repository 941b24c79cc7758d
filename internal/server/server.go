// Package server provides the Meshboard admin HTTP API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/meshboard/meshboard/internal/schedule"
	"github.com/meshboard/meshboard/internal/version"
	"github.com/meshboard/meshboard/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HostAdmin is the server's view of the plugin host.
// Defined here (consumer-side) rather than importing the concrete host.
type HostAdmin interface {
	ListStatuses() []plugin.PluginStatus
	Status(name string) (plugin.PluginStatus, bool)
	Enable(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
	Reload(ctx context.Context, name string) error
}

// TaskAdmin is the server's view of the task scheduler.
type TaskAdmin interface {
	Tasks() []schedule.TaskRecord
	History(ctx context.Context, taskID string, limit int) ([]schedule.Execution, error)
	Enable(ctx context.Context, id string) error
	Disable(ctx context.Context, id string) error
}

// PermAdmin is the server's view of the permission manager.
type PermAdmin interface {
	Granted(name string) []plugin.Permission
	Revoke(name string, perm plugin.Permission)
}

// ReadinessChecker verifies that the server is ready to serve traffic.
// Returns nil if ready, an error describing why not otherwise.
type ReadinessChecker func(ctx context.Context) error

// RouteRegistrar allows external packages to register routes and middleware
// on the server without creating import cycles (consumer-side interface).
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
	Middleware() func(http.Handler) http.Handler
}

// SimpleRouteRegistrar can register routes without middleware.
type SimpleRouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Server is the Meshboard admin HTTP server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	host       HostAdmin
	tasks      TaskAdmin
	perms      PermAdmin
	ready      ReadinessChecker
	logger     *zap.Logger
}

// New creates a Server with middleware and routes.
// The auth parameter is optional; pass nil to disable authentication.
// Additional route registrars can be passed to register extra API routes.
func New(addr string, host HostAdmin, tasks TaskAdmin, perms PermAdmin, ready ReadinessChecker, auth RouteRegistrar, logger *zap.Logger, extraRoutes ...SimpleRouteRegistrar) *Server {
	mux := http.NewServeMux()

	s := &Server{
		mux:    mux,
		host:   host,
		tasks:  tasks,
		perms:  perms,
		ready:  ready,
		logger: logger,
	}

	s.registerRoutes()
	if auth != nil {
		auth.RegisterRoutes(mux)
	}
	for _, r := range extraRoutes {
		r.RegisterRoutes(mux)
	}

	// Middleware chain: outermost listed first.
	opsPaths := []string{"/healthz", "/readyz", "/metrics"}
	middlewares := []Middleware{
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, opsPaths),
		SecurityHeadersMiddleware,
		VersionHeaderMiddleware,
		RateLimitMiddleware(100, 200, opsPaths),
	}
	if auth != nil {
		middlewares = append(middlewares, auth.Middleware())
	}

	handler := Chain(mux, middlewares...)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// registerRoutes sets up all core routes.
func (s *Server) registerRoutes() {
	// Unversioned operational endpoints.
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Versioned API endpoints.
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/plugins", s.handlePlugins)
	s.mux.HandleFunc("GET /api/v1/plugins/{name}", s.handlePlugin)
	s.mux.HandleFunc("POST /api/v1/plugins/{name}/enable", s.handlePluginEnable)
	s.mux.HandleFunc("POST /api/v1/plugins/{name}/disable", s.handlePluginDisable)
	s.mux.HandleFunc("POST /api/v1/plugins/{name}/reload", s.handlePluginReload)
	s.mux.HandleFunc("GET /api/v1/plugins/{name}/permissions", s.handlePermissions)
	s.mux.HandleFunc("DELETE /api/v1/plugins/{name}/permissions/{perm}", s.handlePermissionRevoke)
	s.mux.HandleFunc("GET /api/v1/tasks", s.handleTasks)
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/enable", s.handleTaskEnable)
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/disable", s.handleTaskDisable)
	s.mux.HandleFunc("GET /api/v1/tasks/{id}/executions", s.handleTaskExecutions)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealthz is a liveness probe -- returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "alive"})
}

// handleReadyz checks readiness -- returns 200 if the server can serve traffic.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ready"})
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version map[string]string `json:"version"`
}

// handleHealth returns detailed health information.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, HealthResponse{
		Status:  "ok",
		Service: "meshboard",
		Version: version.Map(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
