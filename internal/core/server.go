// Package core provides the HTTP chassis for the CartoGraph API: the server
// struct, response envelope, request decoding limits, and the middleware
// chain (request ID, logging, recovery, bearer-token auth, API metering).
package core

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cartograph/internal/config"
	"cartograph/internal/tiering"
)

// Server is the central HTTP server struct holding shared dependencies for
// middleware and the route tree. Handler packages receive their own
// dependencies through their constructors and mount themselves via
// V1RouteRegistrars; the indirection avoids an import cycle between core
// and the handler packages.
type Server struct {
	Config     *config.Config
	Workspaces WorkspaceResolver
	Catalog    *tiering.Catalog
	Logger     *slog.Logger
	Validator  *Validator

	// HealthProbes are checked concurrently by GET /health.
	HealthProbes []HealthProbe

	// V1RouteRegistrars mount handler routes under /v1. Populated by the
	// application entry point before MountRoutes is called.
	V1RouteRegistrars []func(chi.Router)

	router *chi.Mux
}

// NewServer constructs the Server and validates required dependencies.
// Fail-fast: a nil config, workspace resolver, catalog, or logger is a
// programming error surfaced at startup, not at first request.
func NewServer(
	cfg *config.Config,
	workspaces WorkspaceResolver,
	catalog *tiering.Catalog,
	logger *slog.Logger,
) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("core: config is required")
	}
	if workspaces == nil {
		return nil, errors.New("core: workspace resolver is required")
	}
	if catalog == nil {
		return nil, errors.New("core: tier catalog is required")
	}
	if logger == nil {
		return nil, errors.New("core: logger is required")
	}

	return &Server{
		Config:     cfg,
		Workspaces: workspaces,
		Catalog:    catalog,
		Logger:     logger,
		Validator:  NewValidator(),
		router:     chi.NewRouter(),
	}, nil
}

// Handler returns the root http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the underlying chi router for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server-held resources. The database pool and SQS clients
// are owned by main and closed there; nothing is held here today, but the
// hook keeps the entry points uniform.
func (s *Server) Shutdown(ctx context.Context) error {
	return nil
}
