// Package server is the campaign status server: health probes, build
// information, live campaign progress and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/kioskbench/internal/errors"
	"github.com/3leaps/kioskbench/internal/observability"
	"github.com/3leaps/kioskbench/internal/server/handlers"
	"github.com/3leaps/kioskbench/internal/server/middleware"
)

// Server wraps the router and the underlying http.Server.
type Server struct {
	host   string
	port   int
	router chi.Router
	http   *http.Server
}

// New builds a server bound to host:port. It does not listen until Start
// or Serve.
func New(host string, port int) *Server {
	s := &Server{host: host, port: port}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(observability.CLILogger.Named("http")))
	r.Use(middleware.ErrorHandler)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.New(apperrors.CodeNotFound,
			fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path)))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.New(apperrors.CodeMethodNotAllowed,
			fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path)))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)
	r.Get("/v1/campaign", handlers.CampaignHandler)
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())
	return r
}

// SetTimeouts overrides the http.Server timeouts. Zero leaves a value as is.
func (s *Server) SetTimeouts(read, write, idle time.Duration) {
	if read > 0 {
		s.http.ReadTimeout = read
	}
	if write > 0 {
		s.http.WriteTimeout = write
	}
	if idle > 0 {
		s.http.IdleTimeout = idle
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.http.Addr }

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	observability.CLILogger.Info("Status server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	observability.CLILogger.Info("Status server listening", zap.String("addr", ln.Addr().String()))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
