// Package server provides the gocohort status server: health probes,
// version, Prometheus metrics, and the run query API over the metric store.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/gocohort/internal/errors"
	"github.com/3leaps/gocohort/internal/observability"
	"github.com/3leaps/gocohort/internal/server/handlers"
	"github.com/3leaps/gocohort/internal/server/middleware"
)

// Server is the gocohort status HTTP server.
type Server struct {
	host   string
	port   int
	router chi.Router
	runs   *handlers.RunsAPI
	http   *http.Server
}

// New creates a server bound to host:port. Port zero lets the listener pick.
func New(host string, port int) *Server {
	s := &Server{host: host, port: port}
	s.router = s.buildRouter()
	return s
}

// AttachRunStore wires the run query API to an open metric store. Must be
// called before Start; endpoints respond 503 until a store is attached.
func (s *Server) AttachRunStore(db *sql.DB) {
	s.runs = handlers.NewRunsAPI(db)
	s.router = s.buildRouter()
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// Start runs the server until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	s.http = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteHTTPError(w, apperrors.HTTPErrorDetail{
			Code:      "NOT_FOUND",
			Message:   "route not found: " + req.URL.Path,
			RequestID: middleware.GetRequestID(req.Context()),
		}, http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteHTTPError(w, apperrors.HTTPErrorDetail{
			Code:      "METHOD_NOT_ALLOWED",
			Message:   "method not allowed: " + req.Method + " " + req.URL.Path,
			RequestID: middleware.GetRequestID(req.Context()),
		}, http.StatusMethodNotAllowed)
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		if observability.PrometheusExporter == nil {
			apperrors.RespondWithError(w, req,
				apperrors.NewExternalServiceError("telemetry is not initialized"))
			return
		}
		observability.PrometheusExporter.ServeHTTP(w, req)
	})

	r.Route("/api/v1", func(api chi.Router) {
		if s.runs != nil {
			s.runs.Routes(api)
		} else {
			detached := handlers.NewRunsAPI(nil)
			detached.Routes(api)
		}
	})

	s.registerAdminEndpoint(r)

	return r
}

// registerAdminEndpoint mounts POST /admin/signal only when an admin token
// is configured, so the surface does not exist at all by default.
func (s *Server) registerAdminEndpoint(r chi.Router) {
	token := os.Getenv("GOCOHORT_ADMIN_TOKEN")
	if token == "" {
		return
	}

	r.Post("/admin/signal", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer "+token {
			apperrors.WriteHTTPError(w, apperrors.HTTPErrorDetail{
				Code:      "UNAUTHORIZED",
				Message:   "invalid admin token",
				RequestID: middleware.GetRequestID(req.Context()),
			}, http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}
