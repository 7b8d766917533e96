// Package server wires the HTTP API: admin session and account management,
// license administration, and the public validation endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/keyforge/keyforge/internal/engine"
	"github.com/keyforge/keyforge/internal/handler"
	"github.com/keyforge/keyforge/internal/server/middleware"
	"github.com/keyforge/keyforge/internal/service"
	"github.com/keyforge/keyforge/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	ClientRateLimit int           // requests per minute per IP on public endpoints
	SessionTTL      time.Duration // admin JWT lifetime, zero means 24h
	Version         string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		ClientRateLimit: 120,
	}
}

// Server is the top-level HTTP server for Keyforge. It owns the chi router,
// the store, the activation engine, and the authentication service.
type Server struct {
	cfg        Config
	router     chi.Router
	store      *store.Store
	engine     *engine.Engine
	authSvc    *service.AuthService
	licenseSvc *service.LicenseService
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, st *store.Store, eng *engine.Engine, authSvc *service.AuthService, licenseSvc *service.LicenseService, logger *slog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		engine:     eng,
		authSvc:    authSvc,
		licenseSvc: licenseSvc,
		logger:     logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Total-Count", "X-Request-ID", "Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {

		// Public client API: unauthenticated by default, rate limited per IP.
		clientHandler := handler.NewClientHandler(s.engine, s.store, s.authSvc)
		r.Route("/client", func(r chi.Router) {
			if s.cfg.ClientRateLimit > 0 {
				r.Use(middleware.RateLimit(s.cfg.ClientRateLimit))
			}
			r.Post("/validate", clientHandler.Validate)
			r.Post("/status", clientHandler.Status)
		})

		// System APIs (admin accounts, sessions, server keys)
		r.Route("/system", func(r chi.Router) {
			sysHandler := handler.NewSystemHandler(s.store, s.authSvc, s.cfg.SessionTTL)

			// Session endpoints are unauthenticated (login) or self-authenticated (logout)
			r.Post("/admin/session", sysHandler.Login)
			r.With(middleware.Authenticate(s.authSvc)).Delete("/admin/session", sysHandler.Logout)

			// All other system endpoints require admin authentication
			r.Group(func(r chi.Router) {
				r.Use(middleware.Authenticate(s.authSvc))
				r.Use(middleware.RequireAdmin())

				r.Get("/admin", sysHandler.ListAdmins)
				r.Post("/admin", sysHandler.CreateAdmin)
				r.Delete("/admin/{username}", sysHandler.DeleteAdmin)

				r.Get("/api-key", sysHandler.ListAPIKeys)
				r.Post("/api-key", sysHandler.CreateAPIKey)
				r.Delete("/api-key/{keyId}", sysHandler.RevokeAPIKey)
			})
		})

		// License administration
		r.Route("/licenses", func(r chi.Router) {
			r.Use(middleware.Authenticate(s.authSvc))
			r.Use(middleware.RequireAdmin())

			licHandler := handler.NewLicenseHandler(s.licenseSvc)

			r.Get("/", licHandler.List)
			r.Post("/", licHandler.Create)
			r.Get("/stats", licHandler.Stats)
			r.Get("/search", licHandler.Search)
			r.Get("/export", licHandler.Export)
			r.Get("/activity", licHandler.Activity)

			r.Route("/{licenseKey}", func(r chi.Router) {
				r.Get("/", licHandler.Get)
				r.Delete("/", licHandler.Delete)
				r.Post("/extend", licHandler.Extend)
				r.Post("/lock", licHandler.Lock)
				r.Post("/unlock", licHandler.Unlock)
				r.Post("/revoke", licHandler.Revoke)
				r.Post("/reset", licHandler.Reset)
			})
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": "keyforge",
		"version": s.cfg.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadyz is a readiness probe. Returns 200 when the database is
// reachable, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	if err := s.store.Ping(r.Context()); err != nil {
		checks["store"] = "error: " + err.Error()
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests before closing the store.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Warn("close store", "error", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
